package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traderelay/internal/broker"
	"traderelay/internal/position"
	"traderelay/internal/risk"
	"traderelay/internal/signal"
	"traderelay/internal/store/memstore"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeGateway is a scriptable in-memory venue: errors queue up per call and
// confirmed opens show up in ListOpenPositions like a real book.
type fakeGateway struct {
	mu        sync.Mutex
	venue     signal.Venue
	openErrs  []error
	tpErr     error
	openCalls int
	tpCalls   int
	nextRef   int
	live      []broker.VenuePosition
}

func newFakeGateway() *fakeGateway { return &fakeGateway{venue: signal.VenueMT5} }

func (g *fakeGateway) Venue() signal.Venue { return g.venue }

func (g *fakeGateway) Open(_ context.Context, order broker.OpenOrder) (broker.VenueRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCalls++
	if len(g.openErrs) > 0 {
		err := g.openErrs[0]
		g.openErrs = g.openErrs[1:]
		if err != nil {
			return "", err
		}
	}
	g.nextRef++
	ref := broker.VenueRef(strconv.Itoa(g.nextRef))
	g.live = append(g.live, broker.VenuePosition{
		Ref:      ref,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
	})
	return ref, nil
}

func (g *fakeGateway) SetPartialTakeProfit(_ context.Context, _ broker.VenueRef, _, _ decimal.Decimal) (broker.VenueRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tpCalls++
	if g.tpErr != nil {
		return "", g.tpErr
	}
	g.nextRef++
	return broker.VenueRef("tp-" + strconv.Itoa(g.nextRef)), nil
}

func (g *fakeGateway) ModifyStop(context.Context, broker.VenueRef, decimal.Decimal) error { return nil }

func (g *fakeGateway) ClosePartial(context.Context, broker.VenueRef, decimal.Decimal) error {
	return nil
}

func (g *fakeGateway) Close(_ context.Context, ref broker.VenueRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.live[:0]
	for _, p := range g.live {
		if p.Ref != ref {
			kept = append(kept, p)
		}
	}
	g.live = kept
	return nil
}

func (g *fakeGateway) ListOpenPositions(context.Context) ([]broker.VenuePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.VenuePosition(nil), g.live...), nil
}

func (g *fakeGateway) opens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openCalls
}

func testOptions() Options {
	return Options{
		DefaultRatios:  []decimal.Decimal{d("0.33"), d("0.33"), d("0.34")},
		MaxAttempts:    3,
		RetryBase:      time.Millisecond,
		FallbackEquity: d("10000"),
		Instruments: map[string]risk.InstrumentSpec{
			"EURUSD": {
				Symbol:        "EURUSD",
				LotStep:       d("0.01"),
				MinLot:        d("0.01"),
				ContractValue: d("100000"),
			},
		},
	}
}

func newTestEngine(gw *fakeGateway) (*Engine, *memstore.Store) {
	st := memstore.New()
	e := New(map[signal.Venue]broker.Gateway{signal.VenueMT5: gw}, st, nil, testOptions())
	return e, st
}

func progressiveSignal() signal.Signal {
	return signal.Signal{
		Symbol:      "EURUSD",
		Side:        signal.SideLong,
		Entry:       d("1.1000"),
		StopLoss:    d("1.0950"),
		TakeProfits: []decimal.Decimal{d("1.1050"), d("1.1100"), d("1.1150")},
		Mode:        signal.ModeProgressive,
		Venue:       signal.VenueMT5,
		RiskPercent: d("1"),
	}
}

func TestSubmitProgressiveToMonitoring(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState)
	assert.True(t, pos.FilledQuantity.Equal(d("0.2")), "filled %s", pos.FilledQuantity)
	assert.True(t, pos.RemainingQty.IsZero(), "full quantity allocated to the ladder")
	require.NoError(t, pos.CheckLedgerInvariant())
	require.Len(t, pos.TPLedger, 3)
	for _, lvl := range pos.TPLedger {
		assert.Equal(t, position.LevelPlaced, lvl.Status)
		assert.NotEmpty(t, lvl.VenueRef)
	}
	assert.Equal(t, 1, gw.opens(), "progressive opens exactly once")
	assert.Equal(t, 3, gw.tpCalls)
	assert.False(t, e.Locks().Held(pos.Key()), "lock released after the plan finishes")
}

func TestSubmitDuplicateKeyRejected(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(gw)
	ctx := context.Background()

	_, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	_, err = e.Submit(ctx, progressiveSignal())
	assert.ErrorIs(t, err, ErrDuplicateSignal)
}

func TestSubmitUnknownVenue(t *testing.T) {
	e, _ := newTestEngine(newFakeGateway())
	sig := progressiveSignal()
	sig.Venue = signal.VenueBybit
	_, err := e.Submit(context.Background(), sig)
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestSubmitMaxOpenPositions(t *testing.T) {
	gw := newFakeGateway()
	st := memstore.New()
	opts := testOptions()
	opts.MaxOpenPositions = 1
	opts.Instruments["GBPUSD"] = opts.Instruments["EURUSD"]
	e := New(map[signal.Venue]broker.Gateway{signal.VenueMT5: gw}, st, nil, opts)
	ctx := context.Background()

	_, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	other := progressiveSignal()
	other.Symbol = "GBPUSD"
	_, err = e.Submit(ctx, other)
	assert.ErrorIs(t, err, ErrTooManyPositions)
}

func TestAmbiguousOpenParks(t *testing.T) {
	gw := newFakeGateway()
	gw.openErrs = []error{broker.Ambiguous(signal.VenueMT5, "open", errors.New("timeout after send"))}
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateNeedsReconciliation, pos.LifecycleState)
	assert.Equal(t, 1, gw.opens(), "an ambiguous open is never re-issued")
	assert.True(t, e.Locks().Parked(pos.Key()))

	_, err = e.Submit(ctx, progressiveSignal())
	assert.ErrorIs(t, err, ErrDuplicateSignal, "parked key refuses new signals")
}

func TestRejectedOpenAborts(t *testing.T) {
	gw := newFakeGateway()
	gw.openErrs = []error{broker.Rejected(signal.VenueMT5, "open", errors.New("not enough margin"))}
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateAborted, pos.LifecycleState)
	assert.True(t, pos.FilledQuantity.IsZero())
	assert.False(t, e.Locks().Held(pos.Key()))
}

func TestTransientOpenRetriesThenFills(t *testing.T) {
	gw := newFakeGateway()
	transient := broker.Transient(signal.VenueMT5, "open", errors.New("connection refused"))
	gw.openErrs = []error{transient, transient, nil}
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState)
	assert.Equal(t, 3, gw.opens())
}

func TestTransientOpenExhaustsAndAborts(t *testing.T) {
	gw := newFakeGateway()
	transient := broker.Transient(signal.VenueMT5, "open", errors.New("connection refused"))
	gw.openErrs = []error{transient, transient, transient}
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateAborted, pos.LifecycleState)
	assert.Equal(t, 3, gw.opens(), "bounded attempts")
}

func TestLadderFailureDegradesLevel(t *testing.T) {
	gw := newFakeGateway()
	gw.tpErr = broker.Rejected(signal.VenueMT5, "set_partial_tp", errors.New("invalid price"))
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState, "degraded ladder never kills the position")
	for _, lvl := range pos.TPLedger {
		assert.Equal(t, position.LevelPending, lvl.Status)
		assert.True(t, lvl.Degraded)
	}
	assert.True(t, pos.RemainingQty.Equal(pos.FilledQuantity), "nothing allocated when no level placed")
	require.NoError(t, pos.CheckLedgerInvariant())
	assert.False(t, e.Locks().Held(pos.Key()))
}

func TestStoreFailureRefusesNewWork(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	st.FailWrites = errors.New("disk full")
	_, err := e.Submit(ctx, progressiveSignal())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, gw.opens(), "no broker call without a persisted record")

	// Still down: the recovery write fails too, so submissions stay refused.
	_, err = e.Submit(ctx, progressiveSignal())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// Once writes land again the next submission proves it and goes through,
	// no operator intervention needed.
	st.FailWrites = nil
	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()
	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState)
}

func TestReconfigureAppliesNewOptions(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	sig := progressiveSignal()
	sig.Symbol = "GBPUSD"
	_, err := e.Submit(ctx, sig)
	require.Error(t, err, "no instrument spec configured for GBPUSD yet")

	opts := testOptions()
	opts.Instruments["GBPUSD"] = risk.InstrumentSpec{
		Symbol:        "GBPUSD",
		LotStep:       d("0.01"),
		MinLot:        d("0.01"),
		ContractValue: d("100000"),
	}
	e.Reconfigure(opts)

	id, err := e.Submit(ctx, sig)
	require.NoError(t, err, "reloaded instruments take effect without a restart")
	e.WaitIdle()
	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState)
}

func TestClosePosition(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	id, err := e.Submit(ctx, progressiveSignal())
	require.NoError(t, err)
	e.WaitIdle()

	require.NoError(t, e.ClosePosition(ctx, id))
	pos, err := st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, position.StateClosed, pos.LifecycleState)
	assert.True(t, pos.RemainingQty.IsZero())
	assert.Empty(t, gw.live, "venue exposure flattened")

	err = e.ClosePosition(ctx, id)
	assert.Error(t, err, "closing a terminal position fails")
}

func TestRecoverFullyOpenUntouchedNoDuplicateOpen(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	// Persisted state of a process killed right after the FullyOpen commit.
	pos := position.New(progressiveSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	pos.RecordFill("101", d("0.2"))
	pos.TPLedger = []position.LedgerEntry{
		{Price: d("1.1050"), Quantity: d("0.06"), Status: position.LevelPending},
		{Price: d("1.1100"), Quantity: d("0.06"), Status: position.LevelPending},
		{Price: d("1.1150"), Quantity: d("0.08"), Status: position.LevelPending},
	}
	require.NoError(t, pos.Transition(position.StateFullyOpen))
	require.NoError(t, st.SavePosition(ctx, pos))

	require.NoError(t, e.Recover(ctx))
	assert.Equal(t, 0, gw.opens(), "recovery must not touch the broker")
	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateFullyOpen, got.LifecycleState)
	require.NoError(t, got.CheckLedgerInvariant())
	assert.True(t, e.Locks().Held(pos.Key()), "recovered mid-ladder position keeps its lock")

	require.NoError(t, e.Resume(ctx))
	got, err = st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, got.LifecycleState)
	assert.Equal(t, 0, gw.opens(), "resume places ladder levels, never opens")
	assert.Equal(t, 3, gw.tpCalls)
	assert.False(t, e.Locks().Held(pos.Key()))
}

func TestRecoverPlanningAborts(t *testing.T) {
	e, st := newTestEngine(newFakeGateway())
	ctx := context.Background()
	pos := position.New(progressiveSignal(), time.Now())
	require.NoError(t, st.SavePosition(ctx, pos))

	require.NoError(t, e.Recover(ctx))
	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateAborted, got.LifecycleState)
}

func TestRecoverMidOpenParks(t *testing.T) {
	e, st := newTestEngine(newFakeGateway())
	ctx := context.Background()
	pos := position.New(progressiveSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	require.NoError(t, st.SavePosition(ctx, pos))

	require.NoError(t, e.Recover(ctx))
	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateNeedsReconciliation, got.LifecycleState)
	assert.True(t, e.Locks().Parked(pos.Key()))
}

func TestResumePartialOpenCancelsUnopenedSplits(t *testing.T) {
	gw := newFakeGateway()
	e, st := newTestEngine(gw)
	ctx := context.Background()

	sig := progressiveSignal()
	sig.Mode = signal.ModeSplit
	pos := position.New(sig, time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	pos.RecordFill("201", d("0.08"))
	pos.TPLedger = []position.LedgerEntry{
		{Price: d("1.1050"), Quantity: d("0.08"), Status: position.LevelPlaced, VenueRef: "201"},
		{Price: d("1.1100"), Quantity: d("0.06"), Status: position.LevelPending},
		{Price: d("1.1150"), Quantity: d("0.06"), Status: position.LevelPending},
	}
	pos.RemainingQty = decimal.Zero // the filled split carries its own target
	require.NoError(t, pos.Transition(position.StatePartiallyOpen))
	require.NoError(t, st.SavePosition(ctx, pos))

	require.NoError(t, e.Recover(ctx))
	require.NoError(t, e.Resume(ctx))

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, got.LifecycleState)
	assert.Equal(t, 0, gw.opens(), "interrupted split opens are never replayed")
	assert.Equal(t, position.LevelCancelled, got.TPLedger[1].Status)
	assert.Equal(t, position.LevelCancelled, got.TPLedger[2].Status)
	assert.Equal(t, position.LevelPlaced, got.TPLedger[0].Status)
}

func TestKeyLocksParking(t *testing.T) {
	l := NewKeyLocks()
	require.True(t, l.TryAcquire("EURUSD@mt5"))
	require.False(t, l.TryAcquire("EURUSD@mt5"))

	l.Park("EURUSD@mt5")
	l.Release("EURUSD@mt5")
	assert.True(t, l.Held("EURUSD@mt5"), "release is a no-op on parked locks")
	assert.False(t, l.TryAcquire("EURUSD@mt5"))

	l.ResolvePark("EURUSD@mt5")
	assert.False(t, l.Held("EURUSD@mt5"))
	assert.True(t, l.TryAcquire("EURUSD@mt5"))
}
