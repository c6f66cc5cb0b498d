package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traderelay/internal/broker"
	"traderelay/internal/engine"
	"traderelay/internal/position"
	"traderelay/internal/signal"
	"traderelay/internal/store/memstore"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu   sync.Mutex
	live []broker.VenuePosition
}

func (g *fakeGateway) Venue() signal.Venue { return signal.VenueMT5 }

func (g *fakeGateway) Open(context.Context, broker.OpenOrder) (broker.VenueRef, error) {
	panic("reconciliation must never open")
}

func (g *fakeGateway) SetPartialTakeProfit(context.Context, broker.VenueRef, decimal.Decimal, decimal.Decimal) (broker.VenueRef, error) {
	panic("reconciliation must never place orders")
}

func (g *fakeGateway) ModifyStop(context.Context, broker.VenueRef, decimal.Decimal) error {
	panic("reconciliation must never modify orders")
}

func (g *fakeGateway) ClosePartial(context.Context, broker.VenueRef, decimal.Decimal) error {
	panic("reconciliation must never close")
}

func (g *fakeGateway) Close(context.Context, broker.VenueRef) error {
	panic("reconciliation must never close")
}

func (g *fakeGateway) ListOpenPositions(context.Context) ([]broker.VenuePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.VenuePosition(nil), g.live...), nil
}

func (g *fakeGateway) setLive(live ...broker.VenuePosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = live
}

func testSignal() signal.Signal {
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

// monitoringPosition builds a fully laddered position in Monitoring, filled
// 1.0 against venue ref "101".
func monitoringPosition(t *testing.T) *position.Position {
	t.Helper()
	pos := position.New(testSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	pos.RecordFill("101", d("1"))
	pos.TPLedger = []position.LedgerEntry{
		{Price: d("1.1050"), Quantity: d("0.33"), Status: position.LevelPending},
		{Price: d("1.1100"), Quantity: d("0.33"), Status: position.LevelPending},
		{Price: d("1.1150"), Quantity: d("0.34"), Status: position.LevelPending},
	}
	require.NoError(t, pos.Transition(position.StateFullyOpen))
	for i := range pos.TPLedger {
		pos.MarkLevelPlaced(i, broker.VenueRef("tp-"+pos.TPLedger[i].Price.String()))
	}
	require.NoError(t, pos.Transition(position.StateMonitoring))
	require.NoError(t, pos.CheckLedgerInvariant())
	return pos
}

func newReconciler(gw *fakeGateway) (*Reconciler, *memstore.Store, *engine.KeyLocks) {
	st := memstore.New()
	locks := engine.NewKeyLocks()
	r := New(map[signal.Venue]broker.Gateway{signal.VenueMT5: gw}, st, locks, nil)
	return r, st, locks
}

func TestRunOnceInSyncIsQuiet(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	pos := monitoringPosition(t)
	require.NoError(t, st.SavePosition(ctx, pos))
	gw.setLive(broker.VenuePosition{Ref: "101", Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("1")})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Mutations())
}

func TestRestoreUntrackedVenuePosition(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	gw.setLive(broker.VenuePosition{
		Ref:        "9001",
		Symbol:     "EURUSD",
		Side:       signal.SideLong,
		Quantity:   d("0.5"),
		EntryPrice: d("1.1000"),
		StopLoss:   d("1.0950"),
	})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Restored)

	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	pos := active[0]
	assert.Equal(t, position.StateMonitoring, pos.LifecycleState)
	assert.True(t, pos.Restored)
	assert.True(t, pos.FilledQuantity.Equal(d("0.5")))
	assert.True(t, pos.HasRef("9001"))
	require.NoError(t, pos.CheckLedgerInvariant())

	// Second pass: the restored position now claims its ref, nothing new.
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Mutations(), "restore must be idempotent")
	active, err = st.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1, "exactly one position restored")
}

func TestCloseMissingOnBroker(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	pos := monitoringPosition(t)
	require.NoError(t, st.SavePosition(ctx, pos))
	gw.setLive() // venue flat: manual close or stop fill the engine missed

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateClosed, got.LifecycleState)
	assert.True(t, got.RemainingQty.IsZero())

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Mutations(), "closed positions leave the active set")
}

func TestCloseMissingWalksFromEarlyState(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	// Killed mid-ladder, then the venue position disappeared.
	pos := position.New(testSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	pos.RecordFill("101", d("1"))
	require.NoError(t, pos.Transition(position.StateFullyOpen))
	require.NoError(t, st.SavePosition(ctx, pos))

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateClosed, got.LifecycleState)
}

func TestShrinkAbsorbsTakeProfitFill(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	pos := monitoringPosition(t)
	require.NoError(t, st.SavePosition(ctx, pos))
	gw.setLive(broker.VenuePosition{
		Ref: "101", Symbol: "EURUSD", Side: signal.SideLong,
		Quantity:  d("0.67"),
		MarkPrice: d("1.1052"),
	})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Shrunk)

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.LevelHit, got.TPLedger[0].Status, "level nearest the mark price marked hit")
	assert.Equal(t, position.LevelPlaced, got.TPLedger[1].Status)
	assert.True(t, got.VenueExposure().Equal(d("0.67")))
	require.NoError(t, got.CheckLedgerInvariant())

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Mutations(), "matching exposure absorbs nothing on the next pass")
}

func TestShrinkWithRepeatedNetRef(t *testing.T) {
	gw := &fakeGateway{}
	r, st, _ := newReconciler(gw)
	ctx := context.Background()

	// A netted venue hands out one ref per symbol and side, so a split entry
	// records the same ref once per fill.
	pos := position.New(testSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	for i := 0; i < 3; i++ {
		pos.RecordFill("EURUSD/long", d("0.1"))
	}
	pos.TPLedger = []position.LedgerEntry{
		{Price: d("1.1050"), Quantity: d("0.1"), Status: position.LevelPending},
		{Price: d("1.1100"), Quantity: d("0.1"), Status: position.LevelPending},
		{Price: d("1.1150"), Quantity: d("0.1"), Status: position.LevelPending},
	}
	require.NoError(t, pos.Transition(position.StateFullyOpen))
	for i := range pos.TPLedger {
		pos.MarkLevelPlaced(i, broker.VenueRef("tp-"+pos.TPLedger[i].Price.String()))
	}
	require.NoError(t, pos.Transition(position.StateMonitoring))
	require.NoError(t, st.SavePosition(ctx, pos))

	gw.setLive(broker.VenuePosition{
		Ref: "EURUSD/long", Symbol: "EURUSD", Side: signal.SideLong,
		Quantity:  d("0.2"),
		MarkPrice: d("1.1051"),
	})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Shrunk, "repeated refs must not inflate the venue quantity")

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.LevelHit, got.TPLedger[0].Status)
	assert.True(t, got.VenueExposure().Equal(d("0.2")))
	require.NoError(t, got.CheckLedgerInvariant())
}

func TestResolveParkedAdoptsVenueMatch(t *testing.T) {
	gw := &fakeGateway{}
	r, st, locks := newReconciler(gw)
	ctx := context.Background()

	pos := position.New(testSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	require.NoError(t, pos.Transition(position.StateNeedsReconciliation))
	require.NoError(t, st.SavePosition(ctx, pos))
	require.True(t, locks.TryAcquire(pos.Key()))
	locks.Park(pos.Key())

	gw.setLive(broker.VenuePosition{Ref: "777", Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("0.2")})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Zero(t, rep.Restored, "the adopted position claims the venue ref")

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, got.LifecycleState)
	assert.True(t, got.FilledQuantity.Equal(d("0.2")))
	assert.True(t, got.HasRef("777"))
	assert.False(t, locks.Held(pos.Key()), "parked lock released after adoption")
}

func TestResolveParkedAbortsWhenVenueFlat(t *testing.T) {
	gw := &fakeGateway{}
	r, st, locks := newReconciler(gw)
	ctx := context.Background()

	pos := position.New(testSignal(), time.Now())
	require.NoError(t, pos.Transition(position.StateOpening))
	require.NoError(t, pos.Transition(position.StateNeedsReconciliation))
	require.NoError(t, st.SavePosition(ctx, pos))
	require.True(t, locks.TryAcquire(pos.Key()))
	locks.Park(pos.Key())

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Aborted)

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateAborted, got.LifecycleState)
	assert.False(t, locks.Held(pos.Key()))
	assert.True(t, locks.TryAcquire(pos.Key()), "key usable for new signals again")
}

func TestBusyKeySkipped(t *testing.T) {
	gw := &fakeGateway{}
	r, st, locks := newReconciler(gw)
	ctx := context.Background()

	pos := monitoringPosition(t)
	require.NoError(t, st.SavePosition(ctx, pos))
	gw.setLive() // would close, but a plan holds the key
	require.True(t, locks.TryAcquire(pos.Key()))

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Mutations(), "never repair under an engine-held lock")

	got, err := st.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, position.StateMonitoring, got.LifecycleState)
}

func TestRestoreSkippedWhileEngineMidPlan(t *testing.T) {
	gw := &fakeGateway{}
	r, st, locks := newReconciler(gw)
	ctx := context.Background()

	// The engine just opened on the venue but its save is not visible yet.
	require.True(t, locks.TryAcquire("EURUSD@mt5"))
	gw.setLive(broker.VenuePosition{Ref: "55", Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("0.2")})

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Restored)
	active, err := st.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
