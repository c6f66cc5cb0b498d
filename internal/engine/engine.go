// Package engine orchestrates sizing, planning and broker execution, and
// owns the position lifecycle. One task runs per in-flight signal; a
// per-(symbol, venue) lock keeps execution and reconciliation from touching
// the same position at once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/logger"
	"traderelay/internal/notify"
	"traderelay/internal/plan"
	"traderelay/internal/position"
	"traderelay/internal/risk"
	"traderelay/internal/signal"
	"traderelay/internal/store"
)

var (
	// ErrStoreUnavailable: the last persistence write failed; the engine
	// refuses new work until the store proves writable again, so no broker
	// call ever runs against an unrecorded state.
	ErrStoreUnavailable = errors.New("state store unavailable, refusing new submissions")
	ErrUnknownVenue     = errors.New("no gateway configured for venue")
	ErrDuplicateSignal  = errors.New("an active position already exists for this symbol and venue")
	ErrTooManyPositions = errors.New("max concurrent positions reached")
	ErrSpreadTooWide    = errors.New("spread exceeds configured maximum")
	ErrPositionParked   = errors.New("position is awaiting reconciliation")
	ErrPositionBusy     = errors.New("position is locked by an in-flight operation")
)

// Options tune execution behavior. Zero values fall back to defaults.
type Options struct {
	// DefaultRatios is the ladder split used when a progressive signal
	// declares none and its level count matches.
	DefaultRatios []decimal.Decimal
	// MaxAttempts bounds retries of transient step failures.
	MaxAttempts int
	// RetryBase seeds the exponential backoff between attempts.
	RetryBase time.Duration
	// MaxOpenPositions caps concurrent non-terminal positions, 0 = no cap.
	MaxOpenPositions int
	// FallbackEquity is used for sizing when the gateway cannot report
	// account equity.
	FallbackEquity decimal.Decimal
	// MaxSpread per symbol; a quote wider than this aborts the signal
	// before any broker call. Empty map disables the guard.
	MaxSpread map[string]decimal.Decimal
	// Instruments is the configured lot-constraint fallback for venues
	// that cannot report them.
	Instruments map[string]risk.InstrumentSpec
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
}

// Engine is the execution orchestrator. Construct with New, then Recover
// once before accepting traffic.
type Engine struct {
	gateways map[signal.Venue]broker.Gateway
	store    store.Store
	locks    *KeyLocks
	notifier notify.TextNotifier

	optsMu sync.RWMutex
	opts   Options

	writable atomic.Bool
	stopped  atomic.Bool
	inflight sync.WaitGroup
}

func New(gateways map[signal.Venue]broker.Gateway, st store.Store, notifier notify.TextNotifier, opts Options) *Engine {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notify.Noop{}
	}
	e := &Engine{
		gateways: gateways,
		store:    st,
		locks:    NewKeyLocks(),
		notifier: notifier,
		opts:     opts,
	}
	e.writable.Store(true)
	return e
}

// Locks exposes the exclusivity locks so the reconciler coordinates on the
// same keys.
func (e *Engine) Locks() *KeyLocks { return e.locks }

// Reconfigure swaps the tunable options at runtime, for config hot reload.
// In-flight plans keep the options they started with.
func (e *Engine) Reconfigure(opts Options) {
	opts.applyDefaults()
	e.optsMu.Lock()
	e.opts = opts
	e.optsMu.Unlock()
	logger.Infof("engine options reloaded")
}

func (e *Engine) options() Options {
	e.optsMu.RLock()
	defer e.optsMu.RUnlock()
	return e.opts
}

// Health is the status surface consumed by the transport layer.
type Health struct {
	StoreWritable   bool `json:"store_writable"`
	ActivePositions int  `json:"active_positions"`
	Stopped         bool `json:"stopped"`
}

func (e *Engine) GetHealth(ctx context.Context) Health {
	h := Health{StoreWritable: e.writable.Load(), Stopped: e.stopped.Load()}
	if active, err := e.store.ListActive(ctx); err == nil {
		h.ActivePositions = len(active)
	}
	return h
}

// Submit validates, sizes and plans sig, persists the new position, then
// executes the plan on its own task. Sizing and planning errors return
// synchronously and never touch the broker.
func (e *Engine) Submit(ctx context.Context, sig signal.Signal) (string, error) {
	if e.stopped.Load() {
		return "", errors.New("engine is shutting down")
	}
	if !e.writable.Load() && !e.probeStore(ctx) {
		return "", ErrStoreUnavailable
	}
	if err := sig.Validate(); err != nil {
		return "", err
	}
	gw, ok := e.gateways[sig.Venue]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVenue, sig.Venue)
	}

	key := sig.Key()
	if !e.locks.TryAcquire(key) {
		return "", ErrDuplicateSignal
	}
	release := true
	defer func() {
		if release {
			e.locks.Release(key)
		}
	}()

	active, err := e.store.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("listing active positions: %w", err)
	}
	for _, p := range active {
		if p.Key() == key {
			return "", ErrDuplicateSignal
		}
	}
	opts := e.options()
	if opts.MaxOpenPositions > 0 && len(active) >= opts.MaxOpenPositions {
		return "", ErrTooManyPositions
	}

	entry, err := e.entryPrice(ctx, gw, sig)
	if err != nil {
		return "", err
	}
	spec, err := e.instrumentSpec(ctx, gw, sig.Symbol)
	if err != nil {
		return "", err
	}
	equity, err := e.equity(ctx, gw)
	if err != nil {
		return "", err
	}

	qty, err := risk.Size(equity, sig.RiskPercent, entry, sig.StopLoss, spec)
	if err != nil {
		return "", err
	}
	steps, err := plan.Build(sig, qty, spec.LotStep, opts.DefaultRatios)
	if err != nil {
		return "", err
	}

	pos := position.New(sig, time.Now())
	pos.TPLedger = ledgerFromSteps(steps)
	if err := e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID, Op: "submit", Outcome: store.OpConfirmed,
		Detail: fmt.Sprintf(`{"mode":%q,"quantity":%q,"steps":%d}`, sig.Mode, qty, len(steps)),
	}); err != nil {
		return "", err
	}
	if err := e.transitionAndPersist(ctx, pos, position.StateOpening); err != nil {
		return "", err
	}

	release = false // the plan task owns the lock now
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.executePlan(context.WithoutCancel(ctx), gw, pos, steps)
	}()

	logger.Infof("submit accepted position=%s %s %s qty=%s mode=%s", pos.ID, sig.Symbol, sig.Side, qty, sig.Mode)
	return pos.ID, nil
}

// ledgerFromSteps seeds the take-profit ledger, one pending entry per
// ladder level, in ladder order.
func ledgerFromSteps(steps []plan.Step) []position.LedgerEntry {
	var ledger []position.LedgerEntry
	for _, s := range steps {
		if s.Level == 0 || s.TakeProfit.IsZero() {
			continue
		}
		ledger = append(ledger, position.LedgerEntry{
			Price:    s.TakeProfit,
			Quantity: s.Quantity,
			Status:   position.LevelPending,
		})
	}
	return ledger
}

// entryPrice resolves the price sizing anchors on: the signal's declared
// entry, or the venue quote for market entries. The spread guard runs here
// so a blown-out book rejects the signal before any order goes out.
func (e *Engine) entryPrice(ctx context.Context, gw broker.Gateway, sig signal.Signal) (decimal.Decimal, error) {
	maxSpread, guarded := e.options().MaxSpread[sig.Symbol]
	quoter, canQuote := gw.(broker.Quoter)

	if !sig.Market() && !guarded {
		return sig.Entry, nil
	}
	if !canQuote {
		if sig.Market() {
			return decimal.Zero, fmt.Errorf("%w: market entry needs a quoting gateway", risk.ErrInvalidInput)
		}
		return sig.Entry, nil
	}
	q, err := quoter.Quote(ctx, sig.Symbol)
	if err != nil {
		if sig.Market() {
			return decimal.Zero, fmt.Errorf("quoting %s: %w", sig.Symbol, err)
		}
		return sig.Entry, nil // guard degrades open, declared entry still sizes
	}
	if guarded && q.Spread().Cmp(maxSpread) > 0 {
		return decimal.Zero, fmt.Errorf("%w: %s spread %s > max %s", ErrSpreadTooWide, sig.Symbol, q.Spread(), maxSpread)
	}
	if !sig.Market() {
		return sig.Entry, nil
	}
	if sig.Side == signal.SideLong {
		return q.Ask, nil
	}
	return q.Bid, nil
}

func (e *Engine) instrumentSpec(ctx context.Context, gw broker.Gateway, symbol string) (risk.InstrumentSpec, error) {
	if ins, ok := gw.(broker.Instrumenter); ok {
		info, err := ins.Instrument(ctx, symbol)
		if err == nil {
			return risk.InstrumentSpec{
				Symbol:        info.Symbol,
				LotStep:       info.LotStep,
				MinLot:        info.MinLot,
				MaxLot:        info.MaxLot,
				ContractValue: info.ContractValue,
			}, nil
		}
		logger.Warnf("instrument lookup failed for %s, using configured spec: %v", symbol, err)
	}
	spec, ok := e.options().Instruments[symbol]
	if !ok {
		return risk.InstrumentSpec{}, fmt.Errorf("%w: no instrument spec for %s", risk.ErrInvalidInput, symbol)
	}
	return spec, nil
}

func (e *Engine) equity(ctx context.Context, gw broker.Gateway) (decimal.Decimal, error) {
	if acc, ok := gw.(broker.Accounter); ok {
		eq, err := acc.Equity(ctx)
		if err == nil && eq.Sign() > 0 {
			return eq, nil
		}
		if err != nil {
			logger.Warnf("equity lookup failed, using configured fallback: %v", err)
		}
	}
	if eq := e.options().FallbackEquity; eq.Sign() > 0 {
		return eq, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no equity source available", risk.ErrInvalidInput)
}

// ListPositions returns every persisted position, oldest first.
func (e *Engine) ListPositions(ctx context.Context) ([]*position.Position, error) {
	return e.store.ListPositions(ctx)
}

func (e *Engine) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	return e.store.GetPosition(ctx, id)
}

func (e *Engine) ListOperations(ctx context.Context, id string, limit int) ([]store.OperationRecord, error) {
	return e.store.ListOps(ctx, id, limit)
}

// ClosePosition flattens the position's remaining venue exposure. Closed is
// reached only once the venue confirms nothing is left; otherwise the
// position stays in Closing for the reconciler to finish.
func (e *Engine) ClosePosition(ctx context.Context, id string) error {
	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if pos.LifecycleState.Terminal() {
		return fmt.Errorf("position %s already %s", id, pos.LifecycleState)
	}
	if pos.LifecycleState == position.StateNeedsReconciliation {
		return ErrPositionParked
	}
	gw, ok := e.gateways[pos.Signal.Venue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, pos.Signal.Venue)
	}

	key := pos.Key()
	if !e.locks.TryAcquire(key) {
		return ErrPositionBusy
	}
	defer e.locks.Release(key)

	if pos.LifecycleState != position.StateClosing {
		if pos.LifecycleState != position.StateMonitoring {
			if err := e.transitionAndPersist(ctx, pos, position.StateMonitoring); err != nil {
				return err
			}
		}
		if err := e.transitionAndPersist(ctx, pos, position.StateClosing); err != nil {
			return err
		}
	}

	for _, ref := range pos.VenueOrderRefs {
		if err := e.retryTransient(ctx, "close", func() error {
			return gw.Close(ctx, ref)
		}); err != nil {
			if broker.Classify(err) == broker.KindRejected {
				// Typically "position not found": the venue already
				// flattened it. Confirmation below settles the truth.
				logger.Warnf("close %s ref=%s rejected: %v", id, ref, err)
				continue
			}
			_ = e.persistOp(ctx, pos, store.OperationRecord{
				PositionID: id, Op: "close", Outcome: store.OpFailed, Detail: jsonDetail(err.Error()),
			})
			return fmt.Errorf("closing %s: %w", id, err)
		}
	}

	confirmed, err := e.venueConfirmsFlat(ctx, gw, pos)
	if err != nil {
		return fmt.Errorf("confirming close of %s: %w", id, err)
	}
	if !confirmed {
		logger.Warnf("position %s closed locally but venue still reports exposure, leaving in Closing", id)
		return nil
	}
	pos.RemainingQty = decimal.Zero
	if err := e.transitionAndPersist(ctx, pos, position.StateClosed); err != nil {
		return err
	}
	logger.Infof("position %s closed", id)
	return nil
}

// venueConfirmsFlat checks the venue's own listing for any surviving ref.
func (e *Engine) venueConfirmsFlat(ctx context.Context, gw broker.Gateway, pos *position.Position) (bool, error) {
	live, err := gw.ListOpenPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, vp := range live {
		if pos.HasRef(vp.Ref) && vp.Quantity.Sign() > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Stop refuses new submissions and waits for in-flight plans to reach a
// persisted stopping point. Plans are never interrupted mid-broker-call.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.inflight.Wait()
}

// WaitIdle blocks until no plan task is in flight.
func (e *Engine) WaitIdle() { e.inflight.Wait() }

// SetWritable overrides the store-health flag directly, for operators and
// tests that know the store state out of band.
func (e *Engine) SetWritable(ok bool) { e.writable.Store(ok) }

// probeStore attempts a minimal audit write to check whether the store
// recovered from a failed write. On success it lifts the refuse-new-work
// gate, so the next submission after a store outage goes through.
func (e *Engine) probeStore(ctx context.Context) bool {
	err := e.store.AppendOp(ctx, store.OperationRecord{
		PositionID: "store-health",
		Op:         "probe_write",
		Outcome:    store.OpConfirmed,
	})
	if err != nil {
		return false
	}
	e.writable.Store(true)
	logger.Infof("state store writable again, accepting submissions")
	return true
}

// transitionAndPersist applies a lifecycle transition and commits it with a
// matching audit row in one store transaction.
func (e *Engine) transitionAndPersist(ctx context.Context, pos *position.Position, next position.State) error {
	prev := pos.LifecycleState
	if err := pos.Transition(next); err != nil {
		return err
	}
	return e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID,
		Op:         "transition",
		Outcome:    store.OpConfirmed,
		Detail:     fmt.Sprintf(`{"from":%q,"to":%q}`, prev, next),
	})
}

// persistOp is the single write path: every success restores the writable
// flag, every failure drops it so Submit refuses new work.
func (e *Engine) persistOp(ctx context.Context, pos *position.Position, rec store.OperationRecord) error {
	if err := e.store.SaveWithOp(ctx, pos, rec); err != nil {
		e.writable.Store(false)
		logger.Errorf("state store write failed for %s: %v", pos.ID, err)
		_ = e.notifier.SendText(fmt.Sprintf("⚠️ state store write failed: %v. Engine refusing new signals", err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.writable.Store(true)
	return nil
}

func jsonDetail(msg string) string {
	return fmt.Sprintf(`{"error":%q}`, msg)
}
