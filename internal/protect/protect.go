// Package protect runs the stop-protection loop: once a monitored position
// is deep enough in profit its stop moves to breakeven, and beyond that it
// trails the market at a fixed distance. Distances are expressed in R, the
// signal's entry-to-stop distance, so one set of thresholds fits every
// instrument.
package protect

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/engine"
	"traderelay/internal/logger"
	"traderelay/internal/position"
	"traderelay/internal/signal"
	"traderelay/internal/store"
)

// Options are all in R multiples. Zero TriggerR disables breakeven; zero
// TrailActivateR disables trailing.
type Options struct {
	BreakevenTriggerR decimal.Decimal
	BreakevenOffsetR  decimal.Decimal
	TrailActivateR    decimal.Decimal
	TrailDistanceR    decimal.Decimal
}

// Protector moves stops, never targets. It shares the engine's locks so it
// cannot race a plan or a reconciliation repair on the same key.
type Protector struct {
	gateways map[signal.Venue]broker.Gateway
	store    store.Store
	locks    *engine.KeyLocks
	opts     Options
}

func New(gateways map[signal.Venue]broker.Gateway, st store.Store, locks *engine.KeyLocks, opts Options) *Protector {
	return &Protector{gateways: gateways, store: st, locks: locks, opts: opts}
}

func (p *Protector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				logger.Warnf("protection pass failed: %v", err)
			}
		}
	}
}

// RunOnce sweeps every monitored position once.
func (p *Protector) RunOnce(ctx context.Context) error {
	active, err := p.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	for _, pos := range active {
		if pos.LifecycleState != position.StateMonitoring {
			continue
		}
		if pos.Signal.Entry.IsZero() || pos.Signal.StopLoss.IsZero() {
			continue // restored without enough data to compute R
		}
		p.protectOne(ctx, pos)
	}
	return nil
}

func (p *Protector) protectOne(ctx context.Context, pos *position.Position) {
	gw, ok := p.gateways[pos.Signal.Venue]
	if !ok {
		return
	}
	quoter, ok := gw.(broker.Quoter)
	if !ok {
		return
	}
	q, err := quoter.Quote(ctx, pos.Signal.Symbol)
	if err != nil {
		logger.Debugf("quote for %s failed: %v", pos.Signal.Symbol, err)
		return
	}

	desired, ok := p.desiredStop(pos, q)
	if !ok {
		return
	}
	current := pos.CurrentStop
	if current.IsZero() {
		current = pos.Signal.StopLoss
	}
	if !improves(pos.Signal.Side, desired, current) {
		return
	}

	key := pos.Key()
	if !p.locks.TryAcquire(key) {
		return
	}
	defer p.locks.Release(key)

	for _, ref := range pos.VenueOrderRefs {
		if err := gw.ModifyStop(ctx, ref, desired); err != nil {
			logger.Warnf("modify stop for %s ref=%s failed: %v", pos.ID, ref, err)
			return
		}
	}
	pos.CurrentStop = desired
	pos.UpdatedAt = time.Now()
	if err := p.store.SaveWithOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID,
		Op:         "modify_stop",
		Outcome:    store.OpConfirmed,
		Detail:     fmt.Sprintf(`{"stop":%q}`, desired),
	}); err != nil {
		logger.Errorf("persisting stop move for %s failed: %v", pos.ID, err)
		return
	}
	logger.Infof("stop for %s moved to %s", pos.ID, desired)
}

// desiredStop picks the better of the breakeven and trailing levels the
// current price has earned, or nothing when neither threshold is reached.
func (p *Protector) desiredStop(pos *position.Position, q broker.Quote) (decimal.Decimal, bool) {
	entry := pos.Signal.Entry
	r := entry.Sub(pos.Signal.StopLoss).Abs()
	if r.Sign() <= 0 {
		return decimal.Decimal{}, false
	}

	// Exit-side price: a long flattens at the bid, a short at the ask.
	price := q.Bid
	profit := price.Sub(entry)
	if pos.Signal.Side == signal.SideShort {
		price = q.Ask
		profit = entry.Sub(price)
	}

	var desired decimal.Decimal
	found := false
	if p.opts.BreakevenTriggerR.Sign() > 0 && profit.Cmp(p.opts.BreakevenTriggerR.Mul(r)) >= 0 {
		offset := p.opts.BreakevenOffsetR.Mul(r)
		if pos.Signal.Side == signal.SideLong {
			desired = entry.Add(offset)
		} else {
			desired = entry.Sub(offset)
		}
		found = true
	}
	if p.opts.TrailActivateR.Sign() > 0 && p.opts.TrailDistanceR.Sign() > 0 &&
		profit.Cmp(p.opts.TrailActivateR.Mul(r)) >= 0 {
		dist := p.opts.TrailDistanceR.Mul(r)
		var trail decimal.Decimal
		if pos.Signal.Side == signal.SideLong {
			trail = price.Sub(dist)
		} else {
			trail = price.Add(dist)
		}
		if !found || improves(pos.Signal.Side, trail, desired) {
			desired = trail
		}
		found = true
	}
	return desired, found
}

// improves reports whether candidate is strictly tighter than current in
// the protective direction for side.
func improves(side signal.Side, candidate, current decimal.Decimal) bool {
	if side == signal.SideLong {
		return candidate.Cmp(current) > 0
	}
	return candidate.Cmp(current) < 0
}
