// Package reconcile periodically diffs venue-reported positions against the
// local store and repairs drift. Venue truth is authoritative: repair only
// ever corrects local state, it never creates or cancels broker orders.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/engine"
	"traderelay/internal/logger"
	"traderelay/internal/notify"
	"traderelay/internal/position"
	"traderelay/internal/signal"
	"traderelay/internal/store"
)

// DiffKind labels one divergence found by a pass.
type DiffKind string

const (
	DiffMissingLocally   DiffKind = "missing-locally"
	DiffMissingOnBroker  DiffKind = "missing-on-broker"
	DiffQuantityMismatch DiffKind = "quantity-mismatch"
)

// Record is one transient diff result, consumed immediately and never
// persisted.
type Record struct {
	PositionID string
	Kind       DiffKind
	VenueQty   decimal.Decimal
	Venue      signal.Venue
	Live       broker.VenuePosition // missing-locally only
}

// Report summarizes the mutations of one pass.
type Report struct {
	Restored int
	Closed   int
	Shrunk   int
	Resolved int
	Aborted  int
}

func (r Report) Mutations() int { return r.Restored + r.Closed + r.Shrunk + r.Resolved + r.Aborted }

// Reconciler heals divergence between the store and the venues. It shares
// the engine's exclusivity locks so it never repairs a position a plan is
// still executing, and it is the only component allowed to resolve parked
// locks.
type Reconciler struct {
	gateways map[signal.Venue]broker.Gateway
	store    store.Store
	locks    *engine.KeyLocks
	notifier notify.TextNotifier
}

func New(gateways map[signal.Venue]broker.Gateway, st store.Store, locks *engine.KeyLocks, notifier notify.TextNotifier) *Reconciler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Reconciler{gateways: gateways, store: st, locks: locks, notifier: notifier}
}

// Run executes passes at the given interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rep, err := r.RunOnce(ctx); err != nil {
				logger.Errorf("reconciliation pass failed: %v", err)
			} else if rep.Mutations() > 0 {
				logger.Infof("reconciliation repaired drift: restored=%d closed=%d shrunk=%d resolved=%d aborted=%d",
					rep.Restored, rep.Closed, rep.Shrunk, rep.Resolved, rep.Aborted)
			}
		}
	}
}

// RunOnce diffs every configured venue and repairs each divergence under
// that position's lock. With no broker-side change a second pass performs
// zero additional mutations.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	locals, err := r.store.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("listing local positions: %w", err)
	}

	for venue, gw := range r.gateways {
		live, err := gw.ListOpenPositions(ctx)
		if err != nil {
			logger.Warnf("listing %s positions failed, skipping venue this pass: %v", venue, err)
			continue
		}
		r.reconcileVenue(ctx, venue, gw, live, locals, &report)
	}
	return report, nil
}

func (r *Reconciler) reconcileVenue(ctx context.Context, venue signal.Venue, gw broker.Gateway, live []broker.VenuePosition, locals []*position.Position, report *Report) {
	liveByRef := make(map[broker.VenueRef]broker.VenuePosition, len(live))
	for _, vp := range live {
		liveByRef[vp.Ref] = vp
	}
	claimed := make(map[broker.VenueRef]bool, len(live))

	for _, pos := range locals {
		if pos.Signal.Venue != venue {
			continue
		}
		if pos.LifecycleState == position.StateNeedsReconciliation {
			r.resolveParked(ctx, pos, live, claimed, report)
			continue
		}
		venueQty := decimal.Zero
		refPrice := decimal.Zero
		matched := false
		for _, ref := range pos.VenueOrderRefs {
			// A netted venue hands out one ref per symbol/side, so a split
			// position carries the same ref once per split; count it once.
			if claimed[ref] {
				continue
			}
			vp, ok := liveByRef[ref]
			if !ok {
				continue
			}
			claimed[ref] = true
			matched = true
			venueQty = venueQty.Add(vp.Quantity)
			if refPrice.IsZero() {
				refPrice = vp.MarkPrice
			}
		}
		switch {
		case !matched && pos.FilledQuantity.Sign() > 0:
			r.closeMissing(ctx, pos, report)
		case matched && venueQty.Cmp(pos.VenueExposure()) < 0:
			r.shrink(ctx, pos, venueQty, refPrice, report)
		}
	}

	for _, vp := range live {
		if claimed[vp.Ref] {
			continue
		}
		r.restore(ctx, venue, vp, report)
	}
}

// resolveParked settles a position whose open outcome was unknown. If the
// venue holds a matching position the open landed: adopt it and release the
// parked lock; otherwise the open never happened and the position aborts.
func (r *Reconciler) resolveParked(ctx context.Context, pos *position.Position, live []broker.VenuePosition, claimed map[broker.VenueRef]bool, report *Report) {
	key := pos.Key()
	for _, vp := range live {
		if claimed[vp.Ref] {
			continue
		}
		if !sameInstrument(pos, vp) {
			continue
		}
		claimed[vp.Ref] = true
		pos.RecordFill(vp.Ref, vp.Quantity)
		pos.LastReconciledAt = time.Now()
		if err := pos.Transition(position.StateMonitoring); err != nil {
			logger.Errorf("resolving parked %s: %v", pos.ID, err)
			return
		}
		if err := r.saveRepair(ctx, pos, "adopted ambiguous open", string(vp.Ref)); err != nil {
			return
		}
		r.locks.ResolvePark(key)
		report.Resolved++
		_ = r.notifier.SendText(fmt.Sprintf("✅ %s ambiguous open confirmed on venue, position adopted", pos.Signal.Symbol))
		return
	}

	// Nothing on the venue: the open provably never landed.
	pos.LastReconciledAt = time.Now()
	if err := pos.Transition(position.StateAborted); err != nil {
		logger.Errorf("aborting parked %s: %v", pos.ID, err)
		return
	}
	if err := r.saveRepair(ctx, pos, "ambiguous open not found on venue", ""); err != nil {
		return
	}
	r.locks.ResolvePark(key)
	report.Aborted++
	_ = r.notifier.SendText(fmt.Sprintf("ℹ️ %s ambiguous open never reached the venue, position aborted", pos.Signal.Symbol))
}

// closeMissing finalizes a local position the venue no longer lists: a
// manual close or an SL/TP fill the engine did not observe.
func (r *Reconciler) closeMissing(ctx context.Context, pos *position.Position, report *Report) {
	key := pos.Key()
	if !r.locks.TryAcquire(key) {
		return // a plan or close is mid-flight on this key
	}
	defer r.locks.Release(key)

	for pos.LifecycleState != position.StateClosed {
		next := position.StateClosed
		if !position.CanTransition(pos.LifecycleState, position.StateClosed) {
			next = position.StateMonitoring
		}
		if err := pos.Transition(next); err != nil {
			logger.Errorf("closing missing %s: %v", pos.ID, err)
			return
		}
	}
	pos.RemainingQty = decimal.Zero
	for i := range pos.TPLedger {
		if pos.TPLedger[i].Status == position.LevelPending {
			pos.TPLedger[i].Status = position.LevelCancelled
		}
	}
	pos.LastReconciledAt = time.Now()
	if err := r.saveRepair(ctx, pos, "venue reports no exposure, closed", ""); err != nil {
		return
	}
	report.Closed++
	logger.Infof("reconciliation closed %s: no longer on venue", pos.ID)
}

// shrink absorbs a venue-reported quantity reduction into the ledger.
func (r *Reconciler) shrink(ctx context.Context, pos *position.Position, venueQty, refPrice decimal.Decimal, report *Report) {
	key := pos.Key()
	if !r.locks.TryAcquire(key) {
		return
	}
	defer r.locks.Release(key)

	absorbed := pos.AbsorbVenueShrink(venueQty, refPrice)
	if absorbed.Sign() <= 0 {
		return
	}
	pos.LastReconciledAt = time.Now()
	if err := r.saveRepair(ctx, pos, "absorbed venue quantity reduction", absorbed.String()); err != nil {
		return
	}
	report.Shrunk++
	logger.Infof("reconciliation shrunk %s by %s to venue quantity %s", pos.ID, absorbed, venueQty)
}

// restore synthesizes a local position for venue exposure nothing local
// claims, healing state lost to a crash during or after an open.
func (r *Reconciler) restore(ctx context.Context, venue signal.Venue, vp broker.VenuePosition, report *Report) {
	sig := signal.Signal{
		Symbol:   vp.Symbol,
		Side:     vp.Side,
		Entry:    vp.EntryPrice,
		StopLoss: vp.StopLoss,
		Mode:     signal.ModeSingle,
		Venue:    venue,
	}
	if vp.TakeProfit.Sign() > 0 {
		sig.TakeProfits = []decimal.Decimal{vp.TakeProfit}
	}
	key := sig.Key()
	if r.locks.Held(key) {
		return // the engine is mid-plan on this key; not lost state
	}
	if !r.locks.TryAcquire(key) {
		return
	}
	defer r.locks.Release(key)

	now := time.Now()
	pos := &position.Position{
		ID:               position.DeriveID(sig, now),
		Signal:           sig,
		VenueOrderRefs:   []broker.VenueRef{vp.Ref},
		FilledQuantity:   vp.Quantity,
		RemainingQty:     vp.Quantity,
		LifecycleState:   position.StateMonitoring,
		Restored:         true,
		OpenedAt:         now,
		LastReconciledAt: now,
		UpdatedAt:        now,
	}
	if err := r.saveRepair(ctx, pos, "restored from venue", string(vp.Ref)); err != nil {
		return
	}
	report.Restored++
	logger.Warnf("restored untracked %s position %s qty=%s from %s", vp.Symbol, pos.ID, vp.Quantity, venue)
	_ = r.notifier.SendText(fmt.Sprintf("♻️ restored untracked %s position (qty %s) from %s", vp.Symbol, vp.Quantity, venue))
}

func (r *Reconciler) saveRepair(ctx context.Context, pos *position.Position, why, detail string) error {
	err := r.store.SaveWithOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID,
		Op:         "reconcile",
		Outcome:    store.OpConfirmed,
		Detail:     fmt.Sprintf(`{"repair":%q,"detail":%q}`, why, detail),
	})
	if err != nil {
		logger.Errorf("persisting repair of %s failed: %v", pos.ID, err)
	}
	return err
}

func sameInstrument(pos *position.Position, vp broker.VenuePosition) bool {
	return pos.Signal.Symbol == vp.Symbol && pos.Signal.Side == vp.Side
}
