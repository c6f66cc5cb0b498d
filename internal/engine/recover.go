package engine

import (
	"context"
	"fmt"

	"traderelay/internal/logger"
	"traderelay/internal/plan"
	"traderelay/internal/position"
	"traderelay/internal/store"
)

// Recover rehydrates in-flight positions after a restart. It re-acquires
// the exclusivity locks the crashed process held and parks positions whose
// open result the crash left unknown. It issues no broker calls and leaves
// every persisted record exactly as found, so a position killed right after
// a FullyOpen commit restarts in FullyOpen with its ledger untouched and no
// duplicate open can happen.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.writable.Store(false)
		return fmt.Errorf("recovering positions: %w", err)
	}
	for _, pos := range active {
		key := pos.Key()
		switch pos.LifecycleState {
		case position.StatePlanning:
			// No broker contact happened yet; the signal is simply lost.
			if err := e.transitionAndPersist(ctx, pos, position.StateAborted); err != nil {
				return err
			}
			logger.Warnf("aborted never-opened position %s from previous run", pos.ID)
		case position.StateOpening:
			// The crash hit inside the open window: treat as ambiguous.
			if !e.locks.TryAcquire(key) {
				logger.Warnf("recover: lock for %s already taken", key)
				continue
			}
			if err := e.transitionAndPersist(ctx, pos, position.StateNeedsReconciliation); err != nil {
				return err
			}
			e.locks.Park(key)
			logger.Warnf("position %s was mid-open at crash, parked for reconciliation", pos.ID)
		case position.StateNeedsReconciliation:
			if e.locks.TryAcquire(key) {
				e.locks.Park(key)
			}
		case position.StatePartiallyOpen, position.StateFullyOpen, position.StateTpPending, position.StateTpPlaced:
			// Mid-ladder: hold the lock so nothing else touches the key;
			// Resume finishes the safe steps.
			if !e.locks.TryAcquire(key) {
				logger.Warnf("recover: lock for %s already taken", key)
			}
		case position.StateMonitoring, position.StateClosing:
			// Nothing to re-acquire; the reconciler sweeps these.
		}
	}
	logger.Infof("recovered %d active positions", len(active))
	return nil
}

// Resume finishes interrupted plans recovered by Recover: still-pending
// ladder levels are placed (SetPartialTakeProfit is safe to retry), but
// interrupted split opens are never re-issued. Their levels cancel and the
// live part goes to monitoring with the shortfall recorded.
func (e *Engine) Resume(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("resuming positions: %w", err)
	}
	for _, pos := range active {
		switch pos.LifecycleState {
		case position.StateFullyOpen, position.StateTpPending, position.StateTpPlaced:
			e.resumeLadder(ctx, pos)
		case position.StatePartiallyOpen:
			e.settlePartialOpen(ctx, pos)
		}
	}
	return nil
}

// resumeLadder places whatever ladder levels are still pending and moves
// the position to monitoring.
func (e *Engine) resumeLadder(ctx context.Context, pos *position.Position) {
	gw, ok := e.gateways[pos.Signal.Venue]
	if !ok {
		logger.Errorf("resume: no gateway for %s", pos.Signal.Venue)
		return
	}
	key := pos.Key()
	if !e.locks.Held(key) && !e.locks.TryAcquire(key) {
		return
	}
	defer e.locks.Release(key)

	for i := range pos.TPLedger {
		entry := pos.TPLedger[i]
		if entry.Status != position.LevelPending || entry.Degraded {
			continue
		}
		step := ladderStep(i+1, entry)
		if !e.execLadderStep(ctx, gw, pos, step) {
			return
		}
	}
	if err := e.transitionAndPersist(ctx, pos, position.StateMonitoring); err != nil {
		return
	}
	logger.Infof("resumed position %s to monitoring", pos.ID)
}

func ladderStep(level int, entry position.LedgerEntry) plan.Step {
	return plan.Step{
		Kind:       plan.StepSetPartialTakeProfit,
		Quantity:   entry.Quantity,
		TakeProfit: entry.Price,
		Level:      level,
	}
}

// settlePartialOpen handles a split plan interrupted between opens. The
// missing opens are not replayed (an open is never safe to re-issue without
// knowing why the plan stopped); their levels cancel and the filled part
// keeps trading.
func (e *Engine) settlePartialOpen(ctx context.Context, pos *position.Position) {
	key := pos.Key()
	if !e.locks.Held(key) && !e.locks.TryAcquire(key) {
		return
	}
	defer e.locks.Release(key)

	cancelled := 0
	for i := range pos.TPLedger {
		if pos.TPLedger[i].Status == position.LevelPending {
			pos.TPLedger[i].Status = position.LevelCancelled
			cancelled++
		}
	}
	if err := e.transitionAndPersist(ctx, pos, position.StateMonitoring); err != nil {
		return
	}
	_ = e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID, Op: "resume", Outcome: store.OpConfirmed,
		Detail: fmt.Sprintf(`{"cancelled_levels":%d,"filled":%q}`, cancelled, pos.FilledQuantity),
	})
	_ = e.notifier.SendText(fmt.Sprintf("⚠️ %s restarted with partial fill %s, %d unopened splits cancelled",
		pos.Signal.Symbol, pos.FilledQuantity, cancelled))
}
