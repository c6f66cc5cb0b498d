package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/logger"
	"traderelay/internal/plan"
	"traderelay/internal/position"
	"traderelay/internal/store"
)

// executePlan runs steps sequentially against gw, persisting write-ahead
// around every broker call. It owns the exclusivity lock for pos.Key():
// released on any exit except an ambiguous open, which parks the lock for
// the reconciler.
func (e *Engine) executePlan(ctx context.Context, gw broker.Gateway, pos *position.Position, steps []plan.Step) {
	key := pos.Key()
	parked := false
	defer func() {
		if !parked {
			e.locks.Release(key)
		}
	}()

	target := plannedOpenQuantity(steps)
	for _, step := range steps {
		if e.stopped.Load() {
			// Shutdown between steps: the persisted record resumes after
			// restart, mid-broker-call interruption never happens.
			logger.Warnf("plan for %s interrupted by shutdown in state %s", pos.ID, pos.LifecycleState)
			return
		}
		switch step.Kind {
		case plan.StepOpen:
			outcome := e.execOpen(ctx, gw, pos, step, target)
			switch outcome {
			case openParked:
				parked = true
				return
			case openAborted, openFailed:
				return
			}
		case plan.StepSetPartialTakeProfit:
			if !e.execLadderStep(ctx, gw, pos, step) {
				return
			}
		case plan.StepClosePartial, plan.StepClose:
			// Planner emits these only for explicit close plans; lifecycle
			// closes go through ClosePosition.
			logger.Warnf("unexpected %s step in open plan for %s", step.Kind, pos.ID)
		}
	}

	if err := e.transitionAndPersist(ctx, pos, position.StateMonitoring); err != nil {
		return
	}
	logger.Infof("position %s in monitoring, filled=%s ledger_levels=%d", pos.ID, pos.FilledQuantity, len(pos.TPLedger))
}

type openOutcome int

const (
	openFilled openOutcome = iota
	openAborted
	openParked
	openFailed
)

// execOpen issues one position-opening call. Transient failures (provably
// never sent) retry with backoff; rejections abort; ambiguous results park
// the position in NeedsReconciliation without ever re-issuing the open.
func (e *Engine) execOpen(ctx context.Context, gw broker.Gateway, pos *position.Position, step plan.Step, target decimal.Decimal) openOutcome {
	if err := e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID, Op: "open", Outcome: store.OpAttempted,
		Detail: fmt.Sprintf(`{"level":%d,"quantity":%q}`, step.Level, step.Quantity),
	}); err != nil {
		return openFailed
	}

	order := broker.OpenOrder{
		Symbol:     pos.Signal.Symbol,
		Side:       pos.Signal.Side,
		Quantity:   step.Quantity,
		StopLoss:   step.StopLoss,
		TakeProfit: step.TakeProfit,
		Comment:    pos.ID,
	}
	var ref broker.VenueRef
	err := e.retryTransient(ctx, "open", func() error {
		var callErr error
		ref, callErr = gw.Open(ctx, order)
		return callErr
	})
	if err != nil {
		switch broker.Classify(err) {
		case broker.KindAmbiguous:
			logger.Errorf("ambiguous open for %s: %v, parking for reconciliation", pos.ID, err)
			if perr := e.transitionAndPersist(ctx, pos, position.StateNeedsReconciliation); perr != nil {
				return openFailed
			}
			e.locks.Park(pos.Key())
			_ = e.notifier.SendText(fmt.Sprintf("🔒 %s open result unknown, position parked for reconciliation", pos.Signal.Symbol))
			return openParked
		default:
			return e.abortOpen(ctx, pos, step, err)
		}
	}

	pos.RecordFill(ref, step.Quantity)
	if step.TakeProfit.Sign() > 0 {
		// Single-shot and split opens carry their level's target natively.
		pos.MarkLevelPlaced(step.Level-1, ref)
	}
	next := position.StateFullyOpen
	if pos.FilledQuantity.Cmp(target) < 0 {
		next = position.StatePartiallyOpen
	}
	if perr := e.transitionAndPersist(ctx, pos, next); perr != nil {
		return openFailed
	}
	_ = e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID, Op: "open", Outcome: store.OpConfirmed,
		Detail: fmt.Sprintf(`{"level":%d,"ref":%q,"quantity":%q}`, step.Level, ref, step.Quantity),
	})
	return openFilled
}

// abortOpen handles an unambiguous open failure. Before the first fill the
// whole signal aborts without any venue cleanup; after a fill, remaining
// splits cancel and the live part proceeds to monitoring.
func (e *Engine) abortOpen(ctx context.Context, pos *position.Position, step plan.Step, err error) openOutcome {
	if pos.FilledQuantity.Sign() == 0 {
		logger.Warnf("open rejected for %s: %v, aborting", pos.ID, err)
		_ = e.persistOp(ctx, pos, store.OperationRecord{
			PositionID: pos.ID, Op: "open", Outcome: store.OpFailed, Detail: jsonDetail(err.Error()),
		})
		if perr := e.transitionAndPersist(ctx, pos, position.StateAborted); perr != nil {
			return openFailed
		}
		return openAborted
	}

	// A later split was refused while earlier splits are live.
	logger.Errorf("split open level %d rejected for %s with %s already filled: %v",
		step.Level, pos.ID, pos.FilledQuantity, err)
	cancelFromLevel(pos, step.Level)
	if perr := e.transitionAndPersist(ctx, pos, position.StateMonitoring); perr != nil {
		return openFailed
	}
	_ = e.notifier.SendText(fmt.Sprintf("⚠️ %s opened %s of planned quantity, remaining splits rejected: %v",
		pos.Signal.Symbol, pos.FilledQuantity, err))
	return openAborted
}

// cancelFromLevel marks the given ladder level and everything after it
// cancelled; cancelled levels no longer count against the ledger.
func cancelFromLevel(pos *position.Position, level int) {
	for i := range pos.TPLedger {
		if i >= level-1 && pos.TPLedger[i].Status == position.LevelPending {
			pos.TPLedger[i].Status = position.LevelCancelled
		}
	}
}

// execLadderStep places one partial take-profit level. Exhausted retries or
// a rejection degrade the level but never kill the position: it stays
// correctly stopped with the shortfall recorded. Returns false only on a
// store failure that must halt the plan.
func (e *Engine) execLadderStep(ctx context.Context, gw broker.Gateway, pos *position.Position, step plan.Step) bool {
	if err := e.transitionAndPersist(ctx, pos, position.StateTpPending); err != nil {
		return false
	}
	if len(pos.VenueOrderRefs) == 0 {
		logger.Errorf("ladder step for %s with no venue ref", pos.ID)
		return false
	}
	ref := pos.VenueOrderRefs[0]

	var tpRef broker.VenueRef
	err := e.retryTransient(ctx, "set_partial_tp", func() error {
		var callErr error
		tpRef, callErr = gw.SetPartialTakeProfit(ctx, ref, step.TakeProfit, step.Quantity)
		return callErr
	})
	if err != nil {
		logger.Warnf("tp level %d for %s not placed: %v", step.Level, pos.ID, err)
		idx := step.Level - 1
		if idx >= 0 && idx < len(pos.TPLedger) {
			pos.TPLedger[idx].Degraded = true
		}
		if perr := e.persistOp(ctx, pos, store.OperationRecord{
			PositionID: pos.ID, Op: "set_partial_tp", Outcome: store.OpFailed,
			Detail: fmt.Sprintf(`{"level":%d,"error":%q}`, step.Level, err.Error()),
		}); perr != nil {
			return false
		}
		_ = e.notifier.SendText(fmt.Sprintf("⚠️ %s tp level %d not placed after retries: %v. Position remains tradable",
			pos.Signal.Symbol, step.Level, err))
		return true
	}

	pos.MarkLevelPlaced(step.Level-1, tpRef)
	if perr := e.transitionAndPersist(ctx, pos, position.StateTpPlaced); perr != nil {
		return false
	}
	_ = e.persistOp(ctx, pos, store.OperationRecord{
		PositionID: pos.ID, Op: "set_partial_tp", Outcome: store.OpConfirmed,
		Detail: fmt.Sprintf(`{"level":%d,"ref":%q,"price":%q,"quantity":%q}`, step.Level, tpRef, step.TakeProfit, step.Quantity),
	})
	return true
}

// retryTransient re-issues fn with bounded exponential backoff while the
// failure stays provably-not-sent. Any other classification returns
// immediately for the caller to handle.
func (e *Engine) retryTransient(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	opts := e.options()
	backoff := opts.RetryBase
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if broker.Classify(lastErr) != broker.KindTransient {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}
		logger.Warnf("%s attempt %d/%d failed: %v, retrying in %s", op, attempt, opts.MaxAttempts, lastErr, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func plannedOpenQuantity(steps []plan.Step) decimal.Decimal {
	total := decimal.Zero
	for _, s := range steps {
		if s.Kind == plan.StepOpen {
			total = total.Add(s.Quantity)
		}
	}
	return total
}
