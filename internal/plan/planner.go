// Package plan turns a sized signal into an ordered, venue-agnostic list of
// execution steps. The same plan executes unchanged against either gateway
// variant.
package plan

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"traderelay/internal/risk"
	"traderelay/internal/signal"
)

// ErrInvalidPlan marks a signal/mode combination that cannot be planned.
var ErrInvalidPlan = errors.New("invalid plan")

// ratioTolerance bounds the accepted drift of a declared ratio sum from 1.0.
// Ratios outside the tolerance fail the plan; silently renormalizing would
// execute quantities the provider never declared.
var ratioTolerance = decimal.New(1, -6)

type StepKind string

const (
	StepOpen                 StepKind = "open"
	StepSetPartialTakeProfit StepKind = "set_partial_tp"
	StepClosePartial         StepKind = "close_partial"
	StepClose                StepKind = "close"
)

// Step is one instruction in an execution plan. Steps are values; only
// their effect on the Position is persisted.
type Step struct {
	Kind     StepKind
	Quantity decimal.Decimal
	StopLoss decimal.Decimal // open steps only
	// TakeProfit is the target price: baked into the open call for
	// single-shot and split steps, the conditional trigger for ladder steps.
	TakeProfit decimal.Decimal
	// Level is the 1-based ladder index this step serves, 0 for the
	// full-quantity open of a progressive plan.
	Level int
}

// Build produces the ordered step list for sig at the sized quantity.
// lotStep snaps per-level quantities to the instrument grid; defaultRatios
// is the configured ladder split used when the signal declares none.
func Build(sig signal.Signal, quantity, lotStep decimal.Decimal, defaultRatios []decimal.Decimal) ([]Step, error) {
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidPlan)
	}
	mode := sig.Mode
	if mode == signal.ModeProgressive && len(sig.TakeProfits) == 1 {
		mode = signal.ModeSingle
	}
	switch {
	case mode.IsSingleShot():
		return buildSingle(sig, quantity), nil
	case mode == signal.ModeSplit:
		return buildSplit(sig, quantity, lotStep)
	case mode == signal.ModeProgressive:
		return buildProgressive(sig, quantity, lotStep, defaultRatios)
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrInvalidPlan, sig.Mode)
	}
}

func buildSingle(sig signal.Signal, quantity decimal.Decimal) []Step {
	return []Step{{
		Kind:       StepOpen,
		Quantity:   quantity,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfits[0],
		Level:      1,
	}}
}

// buildSplit maps each take-profit to an independent open carrying its own
// TP/SL. Quantity splits equally; the snap remainder lands on the first
// split so the shares always sum exactly to the sized quantity.
func buildSplit(sig signal.Signal, quantity, lotStep decimal.Decimal) ([]Step, error) {
	n := len(sig.TakeProfits)
	share := risk.SnapDown(quantity.Div(decimal.NewFromInt(int64(n))), lotStep)
	if share.Sign() <= 0 {
		return nil, fmt.Errorf("%w: quantity %s too small to split across %d take-profits",
			ErrInvalidPlan, quantity, n)
	}
	first := quantity.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	if first.Sign() <= 0 {
		return nil, fmt.Errorf("%w: split remainder not positive", ErrInvalidPlan)
	}
	steps := make([]Step, 0, n)
	for i, tp := range sig.TakeProfits {
		qty := share
		if i == 0 {
			qty = first
		}
		steps = append(steps, Step{
			Kind:       StepOpen,
			Quantity:   qty,
			StopLoss:   sig.StopLoss,
			TakeProfit: tp,
			Level:      i + 1,
		})
	}
	return steps, nil
}

// buildProgressive opens the full quantity once, then lays one partial
// take-profit per ladder level. Per-level quantities snap to lotStep with
// the remainder assigned to the last level.
func buildProgressive(sig signal.Signal, quantity, lotStep decimal.Decimal, defaultRatios []decimal.Decimal) ([]Step, error) {
	ratios, err := ladderRatios(sig, defaultRatios)
	if err != nil {
		return nil, err
	}
	n := len(sig.TakeProfits)
	steps := make([]Step, 0, n+1)
	steps = append(steps, Step{
		Kind:     StepOpen,
		Quantity: quantity,
		StopLoss: sig.StopLoss,
	})
	assigned := decimal.Zero
	for i, tp := range sig.TakeProfits {
		var qty decimal.Decimal
		if i == n-1 {
			qty = quantity.Sub(assigned)
		} else {
			qty = risk.SnapDown(quantity.Mul(ratios[i]), lotStep)
		}
		if qty.Sign() <= 0 {
			return nil, fmt.Errorf("%w: ladder level %d quantity not positive", ErrInvalidPlan, i+1)
		}
		assigned = assigned.Add(qty)
		steps = append(steps, Step{
			Kind:       StepSetPartialTakeProfit,
			Quantity:   qty,
			TakeProfit: tp,
			Level:      i + 1,
		})
	}
	return steps, nil
}

// ladderRatios resolves the split ratios for a progressive plan: the
// signal's own ratios win, then the configured default when the level count
// matches, then an equal distribution.
func ladderRatios(sig signal.Signal, defaultRatios []decimal.Decimal) ([]decimal.Decimal, error) {
	n := len(sig.TakeProfits)
	if len(sig.SplitRatios) > 0 {
		if len(sig.SplitRatios) != n {
			return nil, fmt.Errorf("%w: %d split ratios for %d take-profits",
				ErrInvalidPlan, len(sig.SplitRatios), n)
		}
		if err := checkRatioSum(sig.SplitRatios); err != nil {
			return nil, err
		}
		return sig.SplitRatios, nil
	}
	if len(defaultRatios) == n {
		if err := checkRatioSum(defaultRatios); err != nil {
			return nil, err
		}
		return defaultRatios, nil
	}
	equal := decimal.New(1, 0).Div(decimal.NewFromInt(int64(n)))
	ratios := make([]decimal.Decimal, n)
	for i := range ratios {
		ratios[i] = equal
	}
	return ratios, nil
}

func checkRatioSum(ratios []decimal.Decimal) error {
	sum := decimal.Zero
	for i, r := range ratios {
		if r.Sign() <= 0 || r.Cmp(decimal.New(1, 0)) > 0 {
			return fmt.Errorf("%w: ratio #%d out of (0,1]", ErrInvalidPlan, i+1)
		}
		sum = sum.Add(r)
	}
	if sum.Sub(decimal.New(1, 0)).Abs().Cmp(ratioTolerance) > 0 {
		return fmt.Errorf("%w: ratios sum to %s, want 1.0", ErrInvalidPlan, sum)
	}
	return nil
}
