// Package risk computes position size from account risk parameters. Pure
// arithmetic, no I/O.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput marks sizing inputs that cannot yield a valid quantity.
// Callers must abort the signal; clamping up to the instrument minimum would
// silently override the declared risk.
var ErrInvalidInput = errors.New("invalid risk input")

// InstrumentSpec carries the venue's lot constraints and contract value for
// one symbol. ContractValue is the loss in account currency produced by one
// unit of quantity moving one price unit; for linear instruments
// qty * |entry-stop| * ContractValue equals the loss at stop.
type InstrumentSpec struct {
	Symbol        string
	LotStep       decimal.Decimal
	MinLot        decimal.Decimal
	MaxLot        decimal.Decimal // zero means uncapped
	ContractValue decimal.Decimal
}

func (s InstrumentSpec) validate() error {
	if s.LotStep.Sign() <= 0 {
		return fmt.Errorf("%w: %s lot step must be positive", ErrInvalidInput, s.Symbol)
	}
	if s.ContractValue.Sign() <= 0 {
		return fmt.Errorf("%w: %s contract value must be positive", ErrInvalidInput, s.Symbol)
	}
	return nil
}

// Size returns the largest quantity, snapped down to the instrument lot
// step, whose loss at stopLoss does not exceed equity * riskPercent/100.
//
// It fails rather than clamps: entry == stopLoss has no defined size, and a
// computed quantity below the instrument minimum means the account cannot
// take the trade at the declared risk.
func Size(equity, riskPercent, entry, stopLoss decimal.Decimal, spec InstrumentSpec) (decimal.Decimal, error) {
	if err := spec.validate(); err != nil {
		return decimal.Zero, err
	}
	if equity.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: equity must be positive", ErrInvalidInput)
	}
	if riskPercent.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: risk percent must be positive", ErrInvalidInput)
	}
	dist := entry.Sub(stopLoss).Abs()
	if dist.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: entry equals stop loss", ErrInvalidInput)
	}
	riskAmount := equity.Mul(riskPercent).Div(decimal.NewFromInt(100))
	qty := riskAmount.Div(dist.Mul(spec.ContractValue))
	qty = SnapDown(qty, spec.LotStep)
	if spec.MaxLot.Sign() > 0 && qty.Cmp(spec.MaxLot) > 0 {
		qty = SnapDown(spec.MaxLot, spec.LotStep)
	}
	if spec.MinLot.Sign() > 0 && qty.Cmp(spec.MinLot) < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s sized quantity %s below instrument minimum %s",
			ErrInvalidInput, spec.Symbol, qty, spec.MinLot)
	}
	if qty.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s sized quantity rounds to zero", ErrInvalidInput, spec.Symbol)
	}
	return qty, nil
}

// SnapDown rounds qty down to the nearest multiple of step. Rounding is
// always toward zero so the sized quantity never exceeds the declared risk.
func SnapDown(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
