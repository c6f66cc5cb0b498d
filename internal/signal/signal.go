// Package signal defines the structured trade instruction the engine
// consumes. Parsing raw provider text into a Signal happens upstream; this
// package only enforces structural well-formedness.
package signal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// Mode selects how a signal is mapped onto broker orders.
type Mode string

const (
	// ModeSingle opens one position targeting the first take-profit only.
	ModeSingle Mode = "single"
	// ModeSplit opens one independent position per take-profit level.
	ModeSplit Mode = "split"
	// ModeProgressive opens one position and lays a partial take-profit
	// ladder over it.
	ModeProgressive Mode = "progressive"
	// ModeSniper and ModeScalper are provider aliases for single-shot
	// execution; they plan identically to ModeSingle.
	ModeSniper  Mode = "sniper"
	ModeScalper Mode = "scalper"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeSingle, ModeSplit, ModeProgressive, ModeSniper, ModeScalper:
		return true
	default:
		return false
	}
}

// IsSingleShot reports whether the mode collapses to one order with one
// take-profit.
func (m Mode) IsSingleShot() bool {
	return m == ModeSingle || m == ModeSniper || m == ModeScalper
}

type Venue string

const (
	VenueMT5   Venue = "mt5"
	VenueBybit Venue = "bybit"
)

func (v Venue) Valid() bool { return v == VenueMT5 || v == VenueBybit }

// Signal is an immutable trade instruction. Prices are decimal to avoid
// tick-rounding drift between sizing, planning and venue calls.
type Signal struct {
	Symbol      string            `json:"symbol"`
	Side        Side              `json:"side"`
	Entry       decimal.Decimal   `json:"entry"`           // zero means market entry
	StopLoss    decimal.Decimal   `json:"stop_loss"`
	TakeProfits []decimal.Decimal `json:"take_profits"`
	Mode        Mode              `json:"mode"`
	Venue       Venue             `json:"venue"`
	RiskPercent decimal.Decimal   `json:"risk_percent"`
	// SplitRatios optionally overrides the default ladder split; when set
	// it must match len(TakeProfits) and sum to 1 within tolerance.
	SplitRatios []decimal.Decimal `json:"split_ratios,omitempty"`
}

// Market reports whether the signal asks for a market entry.
func (s Signal) Market() bool { return s.Entry.IsZero() }

// Key identifies the exclusivity unit: one non-terminal position per
// (symbol, venue) at a time.
func (s Signal) Key() string {
	return strings.ToUpper(strings.TrimSpace(s.Symbol)) + "@" + string(s.Venue)
}

// Validate enforces structural rules: known enums, stop-loss on the correct
// side of entry, and a take-profit ladder strictly monotonic away from entry
// in the trade direction. It does not consult any venue.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal: symbol is required")
	}
	if !s.Side.Valid() {
		return fmt.Errorf("signal: invalid side %q", s.Side)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("signal: invalid mode %q", s.Mode)
	}
	if !s.Venue.Valid() {
		return fmt.Errorf("signal: invalid venue %q", s.Venue)
	}
	if s.StopLoss.Sign() <= 0 {
		return fmt.Errorf("signal: stop_loss must be positive")
	}
	if len(s.TakeProfits) == 0 {
		return fmt.Errorf("signal: at least one take_profit is required")
	}
	if s.RiskPercent.Sign() < 0 {
		return fmt.Errorf("signal: risk_percent cannot be negative")
	}
	if !s.Market() {
		if s.Entry.Sign() <= 0 {
			return fmt.Errorf("signal: entry must be positive or market")
		}
		if err := s.validateAgainstEntry(s.Entry); err != nil {
			return err
		}
	} else if err := s.validateLadderShape(); err != nil {
		return err
	}
	if len(s.SplitRatios) > 0 && len(s.SplitRatios) != len(s.TakeProfits) {
		return fmt.Errorf("signal: split_ratios count %d does not match %d take-profits",
			len(s.SplitRatios), len(s.TakeProfits))
	}
	return nil
}

func (s Signal) validateAgainstEntry(entry decimal.Decimal) error {
	switch s.Side {
	case SideLong:
		if s.StopLoss.Cmp(entry) >= 0 {
			return fmt.Errorf("signal: long stop_loss %s must be below entry %s", s.StopLoss, entry)
		}
	case SideShort:
		if s.StopLoss.Cmp(entry) <= 0 {
			return fmt.Errorf("signal: short stop_loss %s must be above entry %s", s.StopLoss, entry)
		}
	}
	prev := entry
	for i, tp := range s.TakeProfits {
		if tp.Sign() <= 0 {
			return fmt.Errorf("signal: tp#%d must be positive", i+1)
		}
		if s.Side == SideLong && tp.Cmp(prev) <= 0 {
			return fmt.Errorf("signal: tp#%d %s must be strictly above %s", i+1, tp, prev)
		}
		if s.Side == SideShort && tp.Cmp(prev) >= 0 {
			return fmt.Errorf("signal: tp#%d %s must be strictly below %s", i+1, tp, prev)
		}
		prev = tp
	}
	return nil
}

// validateLadderShape checks monotonicity of the ladder itself when there is
// no entry price to anchor against (market entry).
func (s Signal) validateLadderShape() error {
	var prev decimal.Decimal
	for i, tp := range s.TakeProfits {
		if tp.Sign() <= 0 {
			return fmt.Errorf("signal: tp#%d must be positive", i+1)
		}
		if i > 0 {
			if s.Side == SideLong && tp.Cmp(prev) <= 0 {
				return fmt.Errorf("signal: tp#%d %s must be strictly above tp#%d", i+1, tp, i)
			}
			if s.Side == SideShort && tp.Cmp(prev) >= 0 {
				return fmt.Errorf("signal: tp#%d %s must be strictly below tp#%d", i+1, tp, i)
			}
		}
		prev = tp
	}
	return nil
}
