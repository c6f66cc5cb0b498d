// Package position holds the engine's persisted record of one signal's live
// exposure on one venue, including the lifecycle state machine and the
// take-profit ledger.
package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/signal"
)

// State is a lifecycle stage. Transitions go only through the table in
// CanTransition; no stage may be skipped.
type State string

const (
	StatePlanning            State = "planning"
	StateOpening             State = "opening"
	StatePartiallyOpen       State = "partially_open"
	StateFullyOpen           State = "fully_open"
	StateTpPending           State = "tp_pending"
	StateTpPlaced            State = "tp_placed"
	StateMonitoring          State = "monitoring"
	StateClosing             State = "closing"
	StateClosed              State = "closed"
	StateNeedsReconciliation State = "needs_reconciliation"
	StateAborted             State = "aborted"
)

// Terminal reports whether the state ends the position's life.
func (s State) Terminal() bool { return s == StateClosed || s == StateAborted }

var transitions = map[State][]State{
	StatePlanning:            {StateOpening, StateAborted},
	StateOpening:             {StatePartiallyOpen, StateFullyOpen, StateNeedsReconciliation, StateAborted},
	StatePartiallyOpen:       {StatePartiallyOpen, StateFullyOpen, StateMonitoring},
	StateFullyOpen:           {StateTpPending, StateMonitoring},
	StateTpPending:           {StateTpPlaced, StateTpPending, StateMonitoring},
	StateTpPlaced:            {StateTpPending, StateMonitoring},
	StateMonitoring:          {StateClosing, StateClosed, StateMonitoring},
	StateClosing:             {StateClosed, StateClosing},
	StateNeedsReconciliation: {StateMonitoring, StateClosed, StateAborted},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LevelStatus tracks one take-profit ledger entry through its life.
type LevelStatus string

const (
	LevelPending   LevelStatus = "pending"
	LevelPlaced    LevelStatus = "placed"
	LevelHit       LevelStatus = "hit"
	LevelCancelled LevelStatus = "cancelled"
)

// LedgerEntry is one take-profit level of the ladder. Degraded marks a
// level whose placement exhausted its retries: the position stays tradable
// and the shortfall stays visible.
type LedgerEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Status   LevelStatus     `json:"status"`
	Degraded bool            `json:"degraded,omitempty"`
	VenueRef broker.VenueRef `json:"venue_ref,omitempty"`
}

// Position is the mutable persisted unit of state. The execution engine
// owns it exclusively while a plan runs; the reconciler mutates it only
// under the same per-(symbol, venue) lock.
//
// RemainingQty is the filled quantity not yet allocated to a placed or hit
// ladder level, so sum(placed|hit) + RemainingQty == FilledQuantity holds
// at every persisted write.
type Position struct {
	ID               string            `json:"id"`
	Signal           signal.Signal     `json:"signal"`
	VenueOrderRefs   []broker.VenueRef `json:"venue_order_refs"`
	FilledQuantity   decimal.Decimal   `json:"filled_quantity"`
	RemainingQty     decimal.Decimal   `json:"remaining_quantity"`
	TPLedger         []LedgerEntry     `json:"tp_ledger"`
	// CurrentStop is the last stop the protection loop pushed to the
	// venue; zero until the first move off the signal's stop.
	CurrentStop      decimal.Decimal   `json:"current_stop"`
	LifecycleState   State             `json:"lifecycle_state"`
	Restored         bool              `json:"restored,omitempty"`
	OpenedAt         time.Time         `json:"opened_at"`
	LastReconciledAt time.Time         `json:"last_reconciled_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// New creates a Position in Planning for a validated signal. The id is
// stable for the (signal, venue, open timestamp) triple so a crash-restart
// replays onto the same record instead of minting a duplicate.
func New(sig signal.Signal, openedAt time.Time) *Position {
	return &Position{
		ID:             DeriveID(sig, openedAt),
		Signal:         sig,
		LifecycleState: StatePlanning,
		OpenedAt:       openedAt,
		UpdatedAt:      openedAt,
	}
}

// DeriveID builds the stable position identifier.
func DeriveID(sig signal.Signal, openedAt time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", sig.Symbol, sig.Venue, sig.Side, openedAt.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// Key returns the per-(symbol, venue) exclusivity key.
func (p *Position) Key() string { return p.Signal.Key() }

// Transition moves the lifecycle to next, enforcing the transition table.
// Aborted is reachable from any pre-open state through the table; callers
// must persist after every successful transition.
func (p *Position) Transition(next State) error {
	if p.LifecycleState == next {
		return nil
	}
	if !CanTransition(p.LifecycleState, next) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.LifecycleState, next)
	}
	p.LifecycleState = next
	p.UpdatedAt = time.Now()
	return nil
}

// RecordFill registers a confirmed open of qty against ref.
func (p *Position) RecordFill(ref broker.VenueRef, qty decimal.Decimal) {
	p.VenueOrderRefs = append(p.VenueOrderRefs, ref)
	p.FilledQuantity = p.FilledQuantity.Add(qty)
	p.RemainingQty = p.RemainingQty.Add(qty)
	p.UpdatedAt = time.Now()
}

// HasRef reports whether ref belongs to this position.
func (p *Position) HasRef(ref broker.VenueRef) bool {
	for _, r := range p.VenueOrderRefs {
		if r == ref {
			return true
		}
	}
	return false
}

// LedgerPlacedOrHit sums the quantities of placed and hit ladder levels.
func (p *Position) LedgerPlacedOrHit() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range p.TPLedger {
		if e.Status == LevelPlaced || e.Status == LevelHit {
			sum = sum.Add(e.Quantity)
		}
	}
	return sum
}

// ledgerHit sums the quantities of hit ladder levels only.
func (p *Position) ledgerHit() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range p.TPLedger {
		if e.Status == LevelHit {
			sum = sum.Add(e.Quantity)
		}
	}
	return sum
}

// MarkLevelPlaced records a successful partial-TP placement for the entry
// at idx, deducting its quantity from the unallocated remainder.
func (p *Position) MarkLevelPlaced(idx int, ref broker.VenueRef) {
	entry := &p.TPLedger[idx]
	entry.Status = LevelPlaced
	entry.VenueRef = ref
	p.RemainingQty = p.RemainingQty.Sub(entry.Quantity)
	p.UpdatedAt = time.Now()
}

// CheckLedgerInvariant verifies
// sum(placed|hit quantities) + remaining == filled.
func (p *Position) CheckLedgerInvariant() error {
	allocated := p.LedgerPlacedOrHit()
	if !allocated.Add(p.RemainingQty).Equal(p.FilledQuantity) {
		return fmt.Errorf("position %s: ledger invariant broken: placed+hit %s + remaining %s != filled %s",
			p.ID, allocated, p.RemainingQty, p.FilledQuantity)
	}
	return nil
}

// VenueExposure is the open quantity the venue should be reporting:
// everything filled that no hit level has taken off yet.
func (p *Position) VenueExposure() decimal.Decimal {
	return p.FilledQuantity.Sub(p.ledgerHit())
}

// AbsorbVenueShrink reconciles local bookkeeping against the venue's
// authoritative open quantity and marks the absorbed difference hit against
// the unconfirmed ladder levels nearest to refPrice, tie-broken by ladder
// order. A partially absorbed level splits so the ledger keeps summing
// exactly. Returns the absorbed quantity.
func (p *Position) AbsorbVenueShrink(venueQty, refPrice decimal.Decimal) decimal.Decimal {
	absorbed := p.VenueExposure().Sub(venueQty)
	if absorbed.Sign() <= 0 {
		return decimal.Zero
	}
	left := absorbed
	for left.Sign() > 0 {
		idx := p.nearestUnconfirmedLevel(refPrice)
		if idx < 0 {
			break
		}
		entry := &p.TPLedger[idx]
		if entry.Quantity.Cmp(left) <= 0 {
			entry.Status = LevelHit
			left = left.Sub(entry.Quantity)
			continue
		}
		remainder := entry.Quantity.Sub(left)
		hitPart := LedgerEntry{
			Price:    entry.Price,
			Quantity: left,
			Status:   LevelHit,
			VenueRef: entry.VenueRef,
		}
		entry.Quantity = remainder
		p.TPLedger = append(p.TPLedger[:idx], append([]LedgerEntry{hitPart}, p.TPLedger[idx:]...)...)
		left = decimal.Zero
	}
	p.RemainingQty = p.FilledQuantity.Sub(p.LedgerPlacedOrHit())
	if p.RemainingQty.Sign() < 0 {
		p.RemainingQty = decimal.Zero
	}
	p.UpdatedAt = time.Now()
	return absorbed
}

// nearestUnconfirmedLevel picks the pending/placed ladder entry closest to
// refPrice; with no reference price (or on ties) the earliest level wins.
func (p *Position) nearestUnconfirmedLevel(refPrice decimal.Decimal) int {
	best := -1
	var bestDist decimal.Decimal
	for i, e := range p.TPLedger {
		if e.Status != LevelPending && e.Status != LevelPlaced {
			continue
		}
		if refPrice.Sign() <= 0 {
			return i
		}
		dist := e.Price.Sub(refPrice).Abs()
		if best < 0 || dist.Cmp(bestDist) < 0 {
			best = i
			bestDist = dist
		}
	}
	return best
}
