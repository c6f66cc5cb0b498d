// Package broker defines the capability interface every venue adapter
// implements. The engine consumes exactly these operations; venue client
// libraries stay behind the adapters as opaque RPC capabilities.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"traderelay/internal/signal"
)

// VenueRef is a broker-assigned order/position identifier. Opaque to the
// engine; adapters may encode whatever their venue needs.
type VenueRef string

// OpenOrder carries the parameters of a position-opening call. Stop loss is
// always baked into the open; TakeProfit is set only for single-shot and
// split orders where the venue attaches the target natively.
type OpenOrder struct {
	Symbol     string
	Side       signal.Side
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal // zero when a ladder follows
	Comment    string
}

// VenuePosition is one live position as the venue reports it. The venue's
// figures are authoritative over local bookkeeping.
type VenuePosition struct {
	Ref        VenueRef
	Symbol     string
	Side       signal.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal // zero when not reported
	TakeProfit decimal.Decimal // zero when not reported
	MarkPrice  decimal.Decimal // zero when not reported
}

// Quote is a venue price snapshot, used by the spread guard and the stop
// protection loop.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal { return q.Ask.Sub(q.Bid) }

// Gateway is the six-operation broker capability. Every operation except
// Open is safe to retry; Open must never be re-issued on an ambiguous
// response. Classify it and let the engine park the position for
// reconciliation instead.
type Gateway interface {
	Venue() signal.Venue

	Open(ctx context.Context, order OpenOrder) (VenueRef, error)
	SetPartialTakeProfit(ctx context.Context, ref VenueRef, price, qty decimal.Decimal) (VenueRef, error)
	ModifyStop(ctx context.Context, ref VenueRef, newStop decimal.Decimal) error
	ClosePartial(ctx context.Context, ref VenueRef, qty decimal.Decimal) error
	Close(ctx context.Context, ref VenueRef) error
	ListOpenPositions(ctx context.Context) ([]VenuePosition, error)
}

// Quoter is an optional gateway capability; venues that cannot report a
// spread simply skip the guard.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Accounter is an optional gateway capability exposing account equity for
// risk sizing. Venues without it fall back to the configured equity.
type Accounter interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// Instrumenter is an optional gateway capability exposing lot/contract
// constraints for a symbol.
type Instrumenter interface {
	Instrument(ctx context.Context, symbol string) (InstrumentInfo, error)
}

// InstrumentInfo mirrors the venue's lot filter for one symbol.
type InstrumentInfo struct {
	Symbol        string
	LotStep       decimal.Decimal
	MinLot        decimal.Decimal
	MaxLot        decimal.Decimal
	ContractValue decimal.Decimal
}
