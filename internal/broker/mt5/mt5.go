// Package mt5 adapts a hedged MetaTrader-style bridge to the broker
// Gateway. The venue keeps independent tickets per order, so partial
// take-profits are native: each level is its own reduce-only limit order
// carrying its own quantity.
package mt5

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/signal"
)

// Trade server return codes, per the MetaTrader 5 protocol.
const (
	retDone      = 10009
	retPlaced    = 10008
	retNoMoney   = 10019
	retInvalid   = 10013
	retInvalidSL = 10016
)

// OrderRequest mirrors the bridge's trade request.
type OrderRequest struct {
	Symbol     string
	Side       string // "buy" | "sell"
	Volume     decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Comment    string
	ReduceOnly bool
	// Price is set for pending reduce-only orders (ladder levels); zero
	// means market execution.
	Price decimal.Decimal
	// Position ties a reduce-only order to an existing ticket.
	Position uint64
}

// OrderResult is the bridge's trade response.
type OrderResult struct {
	Retcode int
	Ticket  uint64
	Comment string
}

// Tick is the bridge's symbol quote.
type Tick struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// SymbolInfo carries the venue's volume constraints for one symbol.
type SymbolInfo struct {
	VolumeStep   decimal.Decimal
	VolumeMin    decimal.Decimal
	VolumeMax    decimal.Decimal
	ContractSize decimal.Decimal
	TradeAllowed bool
}

// PositionInfo is one live ticket as the bridge reports it.
type PositionInfo struct {
	Ticket     uint64
	Symbol     string
	Side       string
	Volume     decimal.Decimal
	PriceOpen  decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	PriceCur   decimal.Decimal
}

// Client is the opaque RPC capability a MetaTrader bridge supplies. Errors
// wrapping broker.ErrNotSent are provably pre-send failures; anything else
// is treated as ambiguous.
type Client interface {
	OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error)
	PositionModify(ctx context.Context, ticket uint64, stopLoss, takeProfit decimal.Decimal) (OrderResult, error)
	PositionClose(ctx context.Context, ticket uint64, volume decimal.Decimal) (OrderResult, error)
	PositionsGet(ctx context.Context) ([]PositionInfo, error)
	SymbolTick(ctx context.Context, symbol string) (Tick, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	AccountEquity(ctx context.Context) (decimal.Decimal, error)
}

// Gateway implements broker.Gateway over a Client.
type Gateway struct {
	client Client
}

var (
	_ broker.Gateway      = (*Gateway)(nil)
	_ broker.Quoter       = (*Gateway)(nil)
	_ broker.Accounter    = (*Gateway)(nil)
	_ broker.Instrumenter = (*Gateway)(nil)
)

func New(client Client) *Gateway { return &Gateway{client: client} }

func (g *Gateway) Venue() signal.Venue { return signal.VenueMT5 }

func (g *Gateway) Open(ctx context.Context, order broker.OpenOrder) (broker.VenueRef, error) {
	req := OrderRequest{
		Symbol:     order.Symbol,
		Side:       sideWord(order.Side),
		Volume:     order.Quantity,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    order.Comment,
	}
	res, err := g.client.OrderSend(ctx, req)
	if err != nil {
		return "", g.classify("open", err)
	}
	if res.Retcode != retDone && res.Retcode != retPlaced {
		return "", broker.Rejected(signal.VenueMT5, "open", retcodeErr(res))
	}
	return ticketRef(res.Ticket), nil
}

// SetPartialTakeProfit places a native reduce-only limit against the ticket
// for one ladder level.
func (g *Gateway) SetPartialTakeProfit(ctx context.Context, ref broker.VenueRef, price, qty decimal.Decimal) (broker.VenueRef, error) {
	ticket, err := refTicket(ref)
	if err != nil {
		return "", broker.Rejected(signal.VenueMT5, "set_partial_tp", err)
	}
	live, err := g.findTicket(ctx, "set_partial_tp", ticket)
	if err != nil {
		return "", err
	}
	req := OrderRequest{
		Symbol:     live.Symbol,
		Side:       opposite(live.Side),
		Volume:     qty,
		Price:      price,
		ReduceOnly: true,
		Position:   ticket,
	}
	res, err := g.client.OrderSend(ctx, req)
	if err != nil {
		return "", g.classify("set_partial_tp", err)
	}
	if res.Retcode != retDone && res.Retcode != retPlaced {
		return "", broker.Rejected(signal.VenueMT5, "set_partial_tp", retcodeErr(res))
	}
	return ticketRef(res.Ticket), nil
}

func (g *Gateway) ModifyStop(ctx context.Context, ref broker.VenueRef, newStop decimal.Decimal) error {
	ticket, err := refTicket(ref)
	if err != nil {
		return broker.Rejected(signal.VenueMT5, "modify_stop", err)
	}
	live, err := g.findTicket(ctx, "modify_stop", ticket)
	if err != nil {
		return err
	}
	res, err := g.client.PositionModify(ctx, ticket, newStop, live.TakeProfit)
	if err != nil {
		return g.classify("modify_stop", err)
	}
	if res.Retcode != retDone {
		return broker.Rejected(signal.VenueMT5, "modify_stop", retcodeErr(res))
	}
	return nil
}

func (g *Gateway) ClosePartial(ctx context.Context, ref broker.VenueRef, qty decimal.Decimal) error {
	return g.closeVolume(ctx, "close_partial", ref, qty)
}

func (g *Gateway) Close(ctx context.Context, ref broker.VenueRef) error {
	return g.closeVolume(ctx, "close", ref, decimal.Zero)
}

func (g *Gateway) closeVolume(ctx context.Context, op string, ref broker.VenueRef, qty decimal.Decimal) error {
	ticket, err := refTicket(ref)
	if err != nil {
		return broker.Rejected(signal.VenueMT5, op, err)
	}
	if qty.IsZero() {
		live, err := g.findTicket(ctx, op, ticket)
		if err != nil {
			return err
		}
		qty = live.Volume
	}
	res, err := g.client.PositionClose(ctx, ticket, qty)
	if err != nil {
		return g.classify(op, err)
	}
	if res.Retcode != retDone {
		return broker.Rejected(signal.VenueMT5, op, retcodeErr(res))
	}
	return nil
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]broker.VenuePosition, error) {
	infos, err := g.client.PositionsGet(ctx)
	if err != nil {
		return nil, g.classify("list_open_positions", err)
	}
	out := make([]broker.VenuePosition, 0, len(infos))
	for _, info := range infos {
		out = append(out, broker.VenuePosition{
			Ref:        ticketRef(info.Ticket),
			Symbol:     info.Symbol,
			Side:       sideFromWord(info.Side),
			Quantity:   info.Volume,
			EntryPrice: info.PriceOpen,
			StopLoss:   info.StopLoss,
			TakeProfit: info.TakeProfit,
			MarkPrice:  info.PriceCur,
		})
	}
	return out, nil
}

func (g *Gateway) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	tick, err := g.client.SymbolTick(ctx, symbol)
	if err != nil {
		return broker.Quote{}, g.classify("quote", err)
	}
	return broker.Quote{Symbol: symbol, Bid: tick.Bid, Ask: tick.Ask}, nil
}

func (g *Gateway) Equity(ctx context.Context) (decimal.Decimal, error) {
	eq, err := g.client.AccountEquity(ctx)
	if err != nil {
		return decimal.Zero, g.classify("equity", err)
	}
	return eq, nil
}

func (g *Gateway) Instrument(ctx context.Context, symbol string) (broker.InstrumentInfo, error) {
	info, err := g.client.SymbolInfo(ctx, symbol)
	if err != nil {
		return broker.InstrumentInfo{}, g.classify("instrument", err)
	}
	if !info.TradeAllowed {
		return broker.InstrumentInfo{}, broker.Rejected(signal.VenueMT5, "instrument",
			fmt.Errorf("trading disabled for %s", symbol))
	}
	return broker.InstrumentInfo{
		Symbol:        symbol,
		LotStep:       info.VolumeStep,
		MinLot:        info.VolumeMin,
		MaxLot:        info.VolumeMax,
		ContractValue: info.ContractSize,
	}, nil
}

func (g *Gateway) findTicket(ctx context.Context, op string, ticket uint64) (PositionInfo, error) {
	infos, err := g.client.PositionsGet(ctx)
	if err != nil {
		return PositionInfo{}, g.classify(op, err)
	}
	for _, info := range infos {
		if info.Ticket == ticket {
			return info, nil
		}
	}
	return PositionInfo{}, broker.Rejected(signal.VenueMT5, op, fmt.Errorf("ticket %d not found", ticket))
}

// classify maps a client transport failure: provably-not-sent errors are
// transient, everything else stays ambiguous.
func (g *Gateway) classify(op string, err error) error {
	if errors.Is(err, broker.ErrNotSent) {
		return broker.Transient(signal.VenueMT5, op, err)
	}
	return broker.Ambiguous(signal.VenueMT5, op, err)
}

func retcodeErr(res OrderResult) error {
	msg := res.Comment
	switch res.Retcode {
	case retNoMoney:
		msg = "insufficient margin"
	case retInvalid:
		msg = "invalid request"
	case retInvalidSL:
		msg = "invalid stops"
	}
	return fmt.Errorf("retcode %d: %s", res.Retcode, msg)
}

func ticketRef(ticket uint64) broker.VenueRef {
	return broker.VenueRef(strconv.FormatUint(ticket, 10))
}

func refTicket(ref broker.VenueRef) (uint64, error) {
	ticket, err := strconv.ParseUint(string(ref), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed ticket ref %q", ref)
	}
	return ticket, nil
}

func sideWord(s signal.Side) string {
	if s == signal.SideShort {
		return "sell"
	}
	return "buy"
}

func sideFromWord(w string) signal.Side {
	if w == "sell" {
		return signal.SideShort
	}
	return signal.SideLong
}

func opposite(w string) string {
	if w == "buy" {
		return "sell"
	}
	return "buy"
}
