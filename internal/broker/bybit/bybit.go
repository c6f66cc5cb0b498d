// Package bybit adapts a netted venue to the broker Gateway. The venue
// exposes one net position per symbol with a single logical TP/SL, so
// take-profit ladders are emulated: each level becomes a conditional
// reduce-only order, and the adapter tracks which fraction of the position
// each conditional represents because the venue does not.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"traderelay/internal/broker"
	"traderelay/internal/signal"
)

// Client is the opaque signed-REST capability a Bybit client library
// supplies: it submits params to a v5 endpoint and returns the raw response
// body. Errors wrapping broker.ErrNotSent provably never left the process.
type Client interface {
	Call(ctx context.Context, method, path string, params map[string]any) ([]byte, error)
}

// Gateway implements broker.Gateway over a Client. Refs are "SYMBOL/side"
// for the net position and the venue's orderId for conditionals.
type Gateway struct {
	client Client

	// fractions remembers, per net-position ref, the ladder quantity each
	// conditional order carries. The venue reports conditionals without
	// this linkage, so it lives here.
	mu        sync.Mutex
	fractions map[broker.VenueRef][]LadderOrder
}

type LadderOrder struct {
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

var (
	_ broker.Gateway   = (*Gateway)(nil)
	_ broker.Quoter    = (*Gateway)(nil)
	_ broker.Accounter = (*Gateway)(nil)
)

func New(client Client) *Gateway {
	return &Gateway{client: client, fractions: make(map[broker.VenueRef][]LadderOrder)}
}

func (g *Gateway) Venue() signal.Venue { return signal.VenueBybit }

func (g *Gateway) Open(ctx context.Context, order broker.OpenOrder) (broker.VenueRef, error) {
	params := map[string]any{
		"category":    "linear",
		"symbol":      order.Symbol,
		"side":        sideWord(order.Side),
		"orderType":   "Market",
		"qty":         order.Quantity.String(),
		"stopLoss":    order.StopLoss.String(),
		"orderLinkId": order.Comment,
	}
	if order.TakeProfit.Sign() > 0 {
		params["takeProfit"] = order.TakeProfit.String()
	}
	body, err := g.call(ctx, "open", "POST", "/v5/order/create", params)
	if err != nil {
		return "", err
	}
	if gjson.GetBytes(body, "result.orderId").String() == "" {
		return "", broker.Ambiguous(signal.VenueBybit, "open", errors.New("no orderId in accepted response"))
	}
	// The net position, not the fill order, is what later calls act on.
	return netRef(order.Symbol, order.Side), nil
}

// SetPartialTakeProfit emulates one ladder level as a conditional
// reduce-only limit and records its fraction against the net position.
func (g *Gateway) SetPartialTakeProfit(ctx context.Context, ref broker.VenueRef, price, qty decimal.Decimal) (broker.VenueRef, error) {
	symbol, side, err := splitNetRef(ref)
	if err != nil {
		return "", broker.Rejected(signal.VenueBybit, "set_partial_tp", err)
	}
	params := map[string]any{
		"category":    "linear",
		"symbol":      symbol,
		"side":        sideWord(oppositeSide(side)),
		"orderType":   "Limit",
		"qty":         qty.String(),
		"price":       price.String(),
		"reduceOnly":  true,
		"timeInForce": "GTC",
	}
	body, err := g.call(ctx, "set_partial_tp", "POST", "/v5/order/create", params)
	if err != nil {
		return "", err
	}
	orderID := gjson.GetBytes(body, "result.orderId").String()
	if orderID == "" {
		return "", broker.Ambiguous(signal.VenueBybit, "set_partial_tp", errors.New("no orderId in accepted response"))
	}
	g.mu.Lock()
	g.fractions[ref] = append(g.fractions[ref], LadderOrder{OrderID: orderID, Price: price, Quantity: qty})
	g.mu.Unlock()
	return broker.VenueRef(orderID), nil
}

func (g *Gateway) ModifyStop(ctx context.Context, ref broker.VenueRef, newStop decimal.Decimal) error {
	symbol, _, err := splitNetRef(ref)
	if err != nil {
		return broker.Rejected(signal.VenueBybit, "modify_stop", err)
	}
	_, err = g.call(ctx, "modify_stop", "POST", "/v5/position/trading-stop", map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"stopLoss": newStop.String(),
	})
	return err
}

func (g *Gateway) ClosePartial(ctx context.Context, ref broker.VenueRef, qty decimal.Decimal) error {
	symbol, side, err := splitNetRef(ref)
	if err != nil {
		return broker.Rejected(signal.VenueBybit, "close_partial", err)
	}
	_, err = g.call(ctx, "close_partial", "POST", "/v5/order/create", map[string]any{
		"category":   "linear",
		"symbol":     symbol,
		"side":       sideWord(oppositeSide(side)),
		"orderType":  "Market",
		"qty":        qty.String(),
		"reduceOnly": true,
	})
	return err
}

// Close flattens the net position and drops its tracked fractions; any
// surviving conditionals are reduce-only against zero exposure and the
// venue cancels them.
func (g *Gateway) Close(ctx context.Context, ref broker.VenueRef) error {
	symbol, side, err := splitNetRef(ref)
	if err != nil {
		return broker.Rejected(signal.VenueBybit, "close", err)
	}
	qty, err := g.netQuantity(ctx, symbol)
	if err != nil {
		return err
	}
	if qty.Sign() == 0 {
		g.forget(ref)
		return nil
	}
	_, err = g.call(ctx, "close", "POST", "/v5/order/create", map[string]any{
		"category":   "linear",
		"symbol":     symbol,
		"side":       sideWord(oppositeSide(side)),
		"orderType":  "Market",
		"qty":        qty.String(),
		"reduceOnly": true,
	})
	if err == nil {
		g.forget(ref)
	}
	return err
}

func (g *Gateway) ListOpenPositions(ctx context.Context) ([]broker.VenuePosition, error) {
	body, err := g.call(ctx, "list_open_positions", "GET", "/v5/position/list", map[string]any{
		"category":   "linear",
		"settleCoin": "USDT",
	})
	if err != nil {
		return nil, err
	}
	var out []broker.VenuePosition
	gjson.GetBytes(body, "result.list").ForEach(func(_, item gjson.Result) bool {
		size := mustDecimal(item.Get("size").String())
		if size.Sign() <= 0 {
			return true
		}
		side := signal.SideLong
		if item.Get("side").String() == "Sell" {
			side = signal.SideShort
		}
		symbol := item.Get("symbol").String()
		out = append(out, broker.VenuePosition{
			Ref:        netRef(symbol, side),
			Symbol:     symbol,
			Side:       side,
			Quantity:   size,
			EntryPrice: mustDecimal(item.Get("avgPrice").String()),
			StopLoss:   mustDecimal(item.Get("stopLoss").String()),
			TakeProfit: mustDecimal(item.Get("takeProfit").String()),
			MarkPrice:  mustDecimal(item.Get("markPrice").String()),
		})
		return true
	})
	return out, nil
}

func (g *Gateway) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	body, err := g.call(ctx, "quote", "GET", "/v5/market/tickers", map[string]any{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return broker.Quote{}, err
	}
	tick := gjson.GetBytes(body, "result.list.0")
	if !tick.Exists() {
		return broker.Quote{}, broker.Rejected(signal.VenueBybit, "quote", fmt.Errorf("no ticker for %s", symbol))
	}
	return broker.Quote{
		Symbol: symbol,
		Bid:    mustDecimal(tick.Get("bid1Price").String()),
		Ask:    mustDecimal(tick.Get("ask1Price").String()),
	}, nil
}

func (g *Gateway) Equity(ctx context.Context) (decimal.Decimal, error) {
	body, err := g.call(ctx, "equity", "GET", "/v5/account/wallet-balance", map[string]any{
		"accountType": "UNIFIED",
	})
	if err != nil {
		return decimal.Zero, err
	}
	eq := gjson.GetBytes(body, "result.list.0.totalEquity").String()
	if eq == "" {
		return decimal.Zero, broker.Rejected(signal.VenueBybit, "equity", errors.New("no totalEquity in response"))
	}
	return mustDecimal(eq), nil
}

// LadderFractions returns the tracked ladder for a net position, used by
// tests and the status surface.
func (g *Gateway) LadderFractions(ref broker.VenueRef) []LadderOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LadderOrder, len(g.fractions[ref]))
	copy(out, g.fractions[ref])
	return out
}

func (g *Gateway) netQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := g.call(ctx, "close", "GET", "/v5/position/list", map[string]any{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return mustDecimal(gjson.GetBytes(body, "result.list.0.size").String()), nil
}

func (g *Gateway) forget(ref broker.VenueRef) {
	g.mu.Lock()
	delete(g.fractions, ref)
	g.mu.Unlock()
}

// call submits the request and folds the venue's retCode envelope into the
// error taxonomy: transport failures classify by provability, a non-zero
// retCode on a delivered response is a rejection.
func (g *Gateway) call(ctx context.Context, op, method, path string, params map[string]any) ([]byte, error) {
	body, err := g.client.Call(ctx, method, path, params)
	if err != nil {
		if errors.Is(err, broker.ErrNotSent) {
			return nil, broker.Transient(signal.VenueBybit, op, err)
		}
		return nil, broker.Ambiguous(signal.VenueBybit, op, err)
	}
	if code := gjson.GetBytes(body, "retCode").Int(); code != 0 {
		return nil, broker.Rejected(signal.VenueBybit, op,
			fmt.Errorf("retCode %d: %s", code, gjson.GetBytes(body, "retMsg").String()))
	}
	return body, nil
}

func mustDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func netRef(symbol string, side signal.Side) broker.VenueRef {
	return broker.VenueRef(strings.ToUpper(symbol) + "/" + string(side))
}

func splitNetRef(ref broker.VenueRef) (string, signal.Side, error) {
	parts := strings.SplitN(string(ref), "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed net ref %q", ref)
	}
	side := signal.Side(parts[1])
	if !side.Valid() {
		return "", "", fmt.Errorf("malformed net ref %q", ref)
	}
	return parts[0], side, nil
}

func sideWord(s signal.Side) string {
	if s == signal.SideShort {
		return "Sell"
	}
	return "Buy"
}

func oppositeSide(s signal.Side) signal.Side {
	if s == signal.SideLong {
		return signal.SideShort
	}
	return signal.SideLong
}
