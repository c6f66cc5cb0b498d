package mt5

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traderelay/internal/broker"
	"traderelay/internal/signal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClient struct {
	orderRes  OrderResult
	orderErr  error
	orderReqs []OrderRequest
	positions []PositionInfo
	modifyRes OrderResult
	closeRes  OrderResult
	closeVol  decimal.Decimal
	tick      Tick
	info      SymbolInfo
	equity    decimal.Decimal
}

func (c *fakeClient) OrderSend(_ context.Context, req OrderRequest) (OrderResult, error) {
	c.orderReqs = append(c.orderReqs, req)
	return c.orderRes, c.orderErr
}

func (c *fakeClient) PositionModify(context.Context, uint64, decimal.Decimal, decimal.Decimal) (OrderResult, error) {
	return c.modifyRes, nil
}

func (c *fakeClient) PositionClose(_ context.Context, _ uint64, volume decimal.Decimal) (OrderResult, error) {
	c.closeVol = volume
	return c.closeRes, nil
}

func (c *fakeClient) PositionsGet(context.Context) ([]PositionInfo, error) {
	return c.positions, nil
}

func (c *fakeClient) SymbolTick(context.Context, string) (Tick, error) { return c.tick, nil }

func (c *fakeClient) SymbolInfo(context.Context, string) (SymbolInfo, error) { return c.info, nil }

func (c *fakeClient) AccountEquity(context.Context) (decimal.Decimal, error) {
	return c.equity, nil
}

func TestOpenDone(t *testing.T) {
	c := &fakeClient{orderRes: OrderResult{Retcode: retDone, Ticket: 42}}
	g := New(c)
	ref, err := g.Open(context.Background(), broker.OpenOrder{
		Symbol:   "EURUSD",
		Side:     signal.SideShort,
		Quantity: d("0.2"),
		StopLoss: d("1.1050"),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.VenueRef("42"), ref)
	require.Len(t, c.orderReqs, 1)
	assert.Equal(t, "sell", c.orderReqs[0].Side)
	assert.True(t, c.orderReqs[0].StopLoss.Equal(d("1.1050")))
}

func TestOpenRejectedRetcode(t *testing.T) {
	c := &fakeClient{orderRes: OrderResult{Retcode: retNoMoney}}
	g := New(c)
	_, err := g.Open(context.Background(), broker.OpenOrder{Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("50")})
	require.Error(t, err)
	assert.Equal(t, broker.KindRejected, broker.Classify(err))
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestOpenTransportClassification(t *testing.T) {
	c := &fakeClient{orderErr: fmt.Errorf("bridge dial: %w", broker.ErrNotSent)}
	g := New(c)
	_, err := g.Open(context.Background(), broker.OpenOrder{Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("0.1")})
	assert.Equal(t, broker.KindTransient, broker.Classify(err))

	c.orderErr = errors.New("read timeout mid-response")
	_, err = g.Open(context.Background(), broker.OpenOrder{Symbol: "EURUSD", Side: signal.SideLong, Quantity: d("0.1")})
	assert.Equal(t, broker.KindAmbiguous, broker.Classify(err))
}

func TestSetPartialTakeProfitReduceOnly(t *testing.T) {
	c := &fakeClient{
		orderRes:  OrderResult{Retcode: retPlaced, Ticket: 99},
		positions: []PositionInfo{{Ticket: 42, Symbol: "EURUSD", Side: "buy", Volume: d("0.2")}},
	}
	g := New(c)
	ref, err := g.SetPartialTakeProfit(context.Background(), "42", d("1.1100"), d("0.06"))
	require.NoError(t, err)
	assert.Equal(t, broker.VenueRef("99"), ref)

	req := c.orderReqs[0]
	assert.Equal(t, "sell", req.Side, "reduce-only order trades against the ticket")
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, uint64(42), req.Position)
	assert.True(t, req.Price.Equal(d("1.1100")))
}

func TestSetPartialTakeProfitUnknownTicket(t *testing.T) {
	g := New(&fakeClient{})
	_, err := g.SetPartialTakeProfit(context.Background(), "42", d("1.11"), d("0.06"))
	require.Error(t, err)
	assert.Equal(t, broker.KindRejected, broker.Classify(err))
}

func TestCloseUsesLiveVolume(t *testing.T) {
	c := &fakeClient{
		closeRes:  OrderResult{Retcode: retDone},
		positions: []PositionInfo{{Ticket: 42, Symbol: "EURUSD", Side: "buy", Volume: d("0.13")}},
	}
	g := New(c)
	require.NoError(t, g.Close(context.Background(), "42"))
	assert.True(t, c.closeVol.Equal(d("0.13")), "full close flattens the venue's reported volume")
}

func TestListOpenPositions(t *testing.T) {
	c := &fakeClient{positions: []PositionInfo{
		{Ticket: 42, Symbol: "EURUSD", Side: "buy", Volume: d("0.2"), PriceOpen: d("1.1"), PriceCur: d("1.105")},
		{Ticket: 43, Symbol: "GBPUSD", Side: "sell", Volume: d("0.1")},
	}}
	g := New(c)
	live, err := g.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, broker.VenueRef("42"), live[0].Ref)
	assert.Equal(t, signal.SideLong, live[0].Side)
	assert.True(t, live[0].MarkPrice.Equal(d("1.105")))
	assert.Equal(t, signal.SideShort, live[1].Side)
}

func TestInstrumentTradeDisabled(t *testing.T) {
	c := &fakeClient{info: SymbolInfo{VolumeStep: d("0.01"), TradeAllowed: false}}
	g := New(c)
	_, err := g.Instrument(context.Background(), "EURUSD")
	require.Error(t, err)
	assert.Equal(t, broker.KindRejected, broker.Classify(err))
}

func TestRefRoundTrip(t *testing.T) {
	ticket, err := refTicket(ticketRef(987654))
	require.NoError(t, err)
	assert.Equal(t, uint64(987654), ticket)

	_, err = refTicket("not-a-ticket")
	assert.Error(t, err)
}
