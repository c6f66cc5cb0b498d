package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
)

// BridgeClient talks JSON to a local MetaTrader bridge process (the usual
// deployment: a terminal-side RPC shim on localhost). One endpoint per
// Client operation.
type BridgeClient struct {
	BaseURL string
	HTTP    *http.Client
}

var _ Client = (*BridgeClient)(nil)

func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *BridgeClient) OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var res OrderResult
	err := c.post(ctx, "/order_send", req, &res)
	return res, err
}

func (c *BridgeClient) PositionModify(ctx context.Context, ticket uint64, stopLoss, takeProfit decimal.Decimal) (OrderResult, error) {
	var res OrderResult
	err := c.post(ctx, "/position_modify", map[string]any{
		"ticket": ticket, "sl": stopLoss, "tp": takeProfit,
	}, &res)
	return res, err
}

func (c *BridgeClient) PositionClose(ctx context.Context, ticket uint64, volume decimal.Decimal) (OrderResult, error) {
	var res OrderResult
	err := c.post(ctx, "/position_close", map[string]any{
		"ticket": ticket, "volume": volume,
	}, &res)
	return res, err
}

func (c *BridgeClient) PositionsGet(ctx context.Context) ([]PositionInfo, error) {
	var res []PositionInfo
	err := c.post(ctx, "/positions_get", map[string]any{}, &res)
	return res, err
}

func (c *BridgeClient) SymbolTick(ctx context.Context, symbol string) (Tick, error) {
	var res Tick
	err := c.post(ctx, "/symbol_tick", map[string]any{"symbol": symbol}, &res)
	return res, err
}

func (c *BridgeClient) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var res SymbolInfo
	err := c.post(ctx, "/symbol_info", map[string]any{"symbol": symbol}, &res)
	return res, err
}

func (c *BridgeClient) AccountEquity(ctx context.Context) (decimal.Decimal, error) {
	var res struct {
		Equity decimal.Decimal `json:"equity"`
	}
	err := c.post(ctx, "/account_info", map[string]any{}, &res)
	return res.Equity, err
}

func (c *BridgeClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", broker.ErrNotSent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", broker.ErrNotSent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		// A dropped connection cannot prove the bridge never acted.
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s: http %d: %s", path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
