package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"traderelay/internal/broker"
)

const recvWindow = "5000"

// RestClient signs v5 REST requests with the account's API key pair.
type RestClient struct {
	BaseURL   string
	APIKey    string
	APISecret string
	HTTP      *http.Client
}

var _ Client = (*RestClient)(nil)

func NewRestClient(baseURL, apiKey, apiSecret string) *RestClient {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
	}
	return &RestClient{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Call signs and submits one request. Failures before the request leaves
// the process wrap broker.ErrNotSent; anything after is left raw so the
// adapter classifies it as ambiguous.
func (c *RestClient) Call(ctx context.Context, method, path string, params map[string]any) ([]byte, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var payload string
	var req *http.Request
	var err error
	switch method {
	case http.MethodGet:
		payload = encodeQuery(params)
		u := c.BaseURL + path
		if payload != "" {
			u += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	default:
		var body []byte
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: encode params: %v", broker.ErrNotSent, err)
		}
		payload = string(body)
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", broker.ErrNotSent, err)
	}

	req.Header.Set("X-BAPI-API-KEY", c.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts + c.APIKey + recvWindow + payload))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// The transport cannot tell a refused dial from a dropped
		// response; only a provable pre-send failure may retry, so the
		// raw error stays ambiguous.
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (c *RestClient) sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(c.APISecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func encodeQuery(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, fmt.Sprint(params[k]))
	}
	return values.Encode()
}
