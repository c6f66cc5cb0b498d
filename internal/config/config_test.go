package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
app:
  log_level: debug
venues:
  mt5:
    enabled: true
    bridge_url: http://127.0.0.1:8228
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":8087", cfg.App.HTTPAddr)
	assert.Equal(t, "data/traderelay.db", cfg.App.DBPath)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 500, cfg.Engine.RetryBaseMS)
	assert.Equal(t, []string{"0.33", "0.33", "0.34"}, cfg.Engine.DefaultLadder)
	assert.Equal(t, 30, cfg.Reconcile.IntervalSeconds)
	assert.Equal(t, 15, cfg.Protect.IntervalSeconds)
	assert.Equal(t, "1", cfg.Protect.BreakevenTriggerR)
	assert.True(t, cfg.Venues.MT5.Enabled)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  http_addr: ":9090"
  db_path: /tmp/relay.db
engine:
  max_attempts: 5
  retry_base_ms: 250
  max_open_positions: 4
  fallback_equity: "25000"
  default_ladder: ["0.5", "0.5"]
  max_spread:
    EURUSD: "0.0003"
risk:
  instruments:
    EURUSD:
      lot_step: "0.01"
      min_lot: "0.01"
      max_lot: "50"
      contract_value: "100000"
venues:
  mt5:
    enabled: true
    bridge_url: http://127.0.0.1:8228
  bybit:
    enabled: true
    api_key: key
    api_secret: secret
notify:
  telegram:
    enabled: true
    bot_token: tok
    chat_id: "123"
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, "0.0003", cfg.Engine.MaxSpread["EURUSD"])
	assert.Equal(t, "100000", cfg.Risk.Instruments["EURUSD"].ContractValue)
	assert.Equal(t, "https://api.bybit.com", cfg.Venues.Bybit.BaseURL, "base url defaulted")
	assert.True(t, cfg.Notify.Telegram.Enabled)
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no venue enabled", `
app:
  log_level: info
`},
		{"mt5 without bridge url", `
venues:
  mt5:
    enabled: true
`},
		{"bybit without credentials", `
venues:
  bybit:
    enabled: true
`},
		{"ladder not summing to one", minimalYAML + `
engine:
  default_ladder: ["0.5", "0.4"]
`},
		{"ladder entry out of range", minimalYAML + `
engine:
  default_ladder: ["1.5", "-0.5"]
`},
		{"spread not numeric", minimalYAML + `
engine:
  max_spread:
    EURUSD: wide
`},
		{"telegram enabled without token", minimalYAML + `
notify:
  telegram:
    enabled: true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}

func TestDecimalOr(t *testing.T) {
	def := decimal.RequireFromString("7")
	assert.True(t, DecimalOr("1.5", def).Equal(decimal.RequireFromString("1.5")))
	assert.True(t, DecimalOr("", def).Equal(def))
	assert.True(t, DecimalOr("  ", def).Equal(def))
	assert.True(t, DecimalOr("junk", def).Equal(def))
}
