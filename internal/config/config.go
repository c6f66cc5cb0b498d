package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8087"
	}
	if c.App.DBPath == "" {
		c.App.DBPath = "data/traderelay.db"
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.RetryBaseMS <= 0 {
		c.Engine.RetryBaseMS = 500
	}
	if len(c.Engine.DefaultLadder) == 0 {
		c.Engine.DefaultLadder = []string{"0.33", "0.33", "0.34"}
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 30
	}
	if c.Protect.IntervalSeconds <= 0 {
		c.Protect.IntervalSeconds = 15
	}
	if c.Protect.BreakevenTriggerR == "" {
		c.Protect.BreakevenTriggerR = "1"
	}
	if c.Protect.BreakevenOffsetR == "" {
		c.Protect.BreakevenOffsetR = "0"
	}
	if c.Venues.Bybit.BaseURL == "" {
		c.Venues.Bybit.BaseURL = "https://api.bybit.com"
	}
}

func validate(c *Config) error {
	if !c.Venues.MT5.Enabled && !c.Venues.Bybit.Enabled {
		return fmt.Errorf("config: at least one venue must be enabled")
	}
	if c.Venues.MT5.Enabled && strings.TrimSpace(c.Venues.MT5.BridgeURL) == "" {
		return fmt.Errorf("config: venues.mt5.bridge_url is required when mt5 is enabled")
	}
	if c.Venues.Bybit.Enabled {
		if strings.TrimSpace(c.Venues.Bybit.APIKey) == "" || strings.TrimSpace(c.Venues.Bybit.APISecret) == "" {
			return fmt.Errorf("config: venues.bybit api_key and api_secret are required when bybit is enabled")
		}
	}
	sum := decimal.Zero
	for i, raw := range c.Engine.DefaultLadder {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config: engine.default_ladder[%d] %q is not a number", i, raw)
		}
		if d.Sign() <= 0 || d.Cmp(decimal.NewFromInt(1)) > 0 {
			return fmt.Errorf("config: engine.default_ladder[%d] must be in (0, 1]", i)
		}
		sum = sum.Add(d)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().Cmp(decimal.New(1, -6)) > 0 {
		return fmt.Errorf("config: engine.default_ladder must sum to 1, got %s", sum)
	}
	for sym, raw := range c.Engine.MaxSpread {
		if _, err := decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("config: engine.max_spread[%s] %q is not a number", sym, raw)
		}
	}
	for sym, ins := range c.Risk.Instruments {
		for field, raw := range map[string]string{
			"lot_step": ins.LotStep, "min_lot": ins.MinLot,
			"max_lot": ins.MaxLot, "contract_value": ins.ContractValue,
		} {
			if raw == "" {
				continue
			}
			if _, err := decimal.NewFromString(raw); err != nil {
				return fmt.Errorf("config: risk.instruments[%s].%s %q is not a number", sym, field, raw)
			}
		}
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("config: notify.telegram bot_token and chat_id are required when enabled")
		}
	}
	return nil
}

// DecimalOr parses raw, falling back to def on empty or malformed input.
// Validation has already rejected malformed values in loaded configs.
func DecimalOr(raw string, def decimal.Decimal) decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return d
}
