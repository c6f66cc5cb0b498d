// Package config loads and validates the runtime configuration.
package config

// Config is the main configuration carrier.
type Config struct {
	App       AppConfig       `toml:"app"`
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Protect   ProtectConfig   `toml:"protect"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Venues    VenuesConfig    `toml:"venues"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	DBPath   string `toml:"db_path"`
}

type EngineConfig struct {
	MaxAttempts      int    `toml:"max_attempts"`
	RetryBaseMS      int    `toml:"retry_base_ms"`
	MaxOpenPositions int    `toml:"max_open_positions"`
	FallbackEquity   string `toml:"fallback_equity"`
	// DefaultLadder is the progressive split used when a signal declares
	// no ratios; entries must sum to 1.
	DefaultLadder []string `toml:"default_ladder"`
	// MaxSpread per symbol; signals for a symbol quoting wider are
	// rejected before any order goes out.
	MaxSpread map[string]string `toml:"max_spread"`
}

type RiskConfig struct {
	// Instruments is the lot-constraint fallback for venues that cannot
	// report their own.
	Instruments map[string]InstrumentConfig `toml:"instruments"`
}

type InstrumentConfig struct {
	LotStep       string `toml:"lot_step"`
	MinLot        string `toml:"min_lot"`
	MaxLot        string `toml:"max_lot"`
	ContractValue string `toml:"contract_value"`
}

type ProtectConfig struct {
	Enabled           bool   `toml:"enabled"`
	IntervalSeconds   int    `toml:"interval_seconds"`
	BreakevenTriggerR string `toml:"breakeven_trigger_r"`
	BreakevenOffsetR  string `toml:"breakeven_offset_r"`
	TrailActivateR    string `toml:"trail_activate_r"`
	TrailDistanceR    string `toml:"trail_distance_r"`
}

type ReconcileConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

type VenuesConfig struct {
	MT5   MT5Config   `toml:"mt5"`
	Bybit BybitConfig `toml:"bybit"`
}

type MT5Config struct {
	Enabled   bool   `toml:"enabled"`
	BridgeURL string `toml:"bridge_url"`
}

type BybitConfig struct {
	Enabled   bool   `toml:"enabled"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}
