// Package config defines all configuration for the liquidation-hunting daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ASTER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aster-lick-hunter/node/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                      `mapstructure:"dry_run"`
	API       APIConfig                 `mapstructure:"api"`
	Symbols   map[string]SymbolConfig   `mapstructure:"symbols"`
	Global    GlobalConfig              `mapstructure:"global"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Store     StoreConfig               `mapstructure:"store"`
}

// APIConfig holds exchange endpoints and credentials.
type APIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WSUserBase   string `mapstructure:"ws_user_base"`
	WSStreamBase string `mapstructure:"ws_stream_base"`
	APIKey       string `mapstructure:"api_key"`
	SecretKey    string `mapstructure:"secret_key"`
}

// SymbolConfig tunes liquidation-hunting behavior for one symbol (§3).
type SymbolConfig struct {
	LongVolumeThresholdUSDT  float64 `mapstructure:"long_volume_threshold_usdt"`
	ShortVolumeThresholdUSDT float64 `mapstructure:"short_volume_threshold_usdt"`
	TradeSize                float64 `mapstructure:"trade_size"`
	LongTradeSize            float64 `mapstructure:"long_trade_size"`  // 0 = fall back to TradeSize
	ShortTradeSize           float64 `mapstructure:"short_trade_size"` // 0 = fall back to TradeSize
	Leverage                 int     `mapstructure:"leverage"`
	TPPercent                float64 `mapstructure:"tp_percent"`
	SLPercent                float64 `mapstructure:"sl_percent"`
	PriceOffsetBps           float64 `mapstructure:"price_offset_bps"`
	MaxSlippageBps           float64 `mapstructure:"max_slippage_bps"`
	OrderType                string  `mapstructure:"order_type"` // LIMIT | MARKET
	PostOnly                 bool    `mapstructure:"post_only"`
	VWAPProtection           bool    `mapstructure:"vwap_protection"`
	VWAPTimeframe            string  `mapstructure:"vwap_timeframe"`
	VWAPLookback             int     `mapstructure:"vwap_lookback"`
	VWAPBandPct              float64 `mapstructure:"vwap_band_pct"`
	MaxPositionMarginUSDT    float64 `mapstructure:"max_position_margin_usdt"`
}

// EffectiveTradeSize returns the per-direction size, falling back to TradeSize.
func (s SymbolConfig) EffectiveTradeSize(side types.Side) float64 {
	if side == types.BUY && s.LongTradeSize > 0 {
		return s.LongTradeSize
	}
	if side == types.SELL && s.ShortTradeSize > 0 {
		return s.ShortTradeSize
	}
	return s.TradeSize
}

// GlobalConfig holds account-wide and rate-limit tuning (§3).
type GlobalConfig struct {
	RiskPercent         float64          `mapstructure:"risk_percent"`
	PositionMode        types.PositionMode `mapstructure:"position_mode"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	RateLimit           RateLimitConfig  `mapstructure:"rate_limit"`
	Risk                RiskConfig       `mapstructure:"risk"`
}

// RiskConfig bounds account-wide exposure and loss, independent of any
// single symbol's own thresholds — a last-line circuit breaker the hunter
// consults before opening exposure, fed by the Position Manager's exposure
// reports.
type RiskConfig struct {
	MaxPositionPerSymbolUSDT float64       `mapstructure:"max_position_per_symbol_usdt"`
	MaxGlobalExposureUSDT    float64       `mapstructure:"max_global_exposure_usdt"`
	MaxDailyLossUSDT         float64       `mapstructure:"max_daily_loss_usdt"`
	KillSwitchWindowSec      int           `mapstructure:"kill_switch_window_sec"`
	KillSwitchDropPct        float64       `mapstructure:"kill_switch_drop_pct"`
	CooldownAfterKill        time.Duration `mapstructure:"cooldown_after_kill"`
}

// RateLimitConfig tunes the Rate-Limit Manager (§4.1).
type RateLimitConfig struct {
	MaxWeight             int           `mapstructure:"max_weight"`
	MaxOrderCount         int           `mapstructure:"max_order_count"`
	ReservePercent        float64       `mapstructure:"reserve_percent"`
	QueueTimeout          time.Duration `mapstructure:"queue_timeout"`
	DeduplicationWindow   time.Duration `mapstructure:"deduplication_window"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
}

// StoreConfig sets where in-flight reconciliation state is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults mirror §6: maxWeight=2400, maxOrderCount=1200, reservePercent=30,
// queueTimeout=30000ms, deduplicationWindowMs=1000, maxConcurrent=3.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("global.rate_limit.max_weight", 2400)
	v.SetDefault("global.rate_limit.max_order_count", 1200)
	v.SetDefault("global.rate_limit.reserve_percent", 30)
	v.SetDefault("global.rate_limit.queue_timeout", "30s")
	v.SetDefault("global.rate_limit.deduplication_window", "1s")
	v.SetDefault("global.rate_limit.max_concurrent", 3)
	v.SetDefault("global.position_mode", string(types.OneWay))
	v.SetDefault("global.risk.kill_switch_window_sec", 60)
	v.SetDefault("global.risk.kill_switch_drop_pct", 0.1)
	v.SetDefault("global.risk.cooldown_after_kill", "5m")
	v.SetDefault("api.base_url", "https://fapi.asterdex.com")
	v.SetDefault("api.ws_user_base", "wss://fstream.asterdex.com/ws")
	v.SetDefault("api.ws_stream_base", "wss://fstream.asterdex.com/ws")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ASTER_API_KEY, ASTER_SECRET_KEY, ASTER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ASTER_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("ASTER_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if os.Getenv("ASTER_DRY_RUN") == "true" || os.Getenv("ASTER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. CONFIG failures
// detected here are fatal at startup (§7).
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (set ASTER_API_KEY)")
	}
	if c.API.SecretKey == "" {
		return fmt.Errorf("api.secret_key is required (set ASTER_SECRET_KEY)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.Global.PositionMode {
	case types.OneWay, types.Hedge:
	default:
		return fmt.Errorf("global.position_mode must be ONE_WAY or HEDGE, got %q", c.Global.PositionMode)
	}
	if c.Global.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("global.max_concurrent_positions must be > 0")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one entry under symbols is required")
	}
	for sym, s := range c.Symbols {
		if s.LongVolumeThresholdUSDT <= 0 && s.ShortVolumeThresholdUSDT <= 0 {
			return fmt.Errorf("symbols.%s: at least one volume threshold must be > 0", sym)
		}
		if s.TradeSize <= 0 && s.LongTradeSize <= 0 && s.ShortTradeSize <= 0 {
			return fmt.Errorf("symbols.%s: trade_size must be > 0", sym)
		}
		if s.TPPercent <= 0 {
			return fmt.Errorf("symbols.%s: tp_percent must be > 0", sym)
		}
		if s.SLPercent <= 0 {
			return fmt.Errorf("symbols.%s: sl_percent must be > 0", sym)
		}
		switch s.OrderType {
		case "LIMIT", "MARKET", "":
		default:
			return fmt.Errorf("symbols.%s: order_type must be LIMIT or MARKET", sym)
		}
	}
	rl := c.Global.RateLimit
	if rl.MaxWeight <= 0 {
		return fmt.Errorf("global.rate_limit.max_weight must be > 0")
	}
	if rl.ReservePercent < 0 || rl.ReservePercent >= 100 {
		return fmt.Errorf("global.rate_limit.reserve_percent must be in [0,100)")
	}
	if rl.MaxConcurrent <= 0 {
		return fmt.Errorf("global.rate_limit.max_concurrent must be > 0")
	}
	return nil
}
