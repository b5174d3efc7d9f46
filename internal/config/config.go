// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MANI_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	API     APIConfig     `mapstructure:"api"`
	Oracle  OracleConfig  `mapstructure:"oracle"`
	Trade   TradeConfig   `mapstructure:"trade"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig holds the Manifold API endpoints and the account API key.
// The key authenticates every REST call via the "Authorization: Key ..." header.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
	APIKey  string `mapstructure:"api_key"`
}

// OracleConfig points at the forecasting service the pipeline queries for
// probability estimates. Timeout bounds a single Predict call.
type OracleConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TradeConfig tunes the trade-decision pipeline and the exit monitor.
//
//   - KellyAlpha: fractional-Kelly risk scaling in (0, 1].
//   - MaxTradeAmount: cap on the mana staked in a single order.
//   - MinBankroll: eligibility floor; no trades while balance is below it.
//   - ExpiresMillisAfter: limit-order expiry offset passed to the API.
//   - ExcludeGroups: markets carrying any of these group slugs are skipped.
//   - AutoSellThreshold: payout fraction at which the exit monitor liquidates
//     a position; 0 disables auto-selling.
//   - PostRationale: when true, the oracle's reasoning is posted as a comment.
//   - DecisionTimeout: per-event processing budget (oracle + HTTP calls).
//   - RefreshPositionsOnStart: re-read held share counts from the API at boot.
type TradeConfig struct {
	KellyAlpha              float64       `mapstructure:"kelly_alpha"`
	MaxTradeAmount          float64       `mapstructure:"max_trade_amount"`
	MinBankroll             float64       `mapstructure:"min_bankroll"`
	ExpiresMillisAfter      int64         `mapstructure:"expires_millis_after"`
	ExcludeGroups           []string      `mapstructure:"exclude_groups"`
	AutoSellThreshold       float64       `mapstructure:"auto_sell_threshold"`
	PostRationale           bool          `mapstructure:"post_rationale"`
	DecisionTimeout         time.Duration `mapstructure:"decision_timeout"`
	RefreshPositionsOnStart bool          `mapstructure:"refresh_positions_on_start"`
}

// FeedConfig tunes the push-feed session lifecycle.
//
//   - PingInterval: keepalive ping cadence while the connection is open.
//   - AckTimeout: no ack within this window means the session is dead.
//   - ReconnectBaseDelay / ReconnectMaxDelay: exponential backoff bounds.
//   - MaxReconnectAttempts: consecutive failures before the session reports
//     itself permanently failed.
//   - ResubscribeBatch / ResubscribePause: chunking of subscription replay
//     after a reconnect, so a large position book does not hit rate limits.
type FeedConfig struct {
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	AckTimeout           time.Duration `mapstructure:"ack_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ResubscribeBatch     int           `mapstructure:"resubscribe_batch"`
	ResubscribePause     time.Duration `mapstructure:"resubscribe_pause"`
}

// ScannerConfig controls the optional newest-markets poller that backfills
// markets created while the feed was disconnected.
type ScannerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Limit        int           `mapstructure:"limit"`
}

// StoreConfig sets where the position ledger lives (a SQLite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MANI_API_KEY, MANI_ORACLE_URL, MANI_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MANI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("MANI_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if url := os.Getenv("MANI_ORACLE_URL"); url != "" {
		cfg.Oracle.URL = url
	}
	if os.Getenv("MANI_DRY_RUN") == "true" || os.Getenv("MANI_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.manifold.markets/v0")
	v.SetDefault("api.ws_url", "wss://api.manifold.markets/ws")
	v.SetDefault("oracle.timeout", 90*time.Second)
	v.SetDefault("trade.kelly_alpha", 0.5)
	v.SetDefault("trade.decision_timeout", 120*time.Second)
	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.ack_timeout", 120*time.Second)
	v.SetDefault("feed.reconnect_base_delay", 10*time.Second)
	v.SetDefault("feed.reconnect_max_delay", 300*time.Second)
	v.SetDefault("feed.max_reconnect_attempts", 10)
	v.SetDefault("feed.resubscribe_batch", 100)
	v.SetDefault("feed.resubscribe_pause", time.Second)
	v.SetDefault("scanner.poll_interval", 5*time.Minute)
	v.SetDefault("scanner.limit", 50)
	v.SetDefault("store.path", "data/positions.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (set MANI_API_KEY)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if c.Oracle.URL == "" {
		return fmt.Errorf("oracle.url is required (set MANI_ORACLE_URL)")
	}
	if c.Trade.KellyAlpha <= 0 || c.Trade.KellyAlpha > 1 {
		return fmt.Errorf("trade.kelly_alpha must be in (0, 1]")
	}
	if c.Trade.MaxTradeAmount <= 0 {
		return fmt.Errorf("trade.max_trade_amount must be > 0")
	}
	if c.Trade.AutoSellThreshold < 0 || c.Trade.AutoSellThreshold > 1 {
		return fmt.Errorf("trade.auto_sell_threshold must be in [0, 1]")
	}
	if c.Feed.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must be > 0")
	}
	if c.Feed.ResubscribeBatch <= 0 {
		return fmt.Errorf("feed.resubscribe_batch must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
