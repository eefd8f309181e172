// Package config defines all configuration for the trading core. Config is
// loaded from a YAML file (default: configs/config.yaml) with every option
// overridable via TRADECORE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Engine        EngineConfig              `mapstructure:"engine"`
	EventBus      EventBusConfig            `mapstructure:"event_bus"`
	OrderSync     OrderSyncConfig           `mapstructure:"order_sync"`
	AccountPoll   AccountPollConfig         `mapstructure:"account_poll"`
	StateManager  StateManagerConfig        `mapstructure:"state_manager"`
	Subscriptions SubscriptionsConfig       `mapstructure:"subscriptions"`
	Risk          RiskConfig                `mapstructure:"risk"`
	Exchanges     map[string]ExchangeConfig `mapstructure:"exchanges"`
	Strategies    []StrategyConfig          `mapstructure:"strategies"`
	Store         StoreConfig               `mapstructure:"store"`
	Logging       LoggingConfig             `mapstructure:"logging"`
}

// EngineConfig holds engine-wide lifecycle settings.
type EngineConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// EventBusConfig sets per-subscriber back-pressure behavior.
type EventBusConfig struct {
	BufferSize     int    `mapstructure:"buffer_size"`
	OverflowPolicy string `mapstructure:"overflow_policy"` // drop_oldest | drop_newest
}

// OrderSyncConfig tunes the reconciliation loop that covers push-update loss.
type OrderSyncConfig struct {
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxErrorRecords int           `mapstructure:"max_error_records"`
}

// AccountPollConfig sets the balance/position snapshot cadence.
type AccountPollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StateManagerConfig tunes strategy-state persistence and recovery.
type StateManagerConfig struct {
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
	CacheTimeout     time.Duration `mapstructure:"cache_timeout"`
	MaxRecoveryTime  time.Duration `mapstructure:"max_recovery_time"`
}

// SubscriptionsConfig sets REST polling cadences per data type.
type SubscriptionsConfig struct {
	TickerInterval    time.Duration `mapstructure:"ticker_interval"`
	OrderBookInterval time.Duration `mapstructure:"orderbook_interval"`
	TradesInterval    time.Duration `mapstructure:"trades_interval"`
	KlinesInterval    time.Duration `mapstructure:"klines_interval"`
}

// RiskConfig sets hard limits evaluated in front of the Order Manager.
// Zero values disable the corresponding limit.
type RiskConfig struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxLeverage      float64 `mapstructure:"max_leverage"`
}

// ExchangeConfig holds per-venue connectivity and credentials.
type ExchangeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"` // OKX only
	Testnet    bool   `mapstructure:"testnet"`
}

// StrategyConfig declares one strategy instance to load at startup.
type StrategyConfig struct {
	ID       string         `mapstructure:"id"`
	Type     string         `mapstructure:"type"`
	Exchange string         `mapstructure:"exchange"`
	Symbol   string         `mapstructure:"symbol"`
	Interval string         `mapstructure:"interval"`
	Params   map[string]any `mapstructure:"params"`
}

// StoreConfig sets where the sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls the root zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// ConfigError marks an invalid configuration. It is fatal at startup: the
// binary refuses to run rather than trade on a half-understood config.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Option, e.Reason)
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADECORE")
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
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.shutdown_timeout", 30*time.Second)
	v.SetDefault("engine.dry_run", false)
	v.SetDefault("event_bus.buffer_size", 1024)
	v.SetDefault("event_bus.overflow_policy", "drop_oldest")
	v.SetDefault("order_sync.sync_interval", 5*time.Second)
	v.SetDefault("order_sync.batch_size", 5)
	v.SetDefault("order_sync.max_error_records", 10)
	v.SetDefault("account_poll.interval", 30*time.Second)
	v.SetDefault("state_manager.autosave_interval", 30*time.Second)
	v.SetDefault("state_manager.cache_timeout", 5*time.Minute)
	v.SetDefault("state_manager.max_recovery_time", 60*time.Second)
	v.SetDefault("subscriptions.ticker_interval", time.Second)
	v.SetDefault("subscriptions.orderbook_interval", 500*time.Millisecond)
	v.SetDefault("subscriptions.trades_interval", 2*time.Second)
	v.SetDefault("subscriptions.klines_interval", time.Minute)
	v.SetDefault("store.path", "./data/tradecore.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks value ranges. Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Engine.ShutdownTimeout <= 0 {
		return &ConfigError{Option: "engine.shutdown_timeout", Reason: "must be > 0"}
	}
	if c.EventBus.BufferSize <= 0 {
		return &ConfigError{Option: "event_bus.buffer_size", Reason: "must be > 0"}
	}
	switch c.EventBus.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return &ConfigError{Option: "event_bus.overflow_policy", Reason: "must be drop_oldest or drop_newest"}
	}
	if c.OrderSync.SyncInterval < time.Second {
		return &ConfigError{Option: "order_sync.sync_interval", Reason: "must be >= 1s"}
	}
	if c.OrderSync.BatchSize <= 0 {
		return &ConfigError{Option: "order_sync.batch_size", Reason: "must be > 0"}
	}
	if c.OrderSync.MaxErrorRecords <= 0 {
		return &ConfigError{Option: "order_sync.max_error_records", Reason: "must be > 0"}
	}
	if c.AccountPoll.Interval <= 0 {
		return &ConfigError{Option: "account_poll.interval", Reason: "must be > 0"}
	}
	if c.StateManager.AutosaveInterval <= 0 {
		return &ConfigError{Option: "state_manager.autosave_interval", Reason: "must be > 0"}
	}
	if c.StateManager.MaxRecoveryTime <= 0 {
		return &ConfigError{Option: "state_manager.max_recovery_time", Reason: "must be > 0"}
	}
	for _, s := range c.Strategies {
		if s.ID == "" || s.Type == "" {
			return &ConfigError{Option: "strategies", Reason: "declarations need id and type"}
		}
		if s.Exchange == "" || s.Symbol == "" {
			return &ConfigError{Option: "strategies." + s.ID, Reason: "exchange and symbol are required"}
		}
	}
	return nil
}
