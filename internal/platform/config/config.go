package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the curve engine
type Config struct {
	Chains        map[string]ChainConfig `mapstructure:"chains"`
	Backfill      BackfillConfig         `mapstructure:"backfill"`
	Market        MarketConfig           `mapstructure:"market"`
	Trade         TradeConfig            `mapstructure:"trade"`
	Redis         RedisConfig            `mapstructure:"redis"`
	Cache         CacheConfig            `mapstructure:"cache"`
	Registry      RegistryConfig         `mapstructure:"registry"`
	Observability ObservabilityConfig    `mapstructure:"observability"`
	HTTP          HTTPConfig             `mapstructure:"http"`
}

// ChainConfig holds per-chain RPC configuration. The map key is the
// decimal chain id ("56", "97", ...).
type ChainConfig struct {
	Endpoints    []string      `mapstructure:"endpoints"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// BackfillConfig tunes the adaptive log backfill walk
type BackfillConfig struct {
	InitialChunk uint64 `mapstructure:"initial_chunk"`
	MinChunk     uint64 `mapstructure:"min_chunk"`
	MaxChunk     uint64 `mapstructure:"max_chunk"`
	MaxCalls     int    `mapstructure:"max_calls"`
	WantLogs     int    `mapstructure:"want_logs"`
}

// MarketConfig holds market-data settings
type MarketConfig struct {
	CandleBucket     time.Duration `mapstructure:"candle_bucket"`
	CandleWindow     time.Duration `mapstructure:"candle_window"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	RefreshTimeout   time.Duration `mapstructure:"refresh_timeout"`
	TimestampWorkers int           `mapstructure:"timestamp_workers"`
}

// TradeConfig holds trade-execution settings
type TradeConfig struct {
	DefaultSlippageBps  int64         `mapstructure:"default_slippage_bps"`
	MaxSlippageBps      int64         `mapstructure:"max_slippage_bps"`
	AdaptiveSlippage    bool          `mapstructure:"adaptive_slippage"`
	ApprovalPollTries   int           `mapstructure:"approval_poll_tries"`
	ApprovalPollDelay   time.Duration `mapstructure:"approval_poll_delay"`
	GasMarginPct        int64         `mapstructure:"gas_margin_pct"`
	FallbackGasPriceWei int64         `mapstructure:"fallback_gas_price_wei"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig holds caching configuration
type CacheConfig struct {
	L1MaxSize int           `mapstructure:"l1_max_size"`
	L2TTL     time.Duration `mapstructure:"l2_ttl"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// RegistryConfig configures the external token metadata registry. An
// empty base URL disables the metadata endpoints.
type RegistryConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Backfill defaults: start mid-range, adapt from there
	v.SetDefault("backfill.initial_chunk", 2048)
	v.SetDefault("backfill.min_chunk", 128)
	v.SetDefault("backfill.max_chunk", 10000)
	v.SetDefault("backfill.max_calls", 60)
	v.SetDefault("backfill.want_logs", 500)

	// Market defaults
	v.SetDefault("market.candle_bucket", "60s")
	v.SetDefault("market.candle_window", "6h")
	v.SetDefault("market.refresh_interval", "15s")
	v.SetDefault("market.refresh_timeout", "4s")
	v.SetDefault("market.timestamp_workers", 8)

	// Trade defaults
	v.SetDefault("trade.default_slippage_bps", 100)
	v.SetDefault("trade.max_slippage_bps", 1500)
	v.SetDefault("trade.adaptive_slippage", true)
	v.SetDefault("trade.approval_poll_tries", 10)
	v.SetDefault("trade.approval_poll_delay", "1500ms")
	v.SetDefault("trade.gas_margin_pct", 20)
	v.SetDefault("trade.fallback_gas_price_wei", 5_000_000_000) // 5 gwei

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Cache defaults
	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.l2_ttl", "60s")

	// Registry defaults: disabled until a base URL is configured
	v.SetDefault("registry.base_url", "")
	v.SetDefault("registry.timeout", "5s")
	v.SetDefault("registry.cache_ttl", "5m")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	for id, chain := range c.Chains {
		if len(chain.Endpoints) == 0 {
			return fmt.Errorf("chain %s: at least one RPC endpoint is required", id)
		}
	}

	if c.Backfill.MinChunk == 0 || c.Backfill.MinChunk > c.Backfill.InitialChunk {
		return fmt.Errorf("backfill min_chunk must be in (0, initial_chunk]")
	}
	if c.Backfill.MaxChunk < c.Backfill.InitialChunk {
		return fmt.Errorf("backfill max_chunk must be >= initial_chunk")
	}
	if c.Backfill.MaxCalls <= 0 {
		return fmt.Errorf("backfill max_calls must be positive")
	}

	if c.Market.CandleBucket <= 0 {
		return fmt.Errorf("market candle_bucket must be positive")
	}
	if c.Market.TimestampWorkers <= 0 {
		return fmt.Errorf("market timestamp_workers must be positive")
	}

	if c.Trade.DefaultSlippageBps < 0 || c.Trade.DefaultSlippageBps > 10000 {
		return fmt.Errorf("trade default_slippage_bps must be in [0, 10000]")
	}
	if c.Trade.MaxSlippageBps < c.Trade.DefaultSlippageBps {
		return fmt.Errorf("trade max_slippage_bps must be >= default_slippage_bps")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
