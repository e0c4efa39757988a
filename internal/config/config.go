package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Ensemble   EnsembleConfig   `mapstructure:"ensemble"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Flatten    FlattenConfig    `mapstructure:"flatten"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Ops        OpsConfig        `mapstructure:"ops"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// BrokerConfig contains broker gateway connection settings
type BrokerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ClientID         int    `mapstructure:"client_id"`
	MinServerVersion int    `mapstructure:"min_server_version"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
	RequestTimeoutMS int    `mapstructure:"request_timeout_ms"`
	ReconnectBaseMS  int    `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMS   int    `mapstructure:"reconnect_max_ms"`
	MaxSubscriptions int    `mapstructure:"max_subscriptions"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig contains SQLite settings. A single process owns the file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig contains the optional feature-cache Redis settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLSec   int    `mapstructure:"ttl_sec"`
}

// ProviderConfig contains settings for a single LLM provider
type ProviderConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// LLMConfig contains the three ensemble provider settings
type LLMConfig struct {
	Claude      ProviderConfig `mapstructure:"claude"`
	GPT4o       ProviderConfig `mapstructure:"gpt4o"`
	Gemini      ProviderConfig `mapstructure:"gemini"`
	TimeoutMS   int            `mapstructure:"timeout_ms"`
	MaxRetries  int            `mapstructure:"max_retries"`
	Temperature float64        `mapstructure:"temperature"`
	MaxTokens   int            `mapstructure:"max_tokens"`
}

// EnsembleConfig contains aggregation settings
type EnsembleConfig struct {
	WeightsPath    string  `mapstructure:"weights_path"`
	Threshold      float64 `mapstructure:"threshold"`  // minimum ensemble score to trade
	Dispersion     string  `mapstructure:"dispersion"` // "stdev" or "range"
	ReloadInterval int     `mapstructure:"reload_interval_sec"`
}

// RiskConfig contains risk gate floors and limits
type RiskConfig struct {
	RiskPct              float64 `mapstructure:"risk_pct"`               // fraction of equity risked per trade
	MaxCapitalPct        float64 `mapstructure:"max_capital_pct"`        // max fraction of equity per position
	MaxDailyLossPct      float64 `mapstructure:"max_daily_loss_pct"`     // 0.02 = 2%
	MaxConcentrationPct  float64 `mapstructure:"max_concentration_pct"`  // per-symbol cap
	MarginMultiplier     float64 `mapstructure:"margin_multiplier"`      // buying-power divisor
	MaxDailyTrades       int     `mapstructure:"max_daily_trades"`
	ConsecutiveLossLimit int     `mapstructure:"consecutive_loss_limit"`
	VolatilityScalar     float64 `mapstructure:"volatility_scalar"`
	InitialEquity        float64 `mapstructure:"initial_equity"` // starting equity until account updates arrive
}

// FlattenConfig contains the end-of-day flatten schedule
type FlattenConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	At       string `mapstructure:"at"`       // "HH:MM" local to Timezone
	Timezone string `mapstructure:"timezone"` // IANA zone, e.g. "America/New_York"
}

// SignalsConfig contains alert-stream ingestion settings
type SignalsConfig struct {
	DedupWindowSec int  `mapstructure:"dedup_window_sec"`
	AutoEvaluate   bool `mapstructure:"auto_evaluate"`
}

// OpsConfig contains availability sampling settings
type OpsConfig struct {
	SampleIntervalSec int `mapstructure:"sample_interval_sec"`
	RetentionDays     int `mapstructure:"retention_days"`
	OutageMinSec      int `mapstructure:"outage_min_sec"`
}

// MCPConfig contains MCP session-layer settings
type MCPConfig struct {
	IdleTTLMin int `mapstructure:"idle_ttl_min"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEBRIDGE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradebridge")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Broker defaults
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 4001)
	v.SetDefault("broker.client_id", 1)
	v.SetDefault("broker.min_server_version", 100)
	v.SetDefault("broker.connect_timeout_ms", 5000)
	v.SetDefault("broker.request_timeout_ms", 15000)
	v.SetDefault("broker.reconnect_base_ms", 500)
	v.SetDefault("broker.reconnect_max_ms", 30000)
	v.SetDefault("broker.max_subscriptions", 50)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)

	// Database defaults
	v.SetDefault("database.path", "tradebridge.db")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_sec", 60)

	// LLM defaults
	v.SetDefault("llm.claude.endpoint", "https://api.anthropic.com/v1/chat/completions")
	v.SetDefault("llm.claude.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.gpt4o.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.gpt4o.model", "gpt-4o")
	v.SetDefault("llm.gemini.endpoint", "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions")
	v.SetDefault("llm.gemini.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout_ms", 30000)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1000)

	// Ensemble defaults
	v.SetDefault("ensemble.weights_path", "weights.json")
	v.SetDefault("ensemble.threshold", 65.0)
	v.SetDefault("ensemble.dispersion", "stdev")
	v.SetDefault("ensemble.reload_interval_sec", 5)

	// Risk defaults
	v.SetDefault("risk.risk_pct", 0.01)
	v.SetDefault("risk.max_capital_pct", 0.25)
	v.SetDefault("risk.max_daily_loss_pct", 0.02)
	v.SetDefault("risk.max_concentration_pct", 0.25)
	v.SetDefault("risk.margin_multiplier", 1.0)
	v.SetDefault("risk.max_daily_trades", 20)
	v.SetDefault("risk.consecutive_loss_limit", 3)
	v.SetDefault("risk.volatility_scalar", 1.0)
	v.SetDefault("risk.initial_equity", 100000.0)

	// Flatten defaults
	v.SetDefault("flatten.enabled", true)
	v.SetDefault("flatten.at", "15:55")
	v.SetDefault("flatten.timezone", "America/New_York")

	// Signals defaults
	v.SetDefault("signals.dedup_window_sec", 300)
	v.SetDefault("signals.auto_evaluate", false)

	// Ops defaults
	v.SetDefault("ops.sample_interval_sec", 30)
	v.SetDefault("ops.retention_days", 90)
	v.SetDefault("ops.outage_min_sec", 60)

	// MCP defaults
	v.SetDefault("mcp.idle_ttl_min", 30)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the per-provider LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GetRequestTimeout returns the broker request timeout as time.Duration
// GetBrokerAddr returns the broker gateway address
func (c *BrokerConfig) GetBrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *BrokerConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// GetIdleTTL returns the MCP idle TTL as time.Duration
func (c *MCPConfig) GetIdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMin) * time.Minute
}
