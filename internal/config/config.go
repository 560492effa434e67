// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Engine     EngineConfig     `yaml:"engine"`
	Trading    TradingConfig    `yaml:"trading"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Database   DatabaseConfig   `yaml:"database"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	LiveServer LiveServerConfig `yaml:"live_server"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// Paper runs against the in-memory exchange and repositories
	Paper bool `yaml:"paper"`
	// Schedule is the cron expression (with seconds) that starts a SignalFanOut
	Schedule string `yaml:"schedule"`
}

// EngineConfig contains orchestration engine settings
type EngineConfig struct {
	Store                string        `yaml:"store"` // sqlite or memory
	SQLitePath           string        `yaml:"sqlite_path"`
	OrchestrationWorkers int           `yaml:"orchestration_workers"`
	ActivityWorkers      int           `yaml:"activity_workers"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	AppendMaxRetries     int           `yaml:"append_max_retries"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// RetryConfig mirrors retry.Policy
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	FirstInterval     time.Duration `yaml:"first_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxInterval       time.Duration `yaml:"max_interval"`
}

// TradingConfig contains trade workload parameters
type TradingConfig struct {
	EntryWait     time.Duration `yaml:"entry_wait"`
	EntryChecks   int           `yaml:"entry_checks"`
	MonitorHours  []int         `yaml:"monitor_hours"`
	MonitorMinute int           `yaml:"monitor_minute"`
	MaxHold       time.Duration `yaml:"max_hold"`
	Level2ZScore  float64       `yaml:"level2_zscore"`
	Level0ZScore  float64       `yaml:"level0_zscore"`
	MaxSlippage   float64       `yaml:"max_slippage"`
	Leverage      int           `yaml:"leverage"`
	Allocation    float64       `yaml:"allocation"`
	LimitOffset   float64       `yaml:"limit_offset"`
	RecentTrades  int           `yaml:"recent_trades"`
	ActivityRetry RetryConfig   `yaml:"activity_retry"`
}

// ExchangeConfig contains Binance futures connectivity settings
type ExchangeConfig struct {
	APIKey     Secret        `yaml:"api_key"`
	SecretKey  Secret        `yaml:"secret_key"`
	BaseURL    string        `yaml:"base_url"` // Optional override for API URL
	Testnet    bool          `yaml:"testnet"`
	QuoteAsset string        `yaml:"quote_asset"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	RateBurst  int           `yaml:"rate_burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DatabaseConfig contains the PostgreSQL settings of the trading tables
type DatabaseConfig struct {
	URL          Secret `yaml:"url"`
	MaxConns     int32  `yaml:"max_conns"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

// AlertsConfig contains notification channels and per-category switches
type AlertsConfig struct {
	TradeEntry     bool           `yaml:"trade_entry"`
	TradeCancelled bool           `yaml:"trade_cancelled"`
	TradeClosed    bool           `yaml:"trade_closed"`
	SystemError    bool           `yaml:"system_error"`
	Telegram       TelegramConfig `yaml:"telegram"`
	Slack          SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken Secret `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL Secret `yaml:"webhook_url"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	MetricsPort   int    `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	TraceStdout   bool   `yaml:"trace_stdout"`
}

// LiveServerConfig contains the event feed server settings
type LiveServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Fields absent from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content over the defaults and validates it
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, validate := range []func() error{
		c.validateAppConfig,
		c.validateEngineConfig,
		c.validateTradingConfig,
		c.validateExchangeConfig,
		c.validateDatabaseConfig,
		c.validateAlertsConfig,
		c.validateLiveServerConfig,
	} {
		if err := validate(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.App.Schedule); err != nil {
		return ValidationError{
			Field:   "app.schedule",
			Value:   c.App.Schedule,
			Message: err.Error(),
		}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	switch c.Engine.Store {
	case "memory":
	case "sqlite":
		if c.Engine.SQLitePath == "" {
			return ValidationError{
				Field:   "engine.sqlite_path",
				Message: "path is required for the sqlite store",
			}
		}
	default:
		return ValidationError{
			Field:   "engine.store",
			Value:   c.Engine.Store,
			Message: "must be one of: sqlite, memory",
		}
	}

	if c.Engine.OrchestrationWorkers < 1 || c.Engine.ActivityWorkers < 1 {
		return ValidationError{
			Field:   "engine.workers",
			Value:   fmt.Sprintf("%d/%d", c.Engine.OrchestrationWorkers, c.Engine.ActivityWorkers),
			Message: "worker counts must be positive",
		}
	}
	if c.Engine.QueueCapacity < 1 {
		return ValidationError{
			Field:   "engine.queue_capacity",
			Value:   c.Engine.QueueCapacity,
			Message: "queue capacity must be positive",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	t := c.Trading
	if t.EntryWait <= 0 || t.EntryChecks < 1 {
		return ValidationError{
			Field:   "trading.entry_wait",
			Value:   t.EntryWait,
			Message: "entry wait and entry checks must be positive",
		}
	}
	if len(t.MonitorHours) == 0 {
		return ValidationError{
			Field:   "trading.monitor_hours",
			Message: "at least one monitor hour is required",
		}
	}
	for _, h := range t.MonitorHours {
		if h < 0 || h > 23 {
			return ValidationError{
				Field:   "trading.monitor_hours",
				Value:   h,
				Message: "hours must be within 0-23",
			}
		}
	}
	if t.MonitorMinute < 0 || t.MonitorMinute > 59 {
		return ValidationError{
			Field:   "trading.monitor_minute",
			Value:   t.MonitorMinute,
			Message: "minute must be within 0-59",
		}
	}
	if t.Level2ZScore >= t.Level0ZScore {
		return ValidationError{
			Field:   "trading.level2_zscore",
			Value:   t.Level2ZScore,
			Message: "level2 threshold must be below the level0 threshold",
		}
	}
	if t.MaxSlippage <= 0 || t.MaxSlippage >= 1 {
		return ValidationError{
			Field:   "trading.max_slippage",
			Value:   t.MaxSlippage,
			Message: "slippage must be a positive fraction",
		}
	}
	if t.Leverage < 1 || t.Leverage > 125 {
		return ValidationError{
			Field:   "trading.leverage",
			Value:   t.Leverage,
			Message: "leverage must be within 1-125",
		}
	}
	if t.Allocation <= 0 || t.Allocation > 1 {
		return ValidationError{
			Field:   "trading.allocation",
			Value:   t.Allocation,
			Message: "allocation must be within (0, 1]",
		}
	}
	if t.ActivityRetry.MaxAttempts < 1 {
		return ValidationError{
			Field:   "trading.activity_retry.max_attempts",
			Value:   t.ActivityRetry.MaxAttempts,
			Message: "at least one attempt is required",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if c.App.Paper {
		return nil
	}
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required",
		}
	}
	if c.Exchange.RateLimit <= 0 || c.Exchange.RateBurst < 1 {
		return ValidationError{
			Field:   "exchange.rate_limit",
			Value:   c.Exchange.RateLimit,
			Message: "rate limit and burst must be positive",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.App.Paper {
		return nil
	}
	if c.Database.URL == "" {
		return ValidationError{
			Field:   "database.url",
			Message: "database URL is required unless app.paper is set",
		}
	}
	return nil
}

func (c *Config) validateAlertsConfig() error {
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == 0) {
		return ValidationError{
			Field:   "alerts.telegram",
			Message: "bot token and chat id are required when telegram is enabled",
		}
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		return ValidationError{
			Field:   "alerts.slack.webhook_url",
			Message: "webhook URL is required when slack is enabled",
		}
	}
	return nil
}

func (c *Config) validateLiveServerConfig() error {
	if !c.LiveServer.Enabled {
		return nil
	}
	if c.LiveServer.Addr == "" {
		return ValidationError{
			Field:   "live_server.addr",
			Message: "listen address is required when the live server is enabled",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the production defaults with paper trading enabled
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "signal_trader",
			LogLevel: "INFO",
			Paper:    true,
			Schedule: "0 10 0,4,8,12,16,20 * * *",
		},
		Engine: EngineConfig{
			Store:                "sqlite",
			SQLitePath:           "data/history.db",
			OrchestrationWorkers: 8,
			ActivityWorkers:      32,
			QueueCapacity:        10000,
			AppendMaxRetries:     3,
			ShutdownTimeout:      30 * time.Second,
		},
		Trading: TradingConfig{
			EntryWait:     3 * time.Minute,
			EntryChecks:   2,
			MonitorHours:  []int{0, 4, 8, 12, 16, 20},
			MonitorMinute: 15,
			MaxHold:       12 * time.Hour,
			Level2ZScore:  -2.0,
			Level0ZScore:  -0.25,
			MaxSlippage:   0.01,
			Leverage:      5,
			Allocation:    0.1,
			LimitOffset:   0.01,
			RecentTrades:  2,
			ActivityRetry: RetryConfig{
				MaxAttempts:   3,
				FirstInterval: 5 * time.Second,
			},
		},
		Exchange: ExchangeConfig{
			QuoteAsset: "USDT",
			RateLimit:  10,
			RateBurst:  20,
			Timeout:    10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:     10,
			EnsureSchema: true,
		},
		Alerts: AlertsConfig{
			TradeEntry:     true,
			TradeCancelled: true,
			TradeClosed:    true,
			SystemError:    true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "signal_trader",
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		LiveServer: LiveServerConfig{
			Enabled:   true,
			Addr:      ":8081",
			RateLimit: 5,
			RateBurst: 10,
		},
	}
}
