// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported exchange adapters
const (
	ExchangeBinance = "binance"
	ExchangeAlpaca  = "alpaca"
	ExchangePaper   = "paper"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Trailing    TrailingConfig            `yaml:"trailing"`
	Gateway     GatewayConfig             `yaml:"gateway"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
	System      SystemConfig              `yaml:"system"`
	Server      ServerConfig              `yaml:"server"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Paper       PaperConfig               `yaml:"paper"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Exchange    string `yaml:"exchange" validate:"required,oneof=binance alpaca paper"`
	JournalPath string `yaml:"journal_path"` // Empty disables the decision journal
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key" validate:"required"`
	SecretKey Secret `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"`  // Optional override for the trading API
	DataURL   string `yaml:"data_url"`  // Optional override for the market data API
	StreamURL string `yaml:"stream_url"` // Optional override for the kline websocket
	Feed      string `yaml:"feed"`      // Alpaca data feed (iex, sip)
	Testnet   bool   `yaml:"testnet"`
}

// TrailingConfig contains the trailing stop parameters
type TrailingConfig struct {
	Symbol               string        `yaml:"symbol" validate:"required"`
	Period               time.Duration `yaml:"period" validate:"required,min=1m"`
	BarLag               int           `yaml:"bar_lag" validate:"min=0,max=100"`
	Account              string        `yaml:"account"`
	PositionPollInterval time.Duration `yaml:"position_poll_interval" validate:"min=1s"`
}

// GatewayConfig contains resilience settings applied to every order gateway call
type GatewayConfig struct {
	CallTimeout      time.Duration `yaml:"call_timeout" validate:"min=1s"`
	MaxRetries       int           `yaml:"max_retries" validate:"min=0,max=10"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	RateLimit        float64       `yaml:"rate_limit" validate:"min=0"` // Requests per second, 0 disables
	RateBurst        int           `yaml:"rate_burst" validate:"min=1"`
	BreakerFailures  uint          `yaml:"breaker_failures" validate:"min=1"`
	BreakerExecution uint          `yaml:"breaker_executions" validate:"min=1"`
	BreakerDelay     time.Duration `yaml:"breaker_delay"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ReconcileWorkers int `yaml:"reconcile_workers" validate:"min=0,max=100"` // 0 reconciles sequentially
	ReconcileBuffer  int `yaml:"reconcile_buffer" validate:"min=1,max=10000"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ServerConfig contains the operator endpoints
type ServerConfig struct {
	HealthPort string `yaml:"health_port"` // Empty disables the HTTP server
	GRPCPort   string `yaml:"grpc_port"`   // Empty disables the gRPC health service
}

// AlertsConfig contains alert channel settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServiceName   string `yaml:"service_name"`
	ConsoleExport bool   `yaml:"console_export"`
}

// PaperConfig seeds the in-memory paper exchange
type PaperConfig struct {
	Positions []PaperPosition `yaml:"positions"`
}

// PaperPosition is one seeded paper position
type PaperPosition struct {
	ID       string  `yaml:"id"`
	Side     string  `yaml:"side" validate:"oneof=long short"`
	Quantity float64 `yaml:"quantity" validate:"min=0"`
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
// Keys absent from the file keep the values of DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content on top of the defaults and validates the result
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
		c.validateExchanges,
		c.validateTrailingConfig,
		c.validateGatewayConfig,
		c.validateConcurrencyConfig,
		c.validateSystemConfig,
		c.validatePaperConfig,
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
	validExchanges := []string{ExchangeBinance, ExchangeAlpaca, ExchangePaper}
	c.App.Exchange = strings.ToLower(c.App.Exchange)
	if !contains(validExchanges, c.App.Exchange) {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if c.App.Exchange == ExchangePaper {
		return nil
	}

	exchange, exists := c.Exchanges[c.App.Exchange]
	if !exists {
		return ValidationError{
			Field:   "exchanges",
			Value:   c.App.Exchange,
			Message: "exchange configuration not found in exchanges section",
		}
	}
	if exchange.APIKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.api_key", c.App.Exchange),
			Message: "API key is required",
		}
	}
	if exchange.SecretKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.secret_key", c.App.Exchange),
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validateTrailingConfig() error {
	if strings.TrimSpace(c.Trailing.Symbol) == "" {
		return ValidationError{
			Field:   "trailing.symbol",
			Message: "trailing symbol is required",
		}
	}
	if c.Trailing.Period < time.Minute {
		return ValidationError{
			Field:   "trailing.period",
			Value:   c.Trailing.Period,
			Message: "period must be at least 1m",
		}
	}
	if c.Trailing.BarLag < 0 || c.Trailing.BarLag > 100 {
		return ValidationError{
			Field:   "trailing.bar_lag",
			Value:   c.Trailing.BarLag,
			Message: "bar lag must be between 0 and 100",
		}
	}
	if c.Trailing.PositionPollInterval < time.Second {
		return ValidationError{
			Field:   "trailing.position_poll_interval",
			Value:   c.Trailing.PositionPollInterval,
			Message: "poll interval must be at least 1s",
		}
	}
	return nil
}

func (c *Config) validateGatewayConfig() error {
	if c.Gateway.CallTimeout < time.Second {
		return ValidationError{
			Field:   "gateway.call_timeout",
			Value:   c.Gateway.CallTimeout,
			Message: "call timeout must be at least 1s",
		}
	}
	if c.Gateway.MaxRetries < 0 || c.Gateway.MaxRetries > 10 {
		return ValidationError{
			Field:   "gateway.max_retries",
			Value:   c.Gateway.MaxRetries,
			Message: "max retries must be between 0 and 10",
		}
	}
	if c.Gateway.RateLimit < 0 {
		return ValidationError{
			Field:   "gateway.rate_limit",
			Value:   c.Gateway.RateLimit,
			Message: "rate limit cannot be negative",
		}
	}
	if c.Gateway.BreakerFailures == 0 || c.Gateway.BreakerExecution < c.Gateway.BreakerFailures {
		return ValidationError{
			Field:   "gateway.breaker_failures",
			Value:   c.Gateway.BreakerFailures,
			Message: "breaker failures must be positive and not exceed breaker executions",
		}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.ReconcileWorkers < 0 {
		return ValidationError{
			Field:   "concurrency.reconcile_workers",
			Value:   c.Concurrency.ReconcileWorkers,
			Message: "workers cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validatePaperConfig() error {
	for i, p := range c.Paper.Positions {
		side := strings.ToLower(p.Side)
		if side != "long" && side != "short" {
			return ValidationError{
				Field:   fmt.Sprintf("paper.positions[%d].side", i),
				Value:   p.Side,
				Message: "must be long or short",
			}
		}
		if p.Quantity <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("paper.positions[%d].quantity", i),
				Value:   p.Quantity,
				Message: "quantity must be positive",
			}
		}
	}
	return nil
}

// GetExchangeConfig returns the configuration for the selected exchange
func (c *Config) GetExchangeConfig() (*ExchangeConfig, error) {
	exchange, exists := c.Exchanges[c.App.Exchange]
	if !exists {
		return nil, fmt.Errorf("exchange configuration not found for: %s", c.App.Exchange)
	}
	return &exchange, nil
}

// String returns a string representation of the configuration; secrets marshal redacted
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

// DefaultConfig returns the configuration every file is decoded on top of
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Exchange: ExchangePaper,
		},
		Exchanges: map[string]ExchangeConfig{},
		Trailing: TrailingConfig{
			Period:               4 * time.Hour,
			BarLag:               2,
			Account:              "default",
			PositionPollInterval: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			CallTimeout:      10 * time.Second,
			MaxRetries:       3,
			RetryBackoff:     100 * time.Millisecond,
			RetryMaxBackoff:  2 * time.Second,
			RateLimit:        10,
			RateBurst:        20,
			BreakerFailures:  5,
			BreakerExecution: 10,
			BreakerDelay:     10 * time.Second,
		},
		Concurrency: ConcurrencyConfig{
			ReconcileWorkers: 4,
			ReconcileBuffer:  100,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Server: ServerConfig{
			HealthPort: "8080",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "trailstop",
		},
	}
}
