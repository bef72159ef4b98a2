// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Trading   TradingConfig             `yaml:"trading"`
	System    SystemConfig              `yaml:"system"`
	Server    ServerConfig              `yaml:"server"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Alerts    AlertsConfig              `yaml:"alerts"`
}

// ExchangeConfig contains venue-specific configuration
type ExchangeConfig struct {
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	Testnet   bool    `yaml:"testnet"`
	TakerFee  float64 `yaml:"taker_fee"` // 0.0004 = 0.04%
	Leverage  int     `yaml:"leverage"`  // per-venue override, default 5
}

// TradingConfig contains the arbitrage strategy parameters
type TradingConfig struct {
	Pairs                   []string `yaml:"pairs"`
	MinDailySpreadBase      float64  `yaml:"min_daily_spread_base"`
	MinDailySpreadPer10K    float64  `yaml:"min_daily_spread_per_10k"`
	MinSecondsToFunding     int      `yaml:"min_seconds_to_funding"`
	EntryBufferMinutes      int      `yaml:"entry_buffer_minutes"`
	OrderFillTimeoutSeconds int      `yaml:"order_fill_timeout_seconds"`
	MaxPositionPerPairUSD   float64  `yaml:"max_position_per_pair_usd"`
	NegativeSpreadTolerance float64  `yaml:"negative_spread_tolerance"`
	DefaultLeverage         int      `yaml:"default_leverage"`
	PairCooldownHours       float64  `yaml:"pair_cooldown_hours"`
	SimulationMode          bool     `yaml:"simulation_mode"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`
}

// ServerConfig contains the control-plane HTTP settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains outbound alert channel credentials. Channels with
// empty credentials are skipped.
type AlertsConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) < 2 && !c.Trading.SimulationMode {
		return ValidationError{
			Field:   "exchanges",
			Message: "at least two exchanges are required for cross-venue arbitrage",
		}
	}

	for name, ex := range c.Exchanges {
		if c.Trading.SimulationMode {
			continue
		}
		if ex.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if ex.APISecret == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_secret", name),
				Message: "API secret is required",
			}
		}
		if ex.TakerFee < 0 || ex.TakerFee > 0.01 {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.taker_fee", name),
				Value:   ex.TakerFee,
				Message: "taker fee must be between 0 and 0.01",
			}
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if len(c.Trading.Pairs) == 0 {
		return ValidationError{
			Field:   "trading.pairs",
			Message: "at least one trading pair is required",
		}
	}
	if c.Trading.MinDailySpreadBase < 0 {
		return ValidationError{
			Field:   "trading.min_daily_spread_base",
			Value:   c.Trading.MinDailySpreadBase,
			Message: "must be non-negative",
		}
	}
	if c.Trading.MaxPositionPerPairUSD <= 0 {
		return ValidationError{
			Field:   "trading.max_position_per_pair_usd",
			Value:   c.Trading.MaxPositionPerPairUSD,
			Message: "must be positive",
		}
	}
	if c.Trading.OrderFillTimeoutSeconds <= 0 {
		return ValidationError{
			Field:   "trading.order_fill_timeout_seconds",
			Value:   c.Trading.OrderFillTimeoutSeconds,
			Message: "must be positive",
		}
	}
	if c.Trading.NegativeSpreadTolerance > 0 {
		return ValidationError{
			Field:   "trading.negative_spread_tolerance",
			Value:   c.Trading.NegativeSpreadTolerance,
			Message: "must be zero or negative",
		}
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > 20 {
		return ValidationError{
			Field:   "trading.default_leverage",
			Value:   c.Trading.DefaultLeverage,
			Message: "must be between 1 and 20",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
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

// Decimal accessors; all strategy math runs on decimals, config floats are
// converted exactly once here.

// MinDailySpreadBaseDec returns the base spread threshold as a decimal.
func (t *TradingConfig) MinDailySpreadBaseDec() decimal.Decimal {
	return decimal.NewFromFloat(t.MinDailySpreadBase)
}

// MinDailySpreadPer10KDec returns the per-10k-USD threshold increment as a decimal.
func (t *TradingConfig) MinDailySpreadPer10KDec() decimal.Decimal {
	return decimal.NewFromFloat(t.MinDailySpreadPer10K)
}

// MaxPositionPerPairUSDDec returns the per-pair size cap as a decimal.
func (t *TradingConfig) MaxPositionPerPairUSDDec() decimal.Decimal {
	return decimal.NewFromFloat(t.MaxPositionPerPairUSD)
}

// NegativeSpreadToleranceDec returns the signed exit tolerance as a decimal.
func (t *TradingConfig) NegativeSpreadToleranceDec() decimal.Decimal {
	return decimal.NewFromFloat(t.NegativeSpreadTolerance)
}

// LeverageFor returns the configured leverage for a venue, falling back to
// the trading default.
func (c *Config) LeverageFor(exchange string) int {
	if ex, ok := c.Exchanges[exchange]; ok && ex.Leverage > 0 {
		return ex.Leverage
	}
	if c.Trading.DefaultLeverage > 0 {
		return c.Trading.DefaultLeverage
	}
	return 5
}

// TakerFeeFor returns the configured taker fee for a venue, falling back to
// a conservative 0.04%.
func (c *Config) TakerFeeFor(exchange string) decimal.Decimal {
	if ex, ok := c.Exchanges[exchange]; ok && ex.TakerFee > 0 {
		return decimal.NewFromFloat(ex.TakerFee)
	}
	return decimal.NewFromFloat(0.0004)
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		ex.APIKey = maskString(ex.APIKey)
		ex.APISecret = maskString(ex.APISecret)
		configCopy.Exchanges[name] = ex
	}
	configCopy.Alerts.TelegramBotToken = maskString(c.Alerts.TelegramBotToken)
	configCopy.Alerts.SlackWebhookURL = maskString(c.Alerts.SlackWebhookURL)
	data, _ := yaml.Marshal(configCopy)
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

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Trading: TradingConfig{
			Pairs:                   []string{"BTC/USDT:USDT", "ETH/USDT:USDT"},
			MinDailySpreadBase:      0.0003,
			MinDailySpreadPer10K:    0.00003,
			MinSecondsToFunding:     60,
			EntryBufferMinutes:      20,
			OrderFillTimeoutSeconds: 30,
			MaxPositionPerPairUSD:   50000,
			NegativeSpreadTolerance: -0.0001,
			DefaultLeverage:         5,
			PairCooldownHours:       1.0,
			SimulationMode:          true,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			DatabasePath: "fundarb.db",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
