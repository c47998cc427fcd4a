// Package config provides configuration management for the gateway host.
//
// Core gateway components never read environment variables or files; they
// receive the structs below at construction. Load is for the CLI layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all gateway configuration.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig holds broker account and transport configuration.
type BrokerConfig struct {
	Environment    string        `mapstructure:"environment"` // "practice", "live"
	AccountID      string        `mapstructure:"account_id"`
	APIToken       string        `mapstructure:"-"` // env only, never a config file
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Instruments    []string      `mapstructure:"instruments"`
}

// StreamConfig holds price streaming configuration.
type StreamConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	IdleReadTimeout      time.Duration `mapstructure:"idle_read_timeout"`
	BufferSize           int           `mapstructure:"buffer_size"`
	SubscriberBufferSize int           `mapstructure:"subscriber_buffer_size"`
}

// ResilienceConfig holds circuit breaker configuration.
type ResilienceConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	EventLogSize     int           `mapstructure:"event_log_size"`
}

// OrdersConfig holds pending order lifecycle configuration.
type OrdersConfig struct {
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	ExpiryCheckInterval time.Duration `mapstructure:"expiry_check_interval"`
	// ExpiryWindows are minutes-to-expiry thresholds for the tiered
	// INFO/WARNING/CRITICAL pre-expiry notifications, descending.
	ExpiryWindows    []float64     `mapstructure:"expiry_windows"`
	DefaultGTDExpiry time.Duration `mapstructure:"default_gtd_expiry"`
}

// TrailingConfig holds trailing stop configuration.
type TrailingConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// MonitorConfig holds position monitor configuration.
type MonitorConfig struct {
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	AlertCooldown        time.Duration `mapstructure:"alert_cooldown"`
	ProfitTarget         float64       `mapstructure:"profit_target"`
	LossThreshold        float64       `mapstructure:"loss_threshold"`
	MaxPositionAge       time.Duration `mapstructure:"max_position_age"`
	MaxMarginUtilization float64       `mapstructure:"max_margin_utilization"`
	MaxCurrencyExposure  float64       `mapstructure:"max_currency_exposure"`
	MaxConcentration     float64       `mapstructure:"max_concentration"`
}

// ComplianceConfig holds regulatory configuration.
type ComplianceConfig struct {
	FIFORequired bool `mapstructure:"fifo_required"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Environment:    "practice",
			RequestsPerSec: 2,
			RequestTimeout: 15 * time.Second,
		},
		Stream: StreamConfig{
			MaxReconnectAttempts: 10,
			IdleReadTimeout:      20 * time.Second,
			BufferSize:           1000,
			SubscriberBufferSize: 100,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			EventLogSize:     1000,
		},
		Orders: OrdersConfig{
			RefreshInterval:     30 * time.Second,
			ExpiryCheckInterval: 60 * time.Second,
			ExpiryWindows:       []float64{60, 15, 5},
			DefaultGTDExpiry:    24 * time.Hour,
		},
		Trailing: TrailingConfig{
			TickInterval: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			ScanInterval:         30 * time.Second,
			AlertCooldown:        5 * time.Minute,
			ProfitTarget:         500,
			LossThreshold:        -300,
			MaxPositionAge:       48 * time.Hour,
			MaxMarginUtilization: 0.8,
			MaxCurrencyExposure:  0.6,
			MaxConcentration:     0.5,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/oanda-gateway"
	}
	return filepath.Join(home, ".config", "oanda-gateway")
}

// Load loads configuration from the specified directory, applying defaults,
// environment overrides and validation. If configDir is empty, the default
// config directory is used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OANDA_API_TOKEN"); v != "" {
		cfg.Broker.APIToken = v
	}
	if v := os.Getenv("OANDA_ACCOUNT_ID"); v != "" {
		cfg.Broker.AccountID = v
	}
	if v := os.Getenv("OANDA_ENV"); v != "" {
		cfg.Broker.Environment = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Broker.Environment != "practice" && c.Broker.Environment != "live" {
		return fmt.Errorf("invalid broker environment: %s (must be 'practice' or 'live')", c.Broker.Environment)
	}
	if c.Broker.RequestsPerSec <= 0 {
		return fmt.Errorf("requests_per_sec must be positive")
	}
	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.Resilience.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max_reconnect_attempts must be positive")
	}
	if len(c.Orders.ExpiryWindows) == 0 {
		return fmt.Errorf("expiry_windows must not be empty")
	}
	for i := 1; i < len(c.Orders.ExpiryWindows); i++ {
		if c.Orders.ExpiryWindows[i] >= c.Orders.ExpiryWindows[i-1] {
			return fmt.Errorf("expiry_windows must be strictly descending")
		}
	}
	return nil
}

// IsPractice returns true if the practice environment is configured.
func (c *Config) IsPractice() bool {
	return c.Broker.Environment == "practice"
}
