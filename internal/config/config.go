// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire daemon configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Policy   PolicyConfig   `mapstructure:"policy" yaml:"policy"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Ingress  IngressConfig  `mapstructure:"ingress" yaml:"ingress"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Bus      BusConfig      `mapstructure:"bus" yaml:"bus"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects and configures the session store backend.
// When URL is empty the daemon runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"-"`
}

// PolicyConfig locates the security policy document. An empty path means
// built-in defaults only.
type PolicyConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MonitorConfig tunes the runtime monitor.
type MonitorConfig struct {
	// AutoKill invokes the kill switch synchronously on critical verdicts.
	AutoKill bool `mapstructure:"auto_kill" yaml:"auto_kill"`
}

// GatewayConfig configures the remote-termination protocol client.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Token   string `mapstructure:"token" yaml:"-"`
	// RequestTimeout bounds every outstanding RPC; on expiry the pending
	// slot is released and the caller receives a failure.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// ReconnectEvery throttles reconnect attempts after a dropped channel.
	ReconnectEvery time.Duration `mapstructure:"reconnect_every" yaml:"reconnect_every"`
}

// IngressConfig configures the admission API adapters POST actions to.
type IngressConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// NewDefaultConfig creates a configuration struct populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "warden")
	v.SetDefault("logger.log_file", "warden.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Policy --
	v.SetDefault("policy.path", "")

	// -- Monitor --
	v.SetDefault("monitor.auto_kill", true)

	// -- Gateway --
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.url", "ws://127.0.0.1:18789/gateway")
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.reconnect_every", "2s")

	// -- Ingress --
	v.SetDefault("ingress.addr", "127.0.0.1:8471")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")

	// -- Bus --
	v.SetDefault("bus.buffer_size", 64)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "WARDEN_DATABASE_URL")
	v.BindEnv("gateway.token", "WARDEN_GATEWAY_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the token if Unmarshal didn't pick it up.
	if cfg.Gateway.Enabled && cfg.Gateway.Token == "" {
		cfg.Gateway.Token = os.Getenv("WARDEN_GATEWAY_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Gateway.Enabled && c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required when the gateway is enabled")
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if c.Gateway.ReconnectEvery <= 0 {
		return fmt.Errorf("gateway.reconnect_every must be positive")
	}
	if c.Ingress.Addr == "" {
		return fmt.Errorf("ingress.addr must not be empty")
	}
	if c.Bus.BufferSize < 0 {
		return fmt.Errorf("bus.buffer_size must not be negative")
	}
	return nil
}
