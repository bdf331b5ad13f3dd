// Package config loads engine configuration from a file (yaml or json) with
// environment overrides, and validates it before anything is wired.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/paymesh/x402pay/types"
)

var validate = validator.New()

// SourceConfig is one ranked off-chain price source.
type SourceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	URL  string `mapstructure:"url" validate:"required,url"`
	Path string `mapstructure:"path" validate:"required"`
}

// OracleConfig tunes the price oracle.
type OracleConfig struct {
	CacheTTLSeconds  int            `mapstructure:"cache_ttl_seconds" validate:"gte=0"`
	FallbackRate     float64        `mapstructure:"fallback_rate" validate:"gt=0"`
	MinPlausibleRate float64        `mapstructure:"min_plausible_rate"`
	MaxPlausibleRate float64        `mapstructure:"max_plausible_rate"`
	Sources          []SourceConfig `mapstructure:"sources" validate:"dive"`
}

// MonitorConfig tunes confirmation polling.
type MonitorConfig struct {
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds" validate:"gte=0"`
	ConfirmTimeoutSeconds int `mapstructure:"confirm_timeout_seconds" validate:"gte=0"`
	RestartGraceSeconds   int `mapstructure:"restart_grace_seconds" validate:"gte=0"`
	Workers               int `mapstructure:"workers" validate:"gte=0"`
}

// DatabaseConfig selects the persistent store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// Config is the full engine configuration.
type Config struct {
	Network       string   `mapstructure:"network" validate:"required"`
	RPCEndpoints  []string `mapstructure:"rpc_endpoints" validate:"required,min=1,dive,url"`
	Recipient     string   `mapstructure:"recipient" validate:"required"`
	WalletKey     string   `mapstructure:"wallet_key"`
	ChainID       int64    `mapstructure:"chain_id"`
	OracleAccount string   `mapstructure:"oracle_account"`

	Oracle   OracleConfig   `mapstructure:"oracle"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Database DatabaseConfig `mapstructure:"database"`

	LogLevel      string `mapstructure:"log_level"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// NetworkType returns the typed network identifier.
func (c *Config) NetworkType() types.Network {
	return types.Network(c.Network)
}

// Load reads the config file at path, applies X402PAY_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("X402PAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("oracle.cache_ttl_seconds", 30)
	v.SetDefault("monitor.poll_interval_seconds", 5)
	v.SetDefault("monitor.confirm_timeout_seconds", 300)
	v.SetDefault("monitor.restart_grace_seconds", 60)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "x402pay.db")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, types.NewPaymentError(types.ErrCodeConfigError,
			"read config %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewPaymentError(types.ErrCodeConfigError,
			"parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration beyond what tags can express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return types.NewPaymentError(types.ErrCodeConfigError, "validation failed: %v", err)
	}
	network := c.NetworkType()
	if !network.IsSolana() && !network.IsEVM() {
		return types.NewPaymentError(types.ErrCodeConfigError,
			"unsupported network %q", c.Network)
	}
	if network.IsEVM() && c.ChainID == 0 {
		return types.NewPaymentError(types.ErrCodeConfigError,
			"chain_id required for EVM network %q", c.Network)
	}
	if c.Oracle.FallbackRate <= 0 {
		return types.NewPaymentError(types.ErrCodeConfigError,
			"oracle.fallback_rate must be positive, got %v", c.Oracle.FallbackRate)
	}
	return nil
}
