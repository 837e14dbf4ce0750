// Package config provides configuration loading and validation for the
// dispatch server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidPort        = errors.New("invalid server port")
	ErrInvalidMaxBuckets  = errors.New("default max buckets must be positive")
	ErrInvalidBucketBytes = errors.New("default max bucket bytes must be positive")
	ErrInvalidFeePercent  = errors.New("platform fee percent must be within [0,100]")
	ErrInvalidLeaseTTL    = errors.New("lease ttl must be positive")
	ErrInvalidWorkerTTL   = errors.New("worker timeout must be positive")
)

// Default configuration values.
const (
	defaultPort             = 8080
	defaultHost             = "0.0.0.0"
	defaultMaxBuckets       = 10
	defaultMaxBucketBytes   = 1 << 20 // 1 MiB.
	defaultPlatformFee      = 10
	maxPort                 = 65535
	maxFeePercent           = 100
	defaultDevInitialWallet = "100.00"
)

// Config holds all configuration for the dispatch server.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Planner     PlannerConfig     `mapstructure:"planner"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// DiagnosticsConfig holds the operational health/metrics endpoint settings.
type DiagnosticsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Port         int           `mapstructure:"port"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// DSN is the modernc.org/sqlite data source name, e.g. "file:dispatch.db".
	DSN string `mapstructure:"dsn"`
	// ArtifactDir is where uploaded task code archives and data files live,
	// one subdirectory per task id.
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// PlannerConfig holds default bucket-planning limits.
type PlannerConfig struct {
	DefaultMaxBuckets     int `mapstructure:"default_max_buckets"`
	DefaultMaxBucketBytes int `mapstructure:"default_max_bucket_bytes"`
}

// LeaseConfig holds bucket assignment lease settings.
type LeaseConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// HeartbeatConfig holds worker liveness settings.
type HeartbeatConfig struct {
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BudgetConfig holds budget-enforcement settings.
type BudgetConfig struct {
	DisableChecks      bool `mapstructure:"disable_checks"`
	PlatformFeePercent int  `mapstructure:"platform_fee_percent"`
}

// WalletConfig holds wallet sandbox settings.
type WalletConfig struct {
	SandboxEnabled      bool   `mapstructure:"sandbox_enabled"`
	DevInitialWalletUSD string `mapstructure:"dev_initial_wallet_usd"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/dispatch")
	}

	viperCfg.SetEnvPrefix("DISPATCH")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("read config file: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	if validateErr := validate(&cfg); validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "30s")
	viperCfg.SetDefault("server.idle_timeout", "60s")

	viperCfg.SetDefault("store.dsn", "file:dispatch.db")
	viperCfg.SetDefault("store.artifact_dir", "/tmp/dispatch-artifacts")

	viperCfg.SetDefault("planner.default_max_buckets", defaultMaxBuckets)
	viperCfg.SetDefault("planner.default_max_bucket_bytes", defaultMaxBucketBytes)

	viperCfg.SetDefault("lease.ttl", "20m")

	viperCfg.SetDefault("heartbeat.worker_timeout", "20m")
	viperCfg.SetDefault("heartbeat.sweep_interval", "60s")

	// Disabled by default in this build; flip it in the shipped
	// config.yaml template for a production deployment.
	viperCfg.SetDefault("budget.disable_checks", true)
	viperCfg.SetDefault("budget.platform_fee_percent", defaultPlatformFee)

	viperCfg.SetDefault("wallet.sandbox_enabled", false)
	viperCfg.SetDefault("wallet.dev_initial_wallet_usd", defaultDevInitialWallet)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stdout")

	viperCfg.SetDefault("diagnostics.enabled", true)
	viperCfg.SetDefault("diagnostics.addr", ":9090")
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Server.Port)
	}

	if cfg.Planner.DefaultMaxBuckets <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxBuckets, cfg.Planner.DefaultMaxBuckets)
	}

	if cfg.Planner.DefaultMaxBucketBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBucketBytes, cfg.Planner.DefaultMaxBucketBytes)
	}

	if cfg.Budget.PlatformFeePercent < 0 || cfg.Budget.PlatformFeePercent > maxFeePercent {
		return fmt.Errorf("%w: %d", ErrInvalidFeePercent, cfg.Budget.PlatformFeePercent)
	}

	if cfg.Lease.TTL <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidLeaseTTL, cfg.Lease.TTL)
	}

	if cfg.Heartbeat.WorkerTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkerTTL, cfg.Heartbeat.WorkerTimeout)
	}

	return nil
}
