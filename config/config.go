// Package config loads tallyd configuration from an optional YAML file and
// TALLY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	tally "github.com/xraph/tally"
)

// EnvPrefix prefixes every environment override, e.g. TALLY_MONGO_URI.
const EnvPrefix = "TALLY"

// Config is the daemon configuration.
type Config struct {
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tally   tally.Config  `mapstructure:"tally"`
}

// MongoConfig locates the primary store.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig enables the Redis idempotency store and key lock.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is json or text.
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads path, when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Mongo.URI == "" {
		return nil, fmt.Errorf("config: mongo.uri is required")
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return nil, fmt.Errorf("config: redis.url is required when redis is enabled")
	}
	cfg.Tally = cfg.Tally.Normalized()
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "tally")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", ":9464")

	d := tally.DefaultConfig()
	v.SetDefault("tally.poll_interval", d.PollInterval)
	v.SetDefault("tally.retry_backoff", d.RetryBackoff)
	v.SetDefault("tally.batch_size", d.BatchSize)
	v.SetDefault("tally.max_attempts", d.MaxAttempts)
	v.SetDefault("tally.workers", d.Workers)
	v.SetDefault("tally.task_retention", d.TaskRetention)
	v.SetDefault("tally.idempotency_ttl", d.IdempotencyTTL)
	v.SetDefault("tally.idempotency_lock_ttl", d.IdempotencyLockTTL)
	v.SetDefault("tally.reconcile_age", d.ReconcileAge)
	v.SetDefault("tally.maintenance_interval", d.MaintenanceInterval)
	v.SetDefault("tally.settle_retries", d.SettleRetries)
	v.SetDefault("tally.disable_migrate", false)
	v.SetDefault("tally.disable_workers", false)
}
