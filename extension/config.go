package extension

import (
	"time"

	tally "github.com/xraph/tally"
)

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// Engine is the engine tuning passed through to tally.New.
	Engine tally.Config `json:"engine" mapstructure:",squash" yaml:",inline"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Engine: tally.DefaultConfig()}
}

// fillEngine copies every non-zero field of src that is zero in dst.
func fillEngine(dst, src tally.Config) tally.Config {
	dst.PollInterval = orDuration(dst.PollInterval, src.PollInterval)
	dst.RetryBackoff = orDuration(dst.RetryBackoff, src.RetryBackoff)
	dst.TaskRetention = orDuration(dst.TaskRetention, src.TaskRetention)
	dst.IdempotencyTTL = orDuration(dst.IdempotencyTTL, src.IdempotencyTTL)
	dst.IdempotencyLockTTL = orDuration(dst.IdempotencyLockTTL, src.IdempotencyLockTTL)
	dst.ReconcileAge = orDuration(dst.ReconcileAge, src.ReconcileAge)
	dst.MaintenanceInterval = orDuration(dst.MaintenanceInterval, src.MaintenanceInterval)
	if dst.BatchSize == 0 {
		dst.BatchSize = src.BatchSize
	}
	if dst.MaxAttempts == 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if dst.Workers == 0 {
		dst.Workers = src.Workers
	}
	if dst.SettleRetries == 0 {
		dst.SettleRetries = src.SettleRetries
	}
	if src.DisableMigrate {
		dst.DisableMigrate = true
	}
	if src.DisableWorkers {
		dst.DisableWorkers = true
	}
	return dst
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}
