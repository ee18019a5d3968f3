package tally

import "time"

// Config holds engine tuning. Zero fields are filled from DefaultConfig.
type Config struct {
	// PollInterval is how often the queue worker looks for due tasks
	// when it has not been woken by an enqueue (default: 2s).
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`

	// RetryBackoff is the visibility window of a claimed task. A task whose
	// attempt failed, or whose worker died, becomes claimable again after it
	// (default: 1m).
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff" yaml:"retry_backoff"`

	// BatchSize is the number of tasks claimed per poll (default: 10).
	BatchSize int `json:"batch_size" mapstructure:"batch_size" yaml:"batch_size"`

	// MaxAttempts bounds attempts per task before it is failed and its
	// reservation rolled back (default: 5).
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// Workers is the number of concurrent task processors (default: 1).
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// TaskRetention is how long terminal tasks are kept (default: 7 days).
	TaskRetention time.Duration `json:"task_retention" mapstructure:"task_retention" yaml:"task_retention"`

	// IdempotencyTTL is the lifetime of an idempotency record (default: 24h).
	IdempotencyTTL time.Duration `json:"idempotency_ttl" mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`

	// IdempotencyLockTTL bounds how long an in-flight key stays locked
	// (default: 30s).
	IdempotencyLockTTL time.Duration `json:"idempotency_lock_ttl" mapstructure:"idempotency_lock_ttl" yaml:"idempotency_lock_ttl"`

	// ReconcileAge is how old an attempted but uncompleted charge must be
	// before it is reported as unsettled (default: 5m).
	ReconcileAge time.Duration `json:"reconcile_age" mapstructure:"reconcile_age" yaml:"reconcile_age"`

	// MaintenanceInterval is how often expired tasks and idempotency
	// records are purged (default: 1h).
	MaintenanceInterval time.Duration `json:"maintenance_interval" mapstructure:"maintenance_interval" yaml:"maintenance_interval"`

	// SettleRetries bounds retries of a reservation update after a
	// transient store failure (default: 8).
	SettleRetries uint `json:"settle_retries" mapstructure:"settle_retries" yaml:"settle_retries"`

	// DisableMigrate skips store migration on Start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableWorkers makes Start skip the queue and maintenance loops. Tasks
	// are still enqueued and can be drained with Queue().RunOnce.
	DisableWorkers bool `json:"disable_workers" mapstructure:"disable_workers" yaml:"disable_workers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        2 * time.Second,
		RetryBackoff:        time.Minute,
		BatchSize:           10,
		MaxAttempts:         5,
		Workers:             1,
		TaskRetention:       7 * 24 * time.Hour,
		IdempotencyTTL:      24 * time.Hour,
		IdempotencyLockTTL:  30 * time.Second,
		ReconcileAge:        5 * time.Minute,
		MaintenanceInterval: time.Hour,
		SettleRetries:       8,
	}
}

// normalize fills zero-valued fields with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = d.TaskRetention
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.IdempotencyLockTTL <= 0 {
		c.IdempotencyLockTTL = d.IdempotencyLockTTL
	}
	if c.ReconcileAge <= 0 {
		c.ReconcileAge = d.ReconcileAge
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.SettleRetries == 0 {
		c.SettleRetries = d.SettleRetries
	}
	return c
}

// Normalized returns c with zero fields filled from DefaultConfig.
func (c Config) Normalized() Config { return c.normalize() }
