package extension

import (
	"time"

	tally "github.com/xraph/tally"
	"github.com/xraph/tally/idempotency"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/policy"
	"github.com/xraph/tally/store"
)

// Option configures the Tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the tally engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithTallyOption passes a tally.Option through to the underlying engine.
func WithTallyOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithPlugin(p))
	}
}

// WithCostPolicy sets the per-entry cost policy.
func WithCostPolicy(p policy.CostPolicy) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithCostPolicy(p))
	}
}

// WithConfirmer sets the external confirmation step of deferred completion.
func WithConfirmer(c tally.Confirmer) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithConfirmer(c))
	}
}

// WithIdempotency overrides where idempotency records live and how keys are
// locked. Either argument may be nil to keep the engine default.
func WithIdempotency(records idempotency.Store, locker idempotency.Locker) Option {
	return func(e *Extension) {
		if records != nil {
			e.tallyOpts = append(e.tallyOpts, tally.WithIdempotencyStore(records))
		}
		if locker != nil {
			e.tallyOpts = append(e.tallyOpts, tally.WithLocker(locker))
		}
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.Engine.DisableMigrate = true }
}

// WithDisableWorkers starts the engine without background loops.
func WithDisableWorkers() Option {
	return func(e *Extension) { e.config.Engine.DisableWorkers = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMaxAttempts bounds completion attempts per task.
func WithMaxAttempts(n int) Option {
	return func(e *Extension) { e.config.Engine.MaxAttempts = n }
}

// WithRetryBackoff sets the visibility window of a claimed task.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Extension) { e.config.Engine.RetryBackoff = d }
}

// WithIdempotencyTTL sets the lifetime of idempotency records.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.Engine.IdempotencyTTL = d }
}
