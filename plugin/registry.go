package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit               []OnInit
	onShutdown           []OnShutdown
	onEntryCreated       []OnEntryCreated
	onEntryUpdated       []OnEntryUpdated
	onEntryVoided        []OnEntryVoided
	onExportDiscrepancy  []OnExportDiscrepancy
	onInsufficientFunds  []OnInsufficientFunds
	onChargeCompensated  []OnChargeCompensated
	onFundsReserved      []OnFundsReserved
	onReservationSettled []OnReservationSettled
	onReservationClamped []OnReservationClamped
	onTaskCompleted      []OnTaskCompleted
	onTaskFailed         []OnTaskFailed
	onIdempotentReplay   []OnIdempotentReplay
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEntryCreated); ok {
		r.onEntryCreated = append(r.onEntryCreated, v)
	}
	if v, ok := p.(OnEntryUpdated); ok {
		r.onEntryUpdated = append(r.onEntryUpdated, v)
	}
	if v, ok := p.(OnEntryVoided); ok {
		r.onEntryVoided = append(r.onEntryVoided, v)
	}
	if v, ok := p.(OnExportDiscrepancy); ok {
		r.onExportDiscrepancy = append(r.onExportDiscrepancy, v)
	}
	if v, ok := p.(OnInsufficientFunds); ok {
		r.onInsufficientFunds = append(r.onInsufficientFunds, v)
	}
	if v, ok := p.(OnChargeCompensated); ok {
		r.onChargeCompensated = append(r.onChargeCompensated, v)
	}
	if v, ok := p.(OnFundsReserved); ok {
		r.onFundsReserved = append(r.onFundsReserved, v)
	}
	if v, ok := p.(OnReservationSettled); ok {
		r.onReservationSettled = append(r.onReservationSettled, v)
	}
	if v, ok := p.(OnReservationClamped); ok {
		r.onReservationClamped = append(r.onReservationClamped, v)
	}
	if v, ok := p.(OnTaskCompleted); ok {
		r.onTaskCompleted = append(r.onTaskCompleted, v)
	}
	if v, ok := p.(OnTaskFailed); ok {
		r.onTaskFailed = append(r.onTaskFailed, v)
	}
	if v, ok := p.(OnIdempotentReplay); ok {
		r.onIdempotentReplay = append(r.onIdempotentReplay, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnEntryCreated", reflect.TypeFor[OnEntryCreated]()},
	{"OnEntryUpdated", reflect.TypeFor[OnEntryUpdated]()},
	{"OnEntryVoided", reflect.TypeFor[OnEntryVoided]()},
	{"OnExportDiscrepancy", reflect.TypeFor[OnExportDiscrepancy]()},
	{"OnInsufficientFunds", reflect.TypeFor[OnInsufficientFunds]()},
	{"OnChargeCompensated", reflect.TypeFor[OnChargeCompensated]()},
	{"OnFundsReserved", reflect.TypeFor[OnFundsReserved]()},
	{"OnReservationSettled", reflect.TypeFor[OnReservationSettled]()},
	{"OnReservationClamped", reflect.TypeFor[OnReservationClamped]()},
	{"OnTaskCompleted", reflect.TypeFor[OnTaskCompleted]()},
	{"OnTaskFailed", reflect.TypeFor[OnTaskFailed]()},
	{"OnIdempotentReplay", reflect.TypeFor[OnIdempotentReplay]()},
}

// implementedInterfaces returns the hook names a plugin implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs call for every hook in list, logging failures. Hook errors never
// propagate to the caller.
func emit[H Plugin](ctx context.Context, r *Registry, hook string, list func(*Registry) []H, call func(H) error) {
	if r == nil {
		return
	}
	r.mu.RLock()
	hooks := list(r)
	r.mu.RUnlock()

	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitEntryCreated emits an entry created event.
func (r *Registry) EmitEntryCreated(ctx context.Context, e *entry.Entry, txn *credit.Transaction) {
	emit(ctx, r, "OnEntryCreated", func(r *Registry) []OnEntryCreated { return r.onEntryCreated },
		func(p OnEntryCreated) error { return p.OnEntryCreated(ctx, e, txn) })
}

// EmitEntryUpdated emits an entry updated event.
func (r *Registry) EmitEntryUpdated(ctx context.Context, e *entry.Entry, previous entry.VersionRecord) {
	emit(ctx, r, "OnEntryUpdated", func(r *Registry) []OnEntryUpdated { return r.onEntryUpdated },
		func(p OnEntryUpdated) error { return p.OnEntryUpdated(ctx, e, previous) })
}

// EmitEntryVoided emits an entry voided event.
func (r *Registry) EmitEntryVoided(ctx context.Context, e, reversal *entry.Entry) {
	emit(ctx, r, "OnEntryVoided", func(r *Registry) []OnEntryVoided { return r.onEntryVoided },
		func(p OnEntryVoided) error { return p.OnEntryVoided(ctx, e, reversal) })
}

// EmitExportDiscrepancy emits an export discrepancy event.
func (r *Registry) EmitExportDiscrepancy(ctx context.Context, entryID id.EntryID, found []entry.Discrepancy) {
	emit(ctx, r, "OnExportDiscrepancy", func(r *Registry) []OnExportDiscrepancy { return r.onExportDiscrepancy },
		func(p OnExportDiscrepancy) error { return p.OnExportDiscrepancy(ctx, entryID, found) })
}

// EmitInsufficientFunds emits an insufficient funds event.
func (r *Registry) EmitInsufficientFunds(ctx context.Context, ownerID string, required, available types.Amount) {
	emit(ctx, r, "OnInsufficientFunds", func(r *Registry) []OnInsufficientFunds { return r.onInsufficientFunds },
		func(p OnInsufficientFunds) error { return p.OnInsufficientFunds(ctx, ownerID, required, available) })
}

// EmitChargeCompensated emits a charge compensated event.
func (r *Registry) EmitChargeCompensated(ctx context.Context, entryID id.EntryID, cause error, compensated bool) {
	emit(ctx, r, "OnChargeCompensated", func(r *Registry) []OnChargeCompensated { return r.onChargeCompensated },
		func(p OnChargeCompensated) error { return p.OnChargeCompensated(ctx, entryID, cause, compensated) })
}

// EmitFundsReserved emits a funds reserved event.
func (r *Registry) EmitFundsReserved(ctx context.Context, a *account.Account, m account.Movement) {
	emit(ctx, r, "OnFundsReserved", func(r *Registry) []OnFundsReserved { return r.onFundsReserved },
		func(p OnFundsReserved) error { return p.OnFundsReserved(ctx, a, m) })
}

// EmitReservationSettled emits a release or rollback event.
func (r *Registry) EmitReservationSettled(ctx context.Context, a *account.Account, m account.Movement) {
	emit(ctx, r, "OnReservationSettled", func(r *Registry) []OnReservationSettled { return r.onReservationSettled },
		func(p OnReservationSettled) error { return p.OnReservationSettled(ctx, a, m) })
}

// EmitReservationClamped emits a reservation clamped event.
func (r *Registry) EmitReservationClamped(ctx context.Context, accountID id.AccountID, m account.Movement) {
	emit(ctx, r, "OnReservationClamped", func(r *Registry) []OnReservationClamped { return r.onReservationClamped },
		func(p OnReservationClamped) error { return p.OnReservationClamped(ctx, accountID, m) })
}

// EmitTaskCompleted emits a task completed event.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task) {
	emit(ctx, r, "OnTaskCompleted", func(r *Registry) []OnTaskCompleted { return r.onTaskCompleted },
		func(p OnTaskCompleted) error { return p.OnTaskCompleted(ctx, t) })
}

// EmitTaskFailed emits a task failed event.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, cause error) {
	emit(ctx, r, "OnTaskFailed", func(r *Registry) []OnTaskFailed { return r.onTaskFailed },
		func(p OnTaskFailed) error { return p.OnTaskFailed(ctx, t, cause) })
}

// EmitIdempotentReplay emits an idempotent replay event.
func (r *Registry) EmitIdempotentReplay(ctx context.Context, key string) {
	emit(ctx, r, "OnIdempotentReplay", func(r *Registry) []OnIdempotentReplay { return r.onIdempotentReplay },
		func(p OnIdempotentReplay) error { return p.OnIdempotentReplay(ctx, key) })
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the commit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
