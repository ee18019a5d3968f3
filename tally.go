package tally

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/idempotency"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/policy"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Tally is the main engine. It wires the commit coordinator, mutation log,
// reservation manager, completion queue and idempotency guard over one store
// and runs the background workers.
type Tally struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   func() time.Time
	config  Config

	costPolicy policy.CostPolicy
	confirmer  Confirmer
	records    idempotency.Store
	locker     idempotency.Locker

	coordinator  *Coordinator
	mutations    *MutationLog
	reservations *ReservationManager
	queue        *Queue
	guard        *IdempotencyGuard

	// Background workers
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Tally instance.
func New(s store.Store, opts ...Option) *Tally {
	t := &Tally{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		clock:   time.Now,
		config:  DefaultConfig(),
		records: s,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.config = t.config.normalize()
	if t.costPolicy == nil {
		q := policy.NewMonthlyQuota(s, nil)
		q.Now = t.clock
		t.costPolicy = q
	}

	deps := Deps{Logger: t.logger, Clock: t.clock, Plugins: t.plugins}
	t.coordinator = NewCoordinator(s, t.costPolicy, deps)
	t.mutations = NewMutationLog(s, deps)
	t.reservations = NewReservationManager(s, deps, t.config.SettleRetries)
	t.queue = NewQueue(s, t.reservations, t.mutations, t.confirmer, t.config, deps)
	t.guard = NewIdempotencyGuard(t.records, t.locker, t.config.IdempotencyTTL, t.config.IdempotencyLockTTL, deps)

	return t
}

// Option configures a Tally instance.
type Option func(*Tally)

// WithConfig sets engine tuning. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(t *Tally) { t.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tally) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tally) { t.clock = now }
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Tally) {
		_ = t.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithCostPolicy replaces the default monthly quota policy.
func WithCostPolicy(p policy.CostPolicy) Option {
	return func(t *Tally) { t.costPolicy = p }
}

// WithConfirmer sets the external confirmation check run by the queue.
func WithConfirmer(c Confirmer) Option {
	return func(t *Tally) { t.confirmer = c }
}

// WithIdempotencyStore keeps idempotency records outside the main store.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(t *Tally) { t.records = s }
}

// WithLocker sets the lock that serializes requests sharing a key.
func WithLocker(l idempotency.Locker) Option {
	return func(t *Tally) { t.locker = l }
}

// Start migrates the store and begins background workers. The workers run
// until Stop is called, independent of ctx.
func (t *Tally) Start(ctx context.Context) error {
	if !t.config.DisableMigrate {
		if err := t.store.Migrate(ctx); err != nil {
			return err
		}
	}

	t.plugins.EmitInit(ctx, t)

	if t.config.DisableWorkers {
		t.logger.Info("tally started without workers")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	t.wg.Add(2)
	go t.queueWorker(runCtx)
	go t.maintenanceWorker(runCtx)

	t.logger.Info("tally started",
		"poll_interval", t.config.PollInterval,
		"retry_backoff", t.config.RetryBackoff,
		"max_attempts", t.config.MaxAttempts,
		"workers", t.config.Workers,
	)

	return nil
}

// Stop shuts down the workers and closes the store.
func (t *Tally) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()

		ctx := context.Background()
		t.plugins.EmitShutdown(ctx)

		err = t.store.Close()
		t.logger.Info("tally stopped")
	})
	return err
}

func (t *Tally) queueWorker(ctx context.Context) {
	defer t.wg.Done()
	_ = t.queue.Run(ctx) //nolint:errcheck // returns ctx.Err on shutdown
}

func (t *Tally) maintenanceWorker(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Maintain(ctx)
		}
	}
}

// Maintain purges expired tasks and idempotency records and reports
// unsettled charges.
func (t *Tally) Maintain(ctx context.Context) {
	if n, err := t.queue.Purge(ctx); err != nil {
		t.logger.Warn("purge tasks failed", "error", err)
	} else if n > 0 {
		t.logger.Info("tasks purged", "count", n)
	}

	if n, err := t.guard.Prune(ctx); err != nil {
		t.logger.Warn("prune idempotency records failed", "error", err)
	} else if n > 0 {
		t.logger.Info("idempotency records pruned", "count", n)
	}

	if pending, err := t.UnsettledCharges(ctx, 100); err != nil {
		t.logger.Warn("list unsettled charges failed", "error", err)
	} else if len(pending) > 0 {
		t.logger.Warn("unsettled charges", "count", len(pending))
	}
}

// ──────────────────────────────────────────────────
// Entries
// ──────────────────────────────────────────────────

// CreateEntry commits an entry and the charge its cost policy requires.
func (t *Tally) CreateEntry(ctx context.Context, req CreateEntryRequest) (*CreateEntryResult, error) {
	return t.coordinator.CreateEntry(ctx, req)
}

// UpdateEntry edits an active entry in place.
func (t *Tally) UpdateEntry(ctx context.Context, entryID id.EntryID, ownerID string, p entry.Patch) (*UpdateResult, error) {
	return t.mutations.Update(ctx, entryID, ownerID, p)
}

// DeleteEntry voids an entry. Repeating it is a no-op that succeeds.
func (t *Tally) DeleteEntry(ctx context.Context, entryID id.EntryID, ownerID string) (*DeleteResult, error) {
	return t.mutations.Delete(ctx, entryID, ownerID)
}

// CheckExportDiscrepancy reports exports taken before the latest edit.
func (t *Tally) CheckExportDiscrepancy(ctx context.Context, entryID id.EntryID) ([]entry.Discrepancy, error) {
	return t.mutations.CheckExportDiscrepancy(ctx, entryID)
}

// RecordExport notes that an entry was included in a report.
func (t *Tally) RecordExport(ctx context.Context, entryID id.EntryID, reportID string) (*entry.Entry, error) {
	return t.mutations.RecordExport(ctx, entryID, reportID)
}

// Entry returns an entry by ID.
func (t *Tally) Entry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	e, err := t.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, t.mutations.notFound(entryID, err)
	}
	return e, nil
}

// ListEntries lists an owner's entries. Hidden reversals and voided entries
// are excluded unless opts asks for them.
func (t *Tally) ListEntries(ctx context.Context, ownerID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	return t.store.ListEntries(ctx, ownerID, opts)
}

// EntryHistory returns the pre-edit snapshots of an entry.
func (t *Tally) EntryHistory(ctx context.Context, entryID id.EntryID) ([]entry.VersionRecord, error) {
	return t.mutations.History(ctx, entryID)
}

// ──────────────────────────────────────────────────
// Reservations and deferred completion
// ──────────────────────────────────────────────────

// Reserve holds amount on an account.
func (t *Tally) Reserve(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	return t.reservations.Reserve(ctx, accountID, amount, reference)
}

// Release turns a reservation into a permanent debit.
func (t *Tally) Release(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	return t.reservations.Release(ctx, accountID, amount, reference)
}

// Rollback returns a reservation to the balance.
func (t *Tally) Rollback(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	return t.reservations.Rollback(ctx, accountID, amount, reference)
}

// Reconcile checks an account's reserved total against its history.
func (t *Tally) Reconcile(ctx context.Context, accountID id.AccountID) (*ReconcileReport, error) {
	return t.reservations.Reconcile(ctx, accountID)
}

// Enqueue persists a deferred completion task.
func (t *Tally) Enqueue(ctx context.Context, p task.Payload) (*task.Task, error) {
	return t.queue.Enqueue(ctx, p)
}

// Task returns a deferred task by ID.
func (t *Tally) Task(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return t.queue.Task(ctx, taskID)
}

// Tasks lists deferred tasks.
func (t *Tally) Tasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	return t.queue.Tasks(ctx, opts)
}

// ──────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────

// ExecuteIdempotent runs op at most once per request key.
func (t *Tally) ExecuteIdempotent(ctx context.Context, req IdempotentRequest, op Operation) (json.RawMessage, bool, error) {
	return t.guard.Execute(ctx, req, op)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Store returns the underlying store.
func (t *Tally) Store() store.Store { return t.store }

// Plugins returns the plugin registry.
func (t *Tally) Plugins() *plugin.Registry { return t.plugins }

// Config returns the normalized configuration.
func (t *Tally) Config() Config { return t.config }

// Coordinator returns the commit coordinator.
func (t *Tally) Coordinator() *Coordinator { return t.coordinator }

// Mutations returns the mutation log.
func (t *Tally) Mutations() *MutationLog { return t.mutations }

// Reservations returns the reservation manager.
func (t *Tally) Reservations() *ReservationManager { return t.reservations }

// Queue returns the deferred completion queue.
func (t *Tally) Queue() *Queue { return t.queue }

// Guard returns the idempotency guard.
func (t *Tally) Guard() *IdempotencyGuard { return t.guard }
