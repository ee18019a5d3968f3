package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/task"
)

// Confirmer asks the external provider whether a deferred operation went
// through. Returning an error counts as a failed attempt.
type Confirmer interface {
	Confirm(ctx context.Context, t *task.Task) error
}

// ConfirmerFunc adapts a plain function to Confirmer.
type ConfirmerFunc func(ctx context.Context, t *task.Task) error

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, t *task.Task) error { return f(ctx, t) }

// QueueStore is the storage the Queue works through.
type QueueStore interface {
	task.Store
	entry.Store
}

// Queue is a durable visibility-timeout queue of deferred completion tasks.
// Claiming a task counts an attempt and hides it for Config.RetryBackoff,
// so tasks abandoned by a crashed worker are retried without a separate
// recovery pass.
type Queue struct {
	store        QueueStore
	reservations *ReservationManager
	mutations    *MutationLog
	confirmer    Confirmer
	config       Config
	deps         Deps

	notify chan struct{}
}

// NewQueue returns a Queue. A nil confirmer treats every task as confirmed.
func NewQueue(s QueueStore, reservations *ReservationManager, mutations *MutationLog, confirmer Confirmer, cfg Config, deps Deps) *Queue {
	return &Queue{
		store:        s,
		reservations: reservations,
		mutations:    mutations,
		confirmer:    confirmer,
		config:       cfg.normalize(),
		deps:         deps.normalize(),
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue persists a pending task for p and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, p task.Payload) (*task.Task, error) {
	t := task.New(p, q.config.MaxAttempts, q.deps.now())
	if err := q.enqueue(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *Queue) enqueue(ctx context.Context, t *task.Task) error {
	if t.Payload.AccountID.IsNil() {
		return ValidationError{Field: "account_id", Message: "is required"}
	}
	if !t.Payload.Amount.IsPositive() {
		return ValidationError{Field: "amount", Message: "must be a positive amount"}
	}
	if err := q.store.EnqueueTask(ctx, t); err != nil {
		return fmt.Errorf("tally: enqueue task: %w", err)
	}

	q.deps.Logger.Info("task enqueued",
		"task_id", t.ID,
		"account_id", t.Payload.AccountID,
		"amount", t.Payload.Amount,
		"max_attempts", t.MaxAttempts,
	)
	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Task returns a task by ID.
func (q *Queue) Task(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, &NotFoundError{Resource: "task", ID: taskID.String(), Err: err}
		}
		return nil, err
	}
	return t, nil
}

// Tasks lists tasks.
func (q *Queue) Tasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	return q.store.ListTasks(ctx, opts)
}

// Run processes tasks until ctx is done. It polls every
// Config.PollInterval and immediately after an Enqueue.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		q.drain(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.notify:
		}
	}
}

// drain keeps claiming while full batches come back.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := q.RunOnce(ctx)
		if err != nil {
			q.deps.Logger.Error("claim tasks failed", "error", err)
			return
		}
		if n < q.config.BatchSize {
			return
		}
	}
}

// RunOnce claims one batch of due tasks and processes it on up to
// Config.Workers goroutines. It returns the number of tasks claimed.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	claimed, err := q.store.ClaimTasks(ctx, q.deps.now(), q.config.RetryBackoff, q.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.config.Workers)
	for _, t := range claimed {
		g.Go(func() error {
			q.process(gctx, t)
			return nil
		})
	}
	return len(claimed), g.Wait()
}

// process runs one claimed attempt. Success completes the task; a failure
// leaves it pending until its visibility window passes, or fails it when
// the attempt budget is spent. A reservation already released is never
// rolled back: the task only finishes its bookkeeping.
func (q *Queue) process(ctx context.Context, t *task.Task) {
	settled, err := q.reservations.Settlement(ctx, t.Payload.AccountID, t.ID.String())
	if err != nil && !IsNotFound(err) {
		q.retryLater(ctx, t, fmt.Errorf("read reservation: %w", err))
		return
	}

	switch {
	case settled == account.MovementRelease:
		if err := q.finish(ctx, t); err != nil {
			q.retryLater(ctx, t, err)
		}
		return
	case settled == account.MovementRollback, t.Overdue():
		q.fail(ctx, t, q.lastCause(t))
		return
	}

	err = q.complete(ctx, t)
	if err == nil {
		return
	}
	if !t.Exhausted() {
		q.retryLater(ctx, t, err)
		return
	}
	q.fail(ctx, t, err)
}

func (q *Queue) retryLater(ctx context.Context, t *task.Task, err error) {
	q.deps.Logger.Warn("task attempt failed",
		"task_id", t.ID,
		"attempt", t.Attempts,
		"max_attempts", t.MaxAttempts,
		"error", err,
	)
	if rerr := q.store.RecordTaskError(ctx, t.ID, err.Error()); rerr != nil {
		q.deps.Logger.Error("record task error failed", "task_id", t.ID, "error", rerr)
	}
}

func (q *Queue) lastCause(t *task.Task) error {
	if t.LastError != "" {
		return errors.New(t.LastError)
	}
	return ErrTaskExhausted
}

// complete confirms the task, releases the reservation and finishes the
// bookkeeping. Every step is safe to repeat.
func (q *Queue) complete(ctx context.Context, t *task.Task) error {
	if q.confirmer != nil {
		if err := q.confirmer.Confirm(ctx, t); err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
	}

	p := t.Payload
	if _, err := q.reservations.Release(ctx, p.AccountID, p.Amount, t.ID.String()); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return q.finish(ctx, t)
}

// finish marks the pending entry's charge and the task completed once the
// reservation is released.
func (q *Queue) finish(ctx context.Context, t *task.Task) error {
	p := t.Payload
	now := q.deps.now()
	if !p.EntryID.IsNil() {
		if err := q.store.CompleteCharge(ctx, p.EntryID, id.Nil, now); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return fmt.Errorf("complete charge: %w", err)
		}
	}

	if err := q.store.CompleteTask(ctx, t.ID, now); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("complete task: %w", err)
	}

	at := now
	t.Status = task.StatusCompleted
	t.CompletedAt = &at

	q.deps.Logger.Info("task completed",
		"task_id", t.ID,
		"account_id", p.AccountID,
		"amount", p.Amount,
		"attempts", t.Attempts,
	)
	q.deps.Plugins.EmitTaskCompleted(ctx, t)
	return nil
}

// fail returns the reservation, voids the pending entry and marks the task
// failed. If the rollback itself fails the task stays pending and the next
// claim resumes here without asking the provider again.
func (q *Queue) fail(ctx context.Context, t *task.Task, cause error) {
	p := t.Payload
	a, err := q.reservations.Rollback(ctx, p.AccountID, p.Amount, t.ID.String())
	switch {
	case err != nil && !IsNotFound(err):
		q.deps.Logger.Error("task rollback failed",
			"task_id", t.ID,
			"account_id", p.AccountID,
			"amount", p.Amount,
			"error", err,
		)
		if rerr := q.store.RecordTaskError(ctx, t.ID, cause.Error()); rerr != nil {
			q.deps.Logger.Error("record task error failed", "task_id", t.ID, "error", rerr)
		}
		return
	case a != nil && a.Settlement(t.ID.String()) == account.MovementRelease:
		if err := q.finish(ctx, t); err != nil {
			q.retryLater(ctx, t, err)
		}
		return
	}

	if !p.EntryID.IsNil() && p.OwnerID != "" {
		if _, err := q.mutations.Delete(ctx, p.EntryID, p.OwnerID); err != nil && !IsNotFound(err) {
			q.deps.Logger.Error("void pending entry failed",
				"task_id", t.ID,
				"entry_id", p.EntryID,
				"error", err,
			)
		}
	}

	now := q.deps.now()
	if err := q.store.FailTask(ctx, t.ID, cause.Error(), now); err != nil && !errors.Is(err, ErrInvalidTransition) {
		q.deps.Logger.Error("fail task failed", "task_id", t.ID, "error", err)
		return
	}

	at := now
	t.Status = task.StatusFailed
	t.FailedAt = &at
	t.LastError = cause.Error()

	terminal := &TerminalTaskFailure{TaskID: t.ID, Attempts: t.ProviderAttempts(), LastError: cause.Error()}
	q.deps.Logger.Error("task failed",
		"task_id", t.ID,
		"account_id", p.AccountID,
		"amount", p.Amount,
		"attempts", terminal.Attempts,
		"error", cause,
	)
	q.deps.Plugins.EmitTaskFailed(ctx, t, terminal)
}

// Purge deletes terminal tasks older than Config.TaskRetention.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	return q.store.PurgeTasks(ctx, q.deps.now().Add(-q.config.TaskRetention))
}
