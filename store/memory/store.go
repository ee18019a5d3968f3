// Package memory provides an in-process store.Store for tests and
// single-node development. Every conditional operation is applied under one
// mutex, which gives it the same match-or-fail semantics as the document
// store's filtered updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/idempotency"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	entries      map[id.EntryID]*entry.Entry
	accounts     map[id.AccountID]*account.Account
	ownerAccount map[string]id.AccountID
	transactions map[id.CreditTransactionID]*credit.Transaction
	tasks        map[id.TaskID]*task.Task
	records      map[string]*idempotency.Record

	closed bool
	now    func() time.Time
}

// Option configures a memory store.
type Option func(*Store)

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[id.EntryID]*entry.Entry),
		accounts:     make(map[id.AccountID]*account.Account),
		ownerAccount: make(map[string]id.AccountID),
		transactions: make(map[id.CreditTransactionID]*credit.Transaction),
		tasks:        make(map[id.TaskID]*task.Task),
		records:      make(map[string]*idempotency.Record),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Entry Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateEntry(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return tally.ErrAlreadyExists
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEntry(_ context.Context, entryID id.EntryID) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[entryID]; ok {
		return e.Clone(), nil
	}
	return nil, tally.ErrEntryNotFound
}

func (s *Store) ListEntries(_ context.Context, ownerID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0)
	for _, e := range s.entries {
		if e.OwnerID == ownerID && opts.Matches(e) {
			result = append(result, e.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.After(result[j].OccurredAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CountEntries(_ context.Context, ownerID string, opts entry.CountOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if e.OwnerID == ownerID && opts.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteEntry(_ context.Context, entryID id.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entryID]; !ok {
		return tally.ErrEntryNotFound
	}
	delete(s.entries, entryID)
	return nil
}

func (s *Store) CompleteCharge(_ context.Context, entryID id.EntryID, txnID id.CreditTransactionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return tally.ErrEntryNotFound
	}
	at = at.UTC()
	e.Charge.Completed = true
	e.Charge.CompletedAt = &at
	e.Charge.TransactionID = txnID
	e.Touch(at)
	return nil
}

func (s *Store) SupersedeEntry(_ context.Context, e *entry.Entry, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[e.ID]
	if !ok || cur.OwnerID != e.OwnerID {
		return tally.ErrEntryNotFound
	}
	if !cur.IsActive() {
		return tally.ErrEntryNotActive
	}
	if cur.Version != expectedVersion {
		return tally.ErrVersionConflict
	}
	if len(e.VersionLog) == 0 {
		return tally.ErrInvalidInput
	}

	cur.Fields = e.Fields
	cur.Version = e.Version
	cur.VersionLog = append(cur.VersionLog, e.VersionLog[len(e.VersionLog)-1])
	cur.UpdatedAt = e.UpdatedAt
	s.entries[e.ID] = cur.Clone()
	return nil
}

func (s *Store) VoidEntry(_ context.Context, entryID id.EntryID, ownerID string, reversalID id.EntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok || e.OwnerID != ownerID {
		return tally.ErrEntryNotFound
	}
	if !e.IsActive() {
		return tally.ErrEntryNotActive
	}
	e.Void(reversalID, at)
	return nil
}

func (s *Store) AppendExport(_ context.Context, entryID id.EntryID, rec entry.ExportRecord) (*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, tally.ErrEntryNotFound
	}
	e.ExportHistory = append(e.ExportHistory, rec)
	return e.Clone(), nil
}

func (s *Store) FlagEntry(_ context.Context, entryID id.EntryID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return tally.ErrEntryNotFound
	}
	at = at.UTC()
	e.Reconciliation = entry.Reconciliation{Flagged: true, Reason: reason, FlaggedAt: &at}
	return nil
}

func (s *Store) ListPendingCharges(_ context.Context, attemptedBefore time.Time, limit int) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entry.Entry, 0)
	for _, e := range s.entries {
		if e.Charge.Pending() && !e.IsVoided() && e.Charge.AttemptedAt.Before(attemptedBefore) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Charge.AttemptedAt.Before(*result[j].Charge.AttemptedAt)
	})
	return paginate(result, 0, limit), nil
}

// ──────────────────────────────────────────────────
// Account Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return tally.ErrAlreadyExists
	}
	if _, exists := s.ownerAccount[a.OwnerID]; exists {
		return tally.ErrAlreadyExists
	}
	s.accounts[a.ID] = a.Clone()
	s.ownerAccount[a.OwnerID] = a.ID
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID]; ok {
		return a.Clone(), nil
	}
	return nil, tally.ErrAccountNotFound
}

func (s *Store) GetAccountByOwner(_ context.Context, ownerID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if accountID, ok := s.ownerAccount[ownerID]; ok {
		return s.accounts[accountID].Clone(), nil
	}
	return nil, tally.ErrAccountNotFound
}

func (s *Store) DebitAccount(_ context.Context, accountID id.AccountID, amount types.Amount) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, tally.ErrAccountNotFound
	}
	if a.Balance.LessThan(amount) {
		return nil, tally.ErrInsufficientFunds
	}
	a.Balance = a.Balance.Sub(amount)
	a.Version++
	a.Touch(s.now())
	return a.Clone(), nil
}

func (s *Store) CreditAccount(_ context.Context, accountID id.AccountID, amount types.Amount) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, tally.ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(amount)
	a.Version++
	a.Touch(s.now())
	return a.Clone(), nil
}

func (s *Store) ReserveFunds(_ context.Context, accountID id.AccountID, amount types.Amount, reference string, at time.Time) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, tally.ErrAccountNotFound
	}
	if a.WasReserved(reference) {
		return nil, tally.ErrAlreadyExists
	}
	if a.Balance.LessThan(amount) {
		return nil, tally.ErrInsufficientFunds
	}
	a.Apply(a.Reserve(amount, reference, at))
	return a.Clone(), nil
}

func (s *Store) SettleReservation(_ context.Context, accountID id.AccountID, kind account.MovementKind, requested types.Amount, reference string, at time.Time) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, tally.ErrAccountNotFound
	}
	_, holding := a.Held(reference)
	if a.HasMovement(kind, reference) || (!holding && a.WasReserved(reference)) {
		return nil, tally.ErrAlreadyExists
	}
	a.Apply(a.Settle(kind, requested, reference, at))
	return a.Clone(), nil
}

// ──────────────────────────────────────────────────
// Credit Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateTransaction(_ context.Context, t *credit.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[t.ID]; exists {
		return tally.ErrAlreadyExists
	}
	c := *t
	s.transactions[t.ID] = &c
	return nil
}

func (s *Store) GetTransaction(_ context.Context, txnID id.CreditTransactionID) (*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.transactions[txnID]; ok {
		c := *t
		return &c, nil
	}
	return nil, tally.ErrTransactionNotFound
}

func (s *Store) ListTransactions(_ context.Context, opts credit.ListOpts) ([]*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*credit.Transaction, 0)
	for _, t := range s.transactions {
		if opts.Matches(t) {
			c := *t
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ReverseTransaction(_ context.Context, txnID id.CreditTransactionID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[txnID]
	if !ok {
		return tally.ErrTransactionNotFound
	}
	if !t.Status.CanTransitionTo(credit.StatusReversed) {
		return tally.ErrInvalidTransition
	}
	at = at.UTC()
	t.Status = credit.StatusReversed
	t.ReversedAt = &at
	t.ReversalReason = reason
	return nil
}

// ──────────────────────────────────────────────────
// Task Store implementation
// ──────────────────────────────────────────────────

func (s *Store) EnqueueTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return tally.ErrAlreadyExists
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tasks[taskID]; ok {
		return t.Clone(), nil
	}
	return nil, tally.ErrTaskNotFound
}

func (s *Store) ListTasks(_ context.Context, opts task.ListOpts) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if opts.Status == "" || t.Status == opts.Status {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ClaimTasks(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if t.Status == task.StatusPending && !t.VisibleAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].VisibleAt.Equal(due[j].VisibleAt) {
			return due[i].VisibleAt.Before(due[j].VisibleAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	due = paginate(due, 0, limit)

	claimed := make([]*task.Task, 0, len(due))
	for _, t := range due {
		t.Claim(now, lease)
		claimed = append(claimed, t.Clone())
	}
	return claimed, nil
}

func (s *Store) RecordTaskError(_ context.Context, taskID id.TaskID, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.pendingTask(taskID)
	if err != nil {
		return err
	}
	t.LastError = lastErr
	return nil
}

func (s *Store) CompleteTask(_ context.Context, taskID id.TaskID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.pendingTask(taskID)
	if err != nil {
		return err
	}
	at = at.UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &at
	t.Touch(at)
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID id.TaskID, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.pendingTask(taskID)
	if err != nil {
		return err
	}
	at = at.UTC()
	t.Status = task.StatusFailed
	t.LastError = lastErr
	t.FailedAt = &at
	t.Touch(at)
	return nil
}

func (s *Store) PurgeTasks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for taskID, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(s.tasks, taskID)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) pendingTask(taskID id.TaskID) (*task.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, tally.ErrTaskNotFound
	}
	if t.Status != task.StatusPending {
		return nil, tally.ErrInvalidTransition
	}
	return t, nil
}

// ──────────────────────────────────────────────────
// Idempotency Store implementation
// ──────────────────────────────────────────────────

func (s *Store) GetRecord(_ context.Context, key string, now time.Time) (*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok || r.Expired(now) {
		return nil, tally.ErrRecordNotFound
	}
	c := *r
	c.Response = append([]byte(nil), r.Response...)
	return &c, nil
}

func (s *Store) SaveRecord(_ context.Context, r *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[r.Key]; ok && !cur.Expired(r.CreatedAt) {
		return tally.ErrAlreadyExists
	}
	c := *r
	c.Response = append([]byte(nil), r.Response...)
	s.records[r.Key] = &c
	return nil
}

func (s *Store) PruneRecords(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for key, r := range s.records {
		if r.ExpiresAt.Before(before) {
			delete(s.records, key)
			pruned++
		}
	}
	return pruned, nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
