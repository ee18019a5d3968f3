package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// PurchaseRequest is a purchase whose outcome an external provider confirms
// later. Fields describes the expense entry; its Amount defaults to Amount.
type PurchaseRequest struct {
	OwnerID   string            `json:"owner_id"`
	Amount    types.Amount      `json:"amount"`
	Fields    entry.Fields      `json:"fields"`
	Reference string            `json:"reference,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PurchaseResult describes the reservation and the task that will settle it.
type PurchaseResult struct {
	EntryID   id.EntryID   `json:"entry_id"`
	TaskID    id.TaskID    `json:"task_id"`
	AccountID id.AccountID `json:"account_id"`
	Reserved  types.Amount `json:"reserved"`
	Balance   types.Amount `json:"balance"`
}

// Purchase reserves the amount, writes an expense entry with a pending
// charge and enqueues the task that releases the reservation once the
// purchase is confirmed. Exhausted tasks roll the reservation back and void
// the entry.
func (t *Tally) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ValidationError{Field: "owner_id", Message: "is required"}
	}
	if !req.Amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be a positive amount"}
	}
	f := req.Fields
	if f.Amount.IsZero() {
		f.Amount = req.Amount
	}
	if err := validateEntryInput(req.OwnerID, entry.KindExpense, f); err != nil {
		return nil, err
	}

	acct, err := t.store.GetAccountByOwner(ctx, req.OwnerID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		t.plugins.EmitInsufficientFunds(ctx, req.OwnerID, req.Amount, types.Zero)
		return nil, NewInsufficientFundsError(id.Nil, req.Amount, types.Zero)
	case err != nil:
		return nil, fmt.Errorf("tally: read account: %w", err)
	}

	now := t.now()
	e := entry.New(req.OwnerID, entry.KindExpense, f, now)
	attempted := e.CreatedAt
	e.Charge = entry.ChargeState{Required: true, Amount: req.Amount, AttemptedAt: &attempted}

	tk := task.New(task.Payload{
		AccountID: acct.ID,
		OwnerID:   req.OwnerID,
		Amount:    req.Amount,
		EntryID:   e.ID,
		Reference: req.Reference,
		Metadata:  req.Metadata,
	}, t.config.MaxAttempts, now)

	after, err := t.reservations.Reserve(ctx, acct.ID, req.Amount, tk.ID.String())
	if err != nil {
		return nil, err
	}

	plan := &compensation{}
	plan.add("rollback reservation", func(ctx context.Context) error {
		_, err := t.reservations.Rollback(ctx, acct.ID, req.Amount, tk.ID.String())
		return err
	})

	fail := func(stage string, cause error) error {
		t.logger.Warn("purchase failed, compensating",
			"stage", stage,
			"owner_id", req.OwnerID,
			"entry_id", e.ID,
			"task_id", tk.ID,
			"steps", strings.Join(plan.names(), ","),
			"error", cause,
		)
		cerr := &CommitError{
			Stage:       stage,
			OwnerID:     req.OwnerID,
			EntryID:     e.ID,
			AccountID:   acct.ID,
			Compensated: true,
			Err:         cause,
		}
		if err := plan.run(ctx); err != nil {
			t.logger.Error("purchase compensation failed", "entry_id", e.ID, "task_id", tk.ID, "error", err)
			cerr.Compensated = false
			cerr.Err = errors.Join(cause, err)
		}
		return cerr
	}

	if err := t.store.CreateEntry(ctx, e); err != nil {
		return nil, fail("create entry", err)
	}
	plan.add("delete entry", func(ctx context.Context) error {
		if err := t.store.DeleteEntry(ctx, e.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		return nil
	})

	if err := t.queue.enqueue(ctx, tk); err != nil {
		return nil, fail("enqueue task", err)
	}

	t.logger.Info("purchase reserved",
		"owner_id", req.OwnerID,
		"entry_id", e.ID,
		"task_id", tk.ID,
		"amount", req.Amount,
		"balance", after.Balance,
	)
	t.plugins.EmitEntryCreated(ctx, e, nil)

	return &PurchaseResult{
		EntryID:   e.ID,
		TaskID:    tk.ID,
		AccountID: acct.ID,
		Reserved:  after.Reserved,
		Balance:   after.Balance,
	}, nil
}
