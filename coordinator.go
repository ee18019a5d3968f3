package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/policy"
	"github.com/xraph/tally/types"
)

// CommitStore is the storage the Coordinator writes through.
type CommitStore interface {
	entry.Store
	account.Store
	credit.Store
}

// CreateEntryRequest describes an owner-submitted entry.
type CreateEntryRequest struct {
	OwnerID string       `json:"owner_id"`
	Kind    entry.Kind   `json:"kind"`
	Fields  entry.Fields `json:"fields"`
}

// CreateEntryResult is returned once the entry and its charge committed.
// NewBalance is only meaningful when Charged is true.
type CreateEntryResult struct {
	EntryID       id.EntryID             `json:"entry_id"`
	Charged       bool                   `json:"charged"`
	ChargeAmount  types.Amount           `json:"charge_amount"`
	NewBalance    types.Amount           `json:"new_balance"`
	TransactionID id.CreditTransactionID `json:"transaction_id,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// Coordinator creates ledger entries together with the balance debit their
// cost policy requires, undoing partial effects when a later step fails.
type Coordinator struct {
	store  CommitStore
	policy policy.CostPolicy
	deps   Deps
}

// NewCoordinator returns a Coordinator. A nil policy never charges.
func NewCoordinator(s CommitStore, p policy.CostPolicy, deps Deps) *Coordinator {
	if p == nil {
		p = policy.Free()
	}
	return &Coordinator{store: s, policy: p, deps: deps.normalize()}
}

// CreateEntry validates the request, evaluates the cost policy and commits
// the entry and its charge. On a mid-pipeline failure it returns a
// *CommitError after compensating.
func (c *Coordinator) CreateEntry(ctx context.Context, req CreateEntryRequest) (*CreateEntryResult, error) {
	if err := validateEntryInput(req.OwnerID, req.Kind, req.Fields); err != nil {
		return nil, err
	}

	decision, err := c.policy.Evaluate(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("tally: evaluate cost policy: %w", err)
	}
	required := decision.Required && decision.Amount.IsPositive()

	var acct *account.Account
	if required {
		acct, err = c.store.GetAccountByOwner(ctx, req.OwnerID)
		switch {
		case errors.Is(err, ErrAccountNotFound):
			return nil, c.insufficient(ctx, req.OwnerID, id.Nil, decision.Amount, types.Zero)
		case err != nil:
			return nil, fmt.Errorf("tally: read account: %w", err)
		}
		if acct.Balance.LessThan(decision.Amount) {
			return nil, c.insufficient(ctx, req.OwnerID, acct.ID, decision.Amount, acct.Balance)
		}
	}

	now := c.deps.now()
	e := entry.New(req.OwnerID, req.Kind, req.Fields, now)
	if required {
		attempted := e.CreatedAt
		e.Charge = entry.ChargeState{Required: true, Amount: decision.Amount, AttemptedAt: &attempted}
	}

	if err := c.store.CreateEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("tally: create entry: %w", err)
	}

	if !required {
		c.deps.Logger.Info("entry created",
			"entry_id", e.ID,
			"owner_id", e.OwnerID,
			"kind", e.Kind,
			"reason", decision.Reason,
		)
		c.deps.Plugins.EmitEntryCreated(ctx, e, nil)
		return &CreateEntryResult{EntryID: e.ID, ChargeAmount: types.Zero, Reason: decision.Reason}, nil
	}

	return c.charge(ctx, e, acct, decision)
}

// charge runs the debit, audit and completion steps for an inserted entry.
func (c *Coordinator) charge(ctx context.Context, e *entry.Entry, acct *account.Account, decision policy.Decision) (*CreateEntryResult, error) {
	amount := decision.Amount
	plan := &compensation{}
	plan.add("delete entry", func(ctx context.Context) error {
		if err := c.store.DeleteEntry(ctx, e.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		return nil
	})

	after, err := c.store.DebitAccount(ctx, acct.ID, amount)
	if errors.Is(err, ErrInsufficientFunds) {
		// The balance moved between the read and the conditional debit.
		available := types.Zero
		if cur, gerr := c.store.GetAccount(ctx, acct.ID); gerr == nil {
			available = cur.Balance
		}
		insufficient := c.insufficient(ctx, e.OwnerID, acct.ID, amount, available)
		if cerr := plan.run(ctx); cerr != nil {
			return nil, c.compensationFailed(ctx, "debit", e, acct.ID, id.Nil, insufficient, cerr, plan)
		}
		return nil, insufficient
	}
	if err != nil {
		return nil, c.abort(ctx, plan, "debit", e, acct.ID, id.Nil, err)
	}
	plan.add("credit back", func(ctx context.Context) error {
		_, err := c.store.CreditAccount(ctx, acct.ID, amount)
		return err
	})

	now := c.deps.now()
	txn := &credit.Transaction{
		ID:             id.NewCreditTransactionID(),
		AccountID:      acct.ID,
		OwnerID:        e.OwnerID,
		Direction:      credit.DirectionDebit,
		Amount:         amount,
		BalanceBefore:  after.Balance.Add(amount),
		BalanceAfter:   after.Balance,
		Status:         credit.StatusCompleted,
		RelatedEntryID: e.ID,
		Operation:      "entry_charge",
		Description:    fmt.Sprintf("Charge for %s entry", e.Kind),
		Metadata: map[string]string{
			"entry_id":   e.ID.String(),
			"entry_kind": string(e.Kind),
			"reason":     decision.Reason,
		},
		CreatedAt: now,
	}

	// Registered before the write: a failed insert may still have landed.
	plan.add("reverse transaction", func(ctx context.Context) error {
		err := c.store.ReverseTransaction(ctx, txn.ID, "commit compensation", c.deps.now())
		if errors.Is(err, ErrTransactionNotFound) {
			return nil
		}
		return err
	})
	if err := c.store.CreateTransaction(ctx, txn); err != nil {
		return nil, c.abort(ctx, plan, "record transaction", e, acct.ID, txn.ID, err)
	}

	if err := c.store.CompleteCharge(ctx, e.ID, txn.ID, now); err != nil {
		return nil, c.abort(ctx, plan, "complete charge", e, acct.ID, txn.ID, err)
	}

	completed := now
	e.Charge.Completed = true
	e.Charge.CompletedAt = &completed
	e.Charge.TransactionID = txn.ID

	c.deps.Logger.Info("entry created",
		"entry_id", e.ID,
		"owner_id", e.OwnerID,
		"kind", e.Kind,
		"charge", amount,
		"balance", after.Balance,
		"transaction_id", txn.ID,
	)
	c.deps.Plugins.EmitEntryCreated(ctx, e, txn)

	return &CreateEntryResult{
		EntryID:       e.ID,
		Charged:       true,
		ChargeAmount:  amount,
		NewBalance:    after.Balance,
		TransactionID: txn.ID,
		Reason:        decision.Reason,
	}, nil
}

func (c *Coordinator) insufficient(ctx context.Context, ownerID string, accountID id.AccountID, required, available types.Amount) error {
	err := NewInsufficientFundsError(accountID, required, available)
	c.deps.Logger.Info("insufficient funds",
		"owner_id", ownerID,
		"account_id", accountID,
		"required", required,
		"available", available,
		"shortfall", err.Shortfall,
	)
	c.deps.Plugins.EmitInsufficientFunds(ctx, ownerID, required, available)
	return err
}

// abort compensates a failed stage and returns the resulting CommitError.
func (c *Coordinator) abort(ctx context.Context, plan *compensation, stage string, e *entry.Entry, accountID id.AccountID, txnID id.CreditTransactionID, cause error) error {
	c.deps.Logger.Warn("commit failed, compensating",
		"stage", stage,
		"entry_id", e.ID,
		"owner_id", e.OwnerID,
		"account_id", accountID,
		"steps", strings.Join(plan.names(), ","),
		"error", cause,
	)

	if err := plan.run(ctx); err != nil {
		return c.compensationFailed(ctx, stage, e, accountID, txnID, cause, err, plan)
	}

	c.deps.Plugins.EmitChargeCompensated(ctx, e.ID, cause, true)
	return &CommitError{
		Stage:         stage,
		OwnerID:       e.OwnerID,
		EntryID:       e.ID,
		AccountID:     accountID,
		TransactionID: txnID,
		Compensated:   true,
		Err:           cause,
	}
}

// compensationFailed flags the entry for manual reconciliation.
func (c *Coordinator) compensationFailed(ctx context.Context, stage string, e *entry.Entry, accountID id.AccountID, txnID id.CreditTransactionID, cause, compErr error, plan *compensation) error {
	c.deps.Logger.Error("compensation failed",
		"stage", stage,
		"entry_id", e.ID,
		"owner_id", e.OwnerID,
		"account_id", accountID,
		"transaction_id", txnID,
		"steps", strings.Join(plan.names(), ","),
		"cause", cause,
		"error", compErr,
	)

	reason := fmt.Sprintf("compensation failed at %s: %v", stage, compErr)
	if err := c.store.FlagEntry(context.WithoutCancel(ctx), e.ID, reason, c.deps.now()); err != nil && !errors.Is(err, ErrEntryNotFound) {
		c.deps.Logger.Error("flag entry failed", "entry_id", e.ID, "error", err)
	}

	c.deps.Plugins.EmitChargeCompensated(ctx, e.ID, cause, false)
	return &CommitError{
		Stage:         stage,
		OwnerID:       e.OwnerID,
		EntryID:       e.ID,
		AccountID:     accountID,
		TransactionID: txnID,
		Compensated:   false,
		Err:           errors.Join(cause, compErr),
	}
}
