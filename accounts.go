package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// OpenAccount creates the owner's balance account. A positive initial
// balance is recorded as a credit transaction.
func (t *Tally) OpenAccount(ctx context.Context, ownerID string, initial types.Amount) (*account.Account, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ValidationError{Field: "owner_id", Message: "is required"}
	}
	if initial.IsNegative() {
		return nil, ValidationError{Field: "initial", Message: "must not be negative"}
	}

	now := t.now()
	a := account.New(ownerID, initial, now)
	if err := t.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("tally: create account: %w", err)
	}

	if initial.IsPositive() {
		txn := &credit.Transaction{
			ID:            id.NewCreditTransactionID(),
			AccountID:     a.ID,
			OwnerID:       ownerID,
			Direction:     credit.DirectionCredit,
			Amount:        initial,
			BalanceBefore: types.Zero,
			BalanceAfter:  initial,
			Status:        credit.StatusCompleted,
			Operation:     "account_open",
			Description:   "Opening balance",
			CreatedAt:     now,
		}
		if err := t.store.CreateTransaction(ctx, txn); err != nil {
			t.logger.Error("opening balance not recorded", "account_id", a.ID, "error", err)
		}
	}

	t.logger.Info("account opened", "account_id", a.ID, "owner_id", ownerID, "balance", initial)
	return a, nil
}

// Account returns an account by ID.
func (t *Tally) Account(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	a, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, &NotFoundError{Resource: "account", ID: accountID.String(), Err: err}
		}
		return nil, err
	}
	return a, nil
}

// AccountByOwner returns the account owned by ownerID.
func (t *Tally) AccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	a, err := t.store.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, &NotFoundError{Resource: "account", ID: ownerID, Err: err}
		}
		return nil, err
	}
	return a, nil
}

// TopUp credits amount to an account and records the credit transaction.
// If the transaction cannot be written the credit is taken back.
func (t *Tally) TopUp(ctx context.Context, accountID id.AccountID, amount types.Amount, description string) (*credit.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be a positive amount"}
	}

	after, err := t.store.CreditAccount(ctx, accountID, amount)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, &NotFoundError{Resource: "account", ID: accountID.String(), Err: err}
		}
		return nil, fmt.Errorf("tally: credit account: %w", err)
	}

	txn := &credit.Transaction{
		ID:            id.NewCreditTransactionID(),
		AccountID:     accountID,
		OwnerID:       after.OwnerID,
		Direction:     credit.DirectionCredit,
		Amount:        amount,
		BalanceBefore: after.Balance.Sub(amount),
		BalanceAfter:  after.Balance,
		Status:        credit.StatusCompleted,
		Operation:     "top_up",
		Description:   description,
		CreatedAt:     t.now(),
	}
	if err := t.store.CreateTransaction(ctx, txn); err != nil {
		cerr := &CommitError{
			Stage:         "record transaction",
			OwnerID:       after.OwnerID,
			AccountID:     accountID,
			TransactionID: txn.ID,
			Compensated:   true,
			Err:           err,
		}
		if _, derr := t.store.DebitAccount(context.WithoutCancel(ctx), accountID, amount); derr != nil {
			cerr.Compensated = false
			cerr.Err = errors.Join(err, derr)
			t.logger.Error("top-up compensation failed", "account_id", accountID, "amount", amount, "error", cerr.Err)
		}
		return nil, cerr
	}

	t.logger.Info("account topped up", "account_id", accountID, "amount", amount, "balance", after.Balance)
	return txn, nil
}

// Transactions lists credit transactions.
func (t *Tally) Transactions(ctx context.Context, opts credit.ListOpts) ([]*credit.Transaction, error) {
	return t.store.ListTransactions(ctx, opts)
}

func (t *Tally) now() time.Time { return t.clock().UTC() }
