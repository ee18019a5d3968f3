package tally

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// ReconcileReport compares an account's reserved total with its holds and
// with a replay of its retained movement history.
type ReconcileReport struct {
	AccountID id.AccountID `json:"account_id"`
	Reserved  types.Amount `json:"reserved"`
	Held      types.Amount `json:"held"`
	Replayed  types.Amount `json:"replayed"`
	Movements int          `json:"movements"`
	Balanced  bool         `json:"balanced"`
}

// ReservationManager moves funds between balance and reserved on an
// account. Each operation is a single conditional store update, retried
// only after a transient store failure. Every reservation is held under a
// reference, and settling one reference never touches another's hold.
type ReservationManager struct {
	accounts account.Store
	deps     Deps
	retries  uint
}

// NewReservationManager returns a ReservationManager over s. retries bounds
// the attempts per call after transient failures.
func NewReservationManager(s account.Store, deps Deps, retries uint) *ReservationManager {
	if retries == 0 {
		retries = DefaultConfig().SettleRetries
	}
	return &ReservationManager{accounts: s, deps: deps.normalize(), retries: retries}
}

// Reserve holds amount against the balance under reference. It fails with an
// *InsufficientFundsError without changing state when the balance does not
// cover amount. A reference already reserved is not reserved twice.
func (r *ReservationManager) Reserve(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	if !amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be a positive amount"}
	}
	if reference == "" {
		return nil, ValidationError{Field: "reference", Message: "is required"}
	}

	at := r.deps.now()
	a, err := r.retry(ctx, func() (*account.Account, error) {
		a, err := r.accounts.ReserveFunds(ctx, accountID, amount, reference, at)
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	})
	switch {
	case errors.Is(err, ErrAlreadyExists):
		r.deps.Logger.Debug("reservation already applied", "account_id", accountID, "reference", reference)
		return r.load(ctx, accountID)
	case errors.Is(err, ErrInsufficientFunds):
		available, ownerID := types.Zero, ""
		if cur, lerr := r.load(ctx, accountID); lerr == nil {
			available, ownerID = cur.Balance, cur.OwnerID
		}
		r.deps.Plugins.EmitInsufficientFunds(ctx, ownerID, amount, available)
		return nil, NewInsufficientFundsError(accountID, amount, available)
	case errors.Is(err, ErrAccountNotFound):
		return nil, &NotFoundError{Resource: "account", ID: accountID.String(), Err: err}
	case err != nil:
		return nil, fmt.Errorf("tally: reserve funds: %w", err)
	}

	applied := a.Movements[len(a.Movements)-1]
	r.deps.Logger.Info("funds reserved",
		"account_id", accountID,
		"amount", amount,
		"reference", reference,
		"balance", a.Balance,
		"reserved", a.Reserved,
	)
	r.deps.Plugins.EmitFundsReserved(ctx, a, applied)
	return a, nil
}

// Release turns up to amount of the reference's hold into a permanent debit.
func (r *ReservationManager) Release(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	return r.settle(ctx, account.MovementRelease, accountID, amount, reference)
}

// Rollback returns up to amount of the reference's hold to the balance.
func (r *ReservationManager) Rollback(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	return r.settle(ctx, account.MovementRollback, accountID, amount, reference)
}

// Settlement returns how reference was settled on the account, or "" while
// nothing was released or rolled back under it.
func (r *ReservationManager) Settlement(ctx context.Context, accountID id.AccountID, reference string) (account.MovementKind, error) {
	a, err := r.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Settlement(reference), nil
}

// settle applies a release or rollback clamped to what reference still
// holds. Repeating a kind for a reference, or settling a reference whose
// hold is gone, is a no-op.
func (r *ReservationManager) settle(ctx context.Context, kind account.MovementKind, accountID id.AccountID, amount types.Amount, reference string) (*account.Account, error) {
	if amount.IsNegative() {
		return nil, ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if reference == "" {
		return nil, ValidationError{Field: "reference", Message: "is required"}
	}

	at := r.deps.now()
	a, err := r.retry(ctx, func() (*account.Account, error) {
		a, err := r.accounts.SettleReservation(ctx, accountID, kind, amount, reference, at)
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	})
	switch {
	case errors.Is(err, ErrAlreadyExists):
		r.deps.Logger.Debug("reservation already settled",
			"account_id", accountID,
			"kind", kind,
			"reference", reference,
		)
		return r.load(ctx, accountID)
	case errors.Is(err, ErrAccountNotFound):
		return nil, &NotFoundError{Resource: "account", ID: accountID.String(), Err: err}
	case err != nil:
		return nil, fmt.Errorf("tally: %s reservation: %w", kind, err)
	}

	applied := a.Movements[len(a.Movements)-1]
	if applied.Clamped() {
		r.deps.Logger.Warn("reservation clamped",
			"account_id", accountID,
			"kind", kind,
			"reference", reference,
			"requested", applied.Requested,
			"applied", applied.Applied,
			"reserved", a.Reserved,
		)
		r.deps.Plugins.EmitReservationClamped(ctx, accountID, applied)
	}

	r.deps.Logger.Info("reservation settled",
		"account_id", accountID,
		"kind", kind,
		"reference", reference,
		"applied", applied.Applied,
		"balance", a.Balance,
		"reserved", a.Reserved,
	)
	r.deps.Plugins.EmitReservationSettled(ctx, a, applied)
	return a, nil
}

// Reconcile checks an account's reserved total against the sum of its holds
// and a replay of its movement history.
func (r *ReservationManager) Reconcile(ctx context.Context, accountID id.AccountID) (*ReconcileReport, error) {
	a, err := r.load(ctx, accountID)
	if err != nil {
		return nil, err
	}

	replayed, chained := a.ReplayReserved()
	held := a.HeldTotal()
	report := &ReconcileReport{
		AccountID: a.ID,
		Reserved:  a.Reserved,
		Held:      held,
		Replayed:  replayed,
		Movements: len(a.Movements),
		Balanced: chained &&
			replayed.Equal(a.Reserved) &&
			held.Equal(a.Reserved) &&
			!a.Reserved.IsNegative(),
	}
	if !report.Balanced {
		r.deps.Logger.Error("reservation history does not reconcile",
			"account_id", a.ID,
			"reserved", a.Reserved,
			"held", held,
			"replayed", replayed,
		)
	}
	return report, nil
}

func (r *ReservationManager) load(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	a, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, &NotFoundError{Resource: "account", ID: accountID.String(), Err: err}
		}
		return nil, fmt.Errorf("tally: read account: %w", err)
	}
	return a, nil
}

func (r *ReservationManager) retry(ctx context.Context, op backoff.Operation[*account.Account]) (*account.Account, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.retries),
	)
}
