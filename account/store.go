package account

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Store persists balance accounts. Balance, Reserved and Holds only change
// through the conditional operations below; each bumps Version and appends
// to the bounded movement history.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error)

	// DebitAccount decrements Balance by amount only if Balance >= amount.
	DebitAccount(ctx context.Context, accountID id.AccountID, amount types.Amount) (*Account, error)

	// CreditAccount increments Balance unconditionally.
	CreditAccount(ctx context.Context, accountID id.AccountID, amount types.Amount) (*Account, error)

	// ReserveFunds moves amount from Balance to a new hold under reference
	// in one conditional update. It fails with ErrInsufficientFunds when
	// Balance < amount and ErrAlreadyExists when reference was reserved
	// before.
	ReserveFunds(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string, at time.Time) (*Account, error)

	// SettleReservation releases or rolls back up to requested from the
	// hold under reference, clamped to that hold, in one conditional update.
	// It fails with ErrAlreadyExists when kind was already applied under
	// reference or the reference's hold is already settled.
	SettleReservation(ctx context.Context, accountID id.AccountID, kind MovementKind, requested types.Amount, reference string, at time.Time) (*Account, error)
}
