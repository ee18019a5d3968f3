package credit

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, txnID id.CreditTransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context, opts ListOpts) ([]*Transaction, error)

	// ReverseTransaction moves a completed transaction to reversed.
	ReverseTransaction(ctx context.Context, txnID id.CreditTransactionID, reason string, at time.Time) error
}

type ListOpts struct {
	AccountID      id.AccountID
	RelatedEntryID id.EntryID
	Status         Status
	Limit          int
	Offset         int
}

// Matches reports whether t passes the filter.
func (o ListOpts) Matches(t *Transaction) bool {
	if !o.AccountID.IsNil() && t.AccountID != o.AccountID {
		return false
	}
	if !o.RelatedEntryID.IsNil() && t.RelatedEntryID != o.RelatedEntryID {
		return false
	}
	if o.Status != "" && t.Status != o.Status {
		return false
	}
	return true
}
