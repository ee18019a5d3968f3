// Package credit defines the immutable audit rows written for every balance
// debit and credit.
package credit

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Status of a credit transaction.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusReversed  Status = "reversed"
)

// CanTransitionTo reports whether s may move to next. The only permitted
// change is completed to reversed.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusCompleted && next == StatusReversed
}

// Direction of the balance change.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Transaction is an audit row for one balance change.
type Transaction struct {
	ID             id.CreditTransactionID `json:"id"`
	AccountID      id.AccountID           `json:"account_id"`
	OwnerID        string                 `json:"owner_id"`
	Direction      Direction              `json:"direction"`
	Amount         types.Amount           `json:"amount"`
	BalanceBefore  types.Amount           `json:"balance_before"`
	BalanceAfter   types.Amount           `json:"balance_after"`
	Status         Status                 `json:"status"`
	RelatedEntryID id.EntryID             `json:"related_entry_id,omitempty"`
	Operation      string                 `json:"operation"`
	Description    string                 `json:"description,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ReversedAt     *time.Time             `json:"reversed_at,omitempty"`
	ReversalReason string                 `json:"reversal_reason,omitempty"`
}
