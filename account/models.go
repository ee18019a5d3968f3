// Package account defines balance accounts and their reservation history.
package account

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// MovementKind identifies a reservation operation.
type MovementKind string

const (
	MovementReserve  MovementKind = "reserve"
	MovementRelease  MovementKind = "release"
	MovementRollback MovementKind = "rollback"
)

// Movement is one reserve/release/rollback applied to an account.
// Applied is lower than Requested when release or rollback was clamped
// to the outstanding reservation.
type Movement struct {
	Kind          MovementKind `json:"kind"`
	Requested     types.Amount `json:"requested"`
	Applied       types.Amount `json:"applied"`
	Reference     string       `json:"reference,omitempty"`
	BalanceAfter  types.Amount `json:"balance_after"`
	ReservedAfter types.Amount `json:"reserved_after"`
	At            time.Time    `json:"at"`
}

// Clamped reports whether less than the requested amount was applied.
func (m Movement) Clamped() bool { return m.Applied.LessThan(m.Requested) }

// ReservedDelta is the signed change this movement made to Reserved.
func (m Movement) ReservedDelta() types.Amount {
	if m.Kind == MovementReserve {
		return m.Applied
	}
	return m.Applied.Neg()
}

// BalanceDelta is the signed change this movement made to Balance.
func (m Movement) BalanceDelta() types.Amount {
	switch m.Kind {
	case MovementReserve:
		return m.Applied.Neg()
	case MovementRollback:
		return m.Applied
	default:
		return types.Zero
	}
}

// MaxMovements bounds the movement history kept on an account. Older
// movements are dropped as new ones are applied; Holds stays exact.
const MaxMovements = 500

// Hold is the outstanding reservation made under one reference.
type Hold struct {
	Reference string       `json:"reference"`
	Amount    types.Amount `json:"amount"`
}

// Account holds an owner's available balance and in-flight reservations.
// Balance is already net of Reserved, and Reserved is the sum of Holds.
type Account struct {
	types.Entity
	ID        id.AccountID `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Balance   types.Amount `json:"balance"`
	Reserved  types.Amount `json:"reserved"`
	Version   int64        `json:"version"`
	Holds     []Hold       `json:"holds,omitempty"`
	Movements []Movement   `json:"movements,omitempty"`
}

// New opens an account with an initial balance.
func New(ownerID string, initial types.Amount, now time.Time) *Account {
	return &Account{
		Entity:  types.NewEntity(now),
		ID:      id.NewAccountID(),
		OwnerID: ownerID,
		Balance: initial,
		Version: 1,
	}
}

// Available is the spendable balance.
func (a *Account) Available() types.Amount { return a.Balance }

// Held returns the outstanding amount reserved under reference.
func (a *Account) Held(reference string) (types.Amount, bool) {
	for _, h := range a.Holds {
		if h.Reference == reference {
			return h.Amount, true
		}
	}
	return types.Zero, false
}

// HeldTotal sums every outstanding hold.
func (a *Account) HeldTotal() types.Amount {
	total := types.Zero
	for _, h := range a.Holds {
		total = total.Add(h.Amount)
	}
	return total
}

// HasMovement reports whether a movement of kind with reference is in the
// retained history.
func (a *Account) HasMovement(kind MovementKind, reference string) bool {
	if reference == "" {
		return false
	}
	for _, m := range a.Movements {
		if m.Kind == kind && m.Reference == reference {
			return true
		}
	}
	return false
}

// Settlement returns the kind of the first release or rollback applied under
// reference, or "" when the retained history has none.
func (a *Account) Settlement(reference string) MovementKind {
	if reference == "" {
		return ""
	}
	for _, m := range a.Movements {
		if m.Reference == reference && m.Kind != MovementReserve {
			return m.Kind
		}
	}
	return ""
}

// WasReserved reports whether reference holds funds or reserved them before.
func (a *Account) WasReserved(reference string) bool {
	if _, ok := a.Held(reference); ok {
		return true
	}
	return a.HasMovement(MovementReserve, reference)
}

// ReplayReserved replays the retained history from the reserved total in
// front of its first movement. ok is false when a movement does not follow
// from the one before it.
func (a *Account) ReplayReserved() (total types.Amount, ok bool) {
	if len(a.Movements) == 0 {
		return types.Zero, true
	}
	first := a.Movements[0]
	total = first.ReservedAfter.Sub(first.ReservedDelta())
	ok = true
	for _, m := range a.Movements {
		total = total.Add(m.ReservedDelta())
		if !total.Equal(m.ReservedAfter) {
			ok = false
		}
	}
	return total, ok
}

// Reserve computes the movement that holds amount against the balance. It
// does not mutate a or check that the balance covers amount.
func (a *Account) Reserve(amount types.Amount, reference string, now time.Time) Movement {
	return Movement{
		Kind:          MovementReserve,
		Requested:     amount,
		Applied:       amount,
		Reference:     reference,
		BalanceAfter:  a.Balance.Sub(amount),
		ReservedAfter: a.Reserved.Add(amount),
		At:            now.UTC(),
	}
}

// Apply applies m to the balance, holds and history and bumps Version.
func (a *Account) Apply(m Movement) {
	a.Balance = m.BalanceAfter
	a.Reserved = m.ReservedAfter
	a.Holds = a.HoldsAfter(m)
	a.Movements = append(a.Movements, m)
	if n := len(a.Movements); n > MaxMovements {
		a.Movements = append([]Movement(nil), a.Movements[n-MaxMovements:]...)
	}
	a.Version++
	a.Touch(m.At)
}

// HoldsAfter returns the holds as they stand once m is applied. A hold
// settled down to zero is removed. It does not mutate a.
func (a *Account) HoldsAfter(m Movement) []Hold {
	out := make([]Hold, 0, len(a.Holds)+1)
	found := false
	for _, h := range a.Holds {
		if h.Reference == m.Reference {
			found = true
			h.Amount = h.Amount.Add(m.ReservedDelta())
			if !h.Amount.IsPositive() {
				continue
			}
		}
		out = append(out, h)
	}
	if !found && m.Kind == MovementReserve && m.Applied.IsPositive() {
		out = append(out, Hold{Reference: m.Reference, Amount: m.Applied})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Settle computes the movement that releases or rolls back up to requested,
// clamped to what is still held under reference. Other references' holds
// are never touched. It does not mutate a.
func (a *Account) Settle(kind MovementKind, requested types.Amount, reference string, now time.Time) Movement {
	held, _ := a.Held(reference)
	applied := requested.Min(held).Min(a.Reserved)
	if applied.IsNegative() {
		applied = types.Zero
	}
	m := Movement{
		Kind:          kind,
		Requested:     requested,
		Applied:       applied,
		Reference:     reference,
		BalanceAfter:  a.Balance,
		ReservedAfter: a.Reserved.Sub(applied),
		At:            now.UTC(),
	}
	if kind == MovementRollback {
		m.BalanceAfter = a.Balance.Add(applied)
	}
	return m
}

// Clone returns a deep copy of a.
func (a *Account) Clone() *Account {
	c := *a
	if a.Holds != nil {
		c.Holds = append([]Hold(nil), a.Holds...)
	}
	if a.Movements != nil {
		c.Movements = append([]Movement(nil), a.Movements...)
	}
	return &c
}
