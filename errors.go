package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrInvalidInput  = errors.New("tally: invalid input")

	// Entry errors
	ErrEntryNotFound  = errors.New("tally: entry not found")
	ErrEntryNotActive = errors.New("tally: entry not active")

	// Account errors
	ErrAccountNotFound   = errors.New("tally: account not found")
	ErrInsufficientFunds = errors.New("tally: insufficient funds")
	ErrVersionConflict   = errors.New("tally: version conflict")

	// Credit transaction errors
	ErrTransactionNotFound = errors.New("tally: credit transaction not found")

	// Task errors
	ErrTaskNotFound      = errors.New("tally: task not found")
	ErrInvalidTransition = errors.New("tally: invalid status transition")
	ErrTaskExhausted     = errors.New("tally: task attempts exhausted")

	// Idempotency errors
	ErrRecordNotFound = errors.New("tally: idempotency record not found")
	ErrConflict       = errors.New("tally: idempotency key reused with a different payload")

	// Store errors
	ErrTransient    = errors.New("tally: transient store failure")
	ErrCommitFailed = errors.New("tally: commit failed")
	ErrStoreClosed  = errors.New("tally: store is closed")
)

// ValidationError represents a validation failure with details.
// No writes have been attempted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// Is matches ErrInvalidInput.
func (e ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// InsufficientFundsError reports a charge or reservation the account could
// not cover.
type InsufficientFundsError struct {
	AccountID id.AccountID
	Required  types.Amount
	Available types.Amount
	Shortfall types.Amount
}

// NewInsufficientFundsError computes the shortfall for required vs available.
func NewInsufficientFundsError(accountID id.AccountID, required, available types.Amount) *InsufficientFundsError {
	shortfall := required.Sub(available)
	if shortfall.IsNegative() {
		shortfall = types.Zero
	}
	return &InsufficientFundsError{
		AccountID: accountID,
		Required:  required,
		Available: available,
		Shortfall: shortfall,
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("tally: insufficient funds: required %s, available %s, shortfall %s",
		e.Required, e.Available, e.Shortfall)
}

// Is matches ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// ConflictError reports an idempotency key reused with a different payload.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tally: idempotency conflict for key %q: %s", e.Key, e.Reason)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing resource, or one not in an editable state.
type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tally: %s %s not found: %v", e.Resource, e.ID, e.Err)
	}
	return fmt.Sprintf("tally: %s %s not found", e.Resource, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }

// TransientStoreError wraps a store failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("tally: transient store failure during %s: %v", e.Op, e.Err)
}

// Is matches ErrTransient.
func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }

func (e *TransientStoreError) Unwrap() error { return e.Err }

// TerminalTaskFailure is recorded when a deferred task exhausts its attempts.
// The reservation it held has been rolled back.
type TerminalTaskFailure struct {
	TaskID    id.TaskID
	Attempts  int
	LastError string
}

func (e *TerminalTaskFailure) Error() string {
	return fmt.Sprintf("tally: task %s failed after %d attempts: %s", e.TaskID, e.Attempts, e.LastError)
}

// Is matches ErrTaskExhausted.
func (e *TerminalTaskFailure) Is(target error) bool { return target == ErrTaskExhausted }

// CommitError is a mid-pipeline createEntry failure. It carries the
// identifiers needed for manual reconciliation and whether compensation
// fully undid the partial effects.
type CommitError struct {
	Stage         string
	OwnerID       string
	EntryID       id.EntryID
	AccountID     id.AccountID
	TransactionID id.CreditTransactionID
	Compensated   bool
	Err           error
}

func (e *CommitError) Error() string {
	state := "compensated"
	if !e.Compensated {
		state = "compensation incomplete"
	}
	return fmt.Sprintf("tally: commit failed at %s (entry=%s account=%s txn=%s, %s): %v",
		e.Stage, e.EntryID, e.AccountID, e.TransactionID, state, e.Err)
}

// Is matches ErrCommitFailed.
func (e *CommitError) Is(target error) bool { return target == ErrCommitFailed }

func (e *CommitError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsInsufficientFunds returns true if the error reports missing funds.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsConflict returns true if the error is an idempotency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrVersionConflict)
}
