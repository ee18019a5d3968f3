// Package plugin provides an extensible plugin system for Tally.
// Plugins can hook into lifecycle events to extend functionality.
package plugin

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Entry hooks
// ──────────────────────────────────────────────────

// OnEntryCreated is called after an entry and its charge, if any, committed.
// txn is nil for free entries.
type OnEntryCreated interface {
	Plugin
	OnEntryCreated(ctx context.Context, e *entry.Entry, txn *credit.Transaction) error
}

// OnEntryUpdated is called after an in-place edit.
type OnEntryUpdated interface {
	Plugin
	OnEntryUpdated(ctx context.Context, e *entry.Entry, previous entry.VersionRecord) error
}

// OnEntryVoided is called after an entry is soft-deleted.
type OnEntryVoided interface {
	Plugin
	OnEntryVoided(ctx context.Context, e *entry.Entry, reversal *entry.Entry) error
}

// OnExportDiscrepancy is called when an entry changed after being exported.
type OnExportDiscrepancy interface {
	Plugin
	OnExportDiscrepancy(ctx context.Context, entryID id.EntryID, found []entry.Discrepancy) error
}

// ──────────────────────────────────────────────────
// Charge hooks
// ──────────────────────────────────────────────────

// OnInsufficientFunds is called when a charge or reservation is refused.
type OnInsufficientFunds interface {
	Plugin
	OnInsufficientFunds(ctx context.Context, ownerID string, required, available types.Amount) error
}

// OnChargeCompensated is called after a failed commit was undone.
// compensated is false when some compensation step failed as well.
type OnChargeCompensated interface {
	Plugin
	OnChargeCompensated(ctx context.Context, entryID id.EntryID, cause error, compensated bool) error
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnFundsReserved is called after a successful reservation.
type OnFundsReserved interface {
	Plugin
	OnFundsReserved(ctx context.Context, a *account.Account, m account.Movement) error
}

// OnReservationSettled is called after a release or rollback.
type OnReservationSettled interface {
	Plugin
	OnReservationSettled(ctx context.Context, a *account.Account, m account.Movement) error
}

// OnReservationClamped is called when a release or rollback asked for more
// than was reserved. It usually signals an upstream accounting bug.
type OnReservationClamped interface {
	Plugin
	OnReservationClamped(ctx context.Context, accountID id.AccountID, m account.Movement) error
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskCompleted is called when a deferred task completes.
type OnTaskCompleted interface {
	Plugin
	OnTaskCompleted(ctx context.Context, t *task.Task) error
}

// OnTaskFailed is called when a deferred task exhausts its attempts.
type OnTaskFailed interface {
	Plugin
	OnTaskFailed(ctx context.Context, t *task.Task, cause error) error
}

// ──────────────────────────────────────────────────
// Idempotency hooks
// ──────────────────────────────────────────────────

// OnIdempotentReplay is called when a cached response is served.
type OnIdempotentReplay interface {
	Plugin
	OnIdempotentReplay(ctx context.Context, key string) error
}
