// Package audithook bridges tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnEntryCreated       = (*Extension)(nil)
	_ plugin.OnEntryUpdated       = (*Extension)(nil)
	_ plugin.OnEntryVoided        = (*Extension)(nil)
	_ plugin.OnExportDiscrepancy  = (*Extension)(nil)
	_ plugin.OnInsufficientFunds  = (*Extension)(nil)
	_ plugin.OnChargeCompensated  = (*Extension)(nil)
	_ plugin.OnFundsReserved      = (*Extension)(nil)
	_ plugin.OnReservationSettled = (*Extension)(nil)
	_ plugin.OnReservationClamped = (*Extension)(nil)
	_ plugin.OnTaskCompleted      = (*Extension)(nil)
	_ plugin.OnTaskFailed         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder    Recorder
	enabled     map[string]bool // nil = all enabled
	minSeverity int
	logger      *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Entry lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntryCreated implements plugin.OnEntryCreated.
func (e *Extension) OnEntryCreated(ctx context.Context, en *entry.Entry, txn *credit.Transaction) error {
	kv := []any{
		"owner_id", en.OwnerID,
		"kind", string(en.Kind),
		"amount", en.Amount.String(),
		"charged", txn != nil,
	}
	if txn != nil {
		kv = append(kv, "transaction_id", txn.ID.String(), "charge", txn.Amount.String())
	}
	return e.record(ctx, ActionEntryCreated, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryLedger, nil, kv...)
}

// OnEntryUpdated implements plugin.OnEntryUpdated.
func (e *Extension) OnEntryUpdated(ctx context.Context, en *entry.Entry, previous entry.VersionRecord) error {
	return e.record(ctx, ActionEntryUpdated, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryLedger, nil,
		"owner_id", en.OwnerID,
		"version", en.Version,
		"previous_version", previous.Version,
		"previous_amount", previous.Data.Amount.String(),
		"amount", en.Amount.String(),
	)
}

// OnEntryVoided implements plugin.OnEntryVoided.
func (e *Extension) OnEntryVoided(ctx context.Context, en *entry.Entry, reversal *entry.Entry) error {
	return e.record(ctx, ActionEntryVoided, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryLedger, nil,
		"owner_id", en.OwnerID,
		"reversal_id", reversal.ID.String(),
		"amount", en.Amount.String(),
	)
}

// OnExportDiscrepancy implements plugin.OnExportDiscrepancy.
func (e *Extension) OnExportDiscrepancy(ctx context.Context, entryID id.EntryID, found []entry.Discrepancy) error {
	reports := make([]string, len(found))
	for i, d := range found {
		reports[i] = d.ReportID
	}
	return e.record(ctx, ActionExportDiscrepancy, SeverityWarning, OutcomeSuccess,
		ResourceEntry, entryID.String(), CategoryIntegrity, nil,
		"reports", reports,
	)
}

// OnChargeCompensated implements plugin.OnChargeCompensated. An incomplete
// compensation is recorded as a critical, partial outcome.
func (e *Extension) OnChargeCompensated(ctx context.Context, entryID id.EntryID, cause error, compensated bool) error {
	if !compensated {
		return e.record(ctx, ActionChargeUnreconciled, SeverityCritical, OutcomePartial,
			ResourceEntry, entryID.String(), CategoryIntegrity, cause,
			"compensated", false,
		)
	}
	return e.record(ctx, ActionChargeCompensated, SeverityWarning, OutcomeFailure,
		ResourceEntry, entryID.String(), CategoryPayment, cause,
		"compensated", true,
	)
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnInsufficientFunds implements plugin.OnInsufficientFunds.
func (e *Extension) OnInsufficientFunds(ctx context.Context, ownerID string, required, available types.Amount) error {
	return e.record(ctx, ActionInsufficientFunds, SeverityInfo, OutcomeFailure,
		ResourceAccount, ownerID, CategoryBalance, nil,
		"owner_id", ownerID,
		"required", required.String(),
		"available", available.String(),
	)
}

// OnFundsReserved implements plugin.OnFundsReserved.
func (e *Extension) OnFundsReserved(ctx context.Context, a *account.Account, m account.Movement) error {
	return e.record(ctx, ActionFundsReserved, SeverityInfo, OutcomeSuccess,
		ResourceReservation, a.ID.String(), CategoryBalance, nil,
		movementKV(a.OwnerID, m)...,
	)
}

// OnReservationSettled implements plugin.OnReservationSettled.
func (e *Extension) OnReservationSettled(ctx context.Context, a *account.Account, m account.Movement) error {
	action := ActionReservationReleased
	if m.Kind == account.MovementRollback {
		action = ActionReservationRollback
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceReservation, a.ID.String(), CategoryBalance, nil,
		movementKV(a.OwnerID, m)...,
	)
}

// OnReservationClamped implements plugin.OnReservationClamped.
func (e *Extension) OnReservationClamped(ctx context.Context, accountID id.AccountID, m account.Movement) error {
	return e.record(ctx, ActionReservationClamped, SeverityWarning, OutcomePartial,
		ResourceReservation, accountID.String(), CategoryIntegrity, nil,
		movementKV("", m)...,
	)
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskCompleted implements plugin.OnTaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryPayment, nil,
		"account_id", t.Payload.AccountID.String(),
		"amount", t.Payload.Amount.String(),
		"attempts", t.Attempts,
	)
}

// OnTaskFailed implements plugin.OnTaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, cause error) error {
	return e.record(ctx, ActionTaskFailed, SeverityError, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryPayment, cause,
		"account_id", t.Payload.AccountID.String(),
		"amount", t.Payload.Amount.String(),
		"attempts", t.Attempts,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func movementKV(ownerID string, m account.Movement) []any {
	kv := []any{
		"kind", string(m.Kind),
		"requested", m.Requested.String(),
		"applied", m.Applied.String(),
		"reserved_after", m.ReservedAfter.String(),
	}
	if ownerID != "" {
		kv = append(kv, "owner_id", ownerID)
	}
	if m.Reference != "" {
		kv = append(kv, "reference", m.Reference)
	}
	return kv
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if severityRank(severity) < e.minSeverity {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
