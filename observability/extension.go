// Package observability provides a metrics extension for tally that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnInit               = (*MetricsExtension)(nil)
	_ plugin.OnEntryCreated       = (*MetricsExtension)(nil)
	_ plugin.OnEntryUpdated       = (*MetricsExtension)(nil)
	_ plugin.OnEntryVoided        = (*MetricsExtension)(nil)
	_ plugin.OnExportDiscrepancy  = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientFunds  = (*MetricsExtension)(nil)
	_ plugin.OnChargeCompensated  = (*MetricsExtension)(nil)
	_ plugin.OnFundsReserved      = (*MetricsExtension)(nil)
	_ plugin.OnReservationSettled = (*MetricsExtension)(nil)
	_ plugin.OnReservationClamped = (*MetricsExtension)(nil)
	_ plugin.OnTaskCompleted      = (*MetricsExtension)(nil)
	_ plugin.OnTaskFailed         = (*MetricsExtension)(nil)
	_ plugin.OnIdempotentReplay   = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a tally plugin to track ledger and balance metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Entry metrics
	EntryCreated       Counter
	EntryCharged       Counter
	EntryUpdated       Counter
	EntryVoided        Counter
	ExportDiscrepancy  Counter
	ChargeAmount       Histogram
	ChargeCompensated  Counter
	ChargeUnreconciled Counter

	// Balance metrics
	InsufficientFunds   Counter
	FundsReserved       Counter
	ReservationReleased Counter
	ReservationRollback Counter
	ReservationClamped  Counter
	ReservedAmount      Histogram

	// Task metrics
	TaskCompleted Counter
	TaskFailed    Counter
	TaskAttempts  Histogram

	// Idempotency metrics
	IdempotentReplays Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewPrometheusFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Entry metrics
		EntryCreated:       factory.Counter("tally.entry.created"),
		EntryCharged:       factory.Counter("tally.entry.charged"),
		EntryUpdated:       factory.Counter("tally.entry.updated"),
		EntryVoided:        factory.Counter("tally.entry.voided"),
		ExportDiscrepancy:  factory.Counter("tally.entry.export_discrepancy"),
		ChargeAmount:       factory.Histogram("tally.charge.amount"),
		ChargeCompensated:  factory.Counter("tally.charge.compensated"),
		ChargeUnreconciled: factory.Counter("tally.charge.unreconciled"),

		// Balance metrics
		InsufficientFunds:   factory.Counter("tally.balance.insufficient"),
		FundsReserved:       factory.Counter("tally.reservation.reserved"),
		ReservationReleased: factory.Counter("tally.reservation.released"),
		ReservationRollback: factory.Counter("tally.reservation.rolled_back"),
		ReservationClamped:  factory.Counter("tally.reservation.clamped"),
		ReservedAmount:      factory.Histogram("tally.reservation.amount"),

		// Task metrics
		TaskCompleted: factory.Counter("tally.task.completed"),
		TaskFailed:    factory.Counter("tally.task.failed"),
		TaskAttempts:  factory.Histogram("tally.task.attempts"),

		// Idempotency metrics
		IdempotentReplays: factory.Counter("tally.idempotency.replays"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Entry lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntryCreated implements plugin.OnEntryCreated.
func (m *MetricsExtension) OnEntryCreated(_ context.Context, _ *entry.Entry, txn *credit.Transaction) error {
	m.EntryCreated.Inc()
	if txn != nil {
		m.EntryCharged.Inc()
		observeAmount(m.ChargeAmount, txn.Amount)
	}
	return nil
}

// OnEntryUpdated implements plugin.OnEntryUpdated.
func (m *MetricsExtension) OnEntryUpdated(_ context.Context, _ *entry.Entry, _ entry.VersionRecord) error {
	m.EntryUpdated.Inc()
	return nil
}

// OnEntryVoided implements plugin.OnEntryVoided.
func (m *MetricsExtension) OnEntryVoided(_ context.Context, _, _ *entry.Entry) error {
	m.EntryVoided.Inc()
	return nil
}

// OnExportDiscrepancy implements plugin.OnExportDiscrepancy.
func (m *MetricsExtension) OnExportDiscrepancy(_ context.Context, _ id.EntryID, found []entry.Discrepancy) error {
	m.ExportDiscrepancy.Add(float64(len(found)))
	return nil
}

// OnChargeCompensated implements plugin.OnChargeCompensated.
func (m *MetricsExtension) OnChargeCompensated(_ context.Context, _ id.EntryID, _ error, compensated bool) error {
	if compensated {
		m.ChargeCompensated.Inc()
	} else {
		m.ChargeUnreconciled.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnInsufficientFunds implements plugin.OnInsufficientFunds.
func (m *MetricsExtension) OnInsufficientFunds(_ context.Context, _ string, _, _ types.Amount) error {
	m.InsufficientFunds.Inc()
	return nil
}

// OnFundsReserved implements plugin.OnFundsReserved.
func (m *MetricsExtension) OnFundsReserved(_ context.Context, _ *account.Account, mv account.Movement) error {
	m.FundsReserved.Inc()
	observeAmount(m.ReservedAmount, mv.Applied)
	return nil
}

// OnReservationSettled implements plugin.OnReservationSettled.
func (m *MetricsExtension) OnReservationSettled(_ context.Context, _ *account.Account, mv account.Movement) error {
	if mv.Kind == account.MovementRollback {
		m.ReservationRollback.Inc()
	} else {
		m.ReservationReleased.Inc()
	}
	return nil
}

// OnReservationClamped implements plugin.OnReservationClamped.
func (m *MetricsExtension) OnReservationClamped(_ context.Context, _ id.AccountID, _ account.Movement) error {
	m.ReservationClamped.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// OnTaskCompleted implements plugin.OnTaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(_ context.Context, t *task.Task) error {
	m.TaskCompleted.Inc()
	m.TaskAttempts.Observe(float64(t.Attempts))
	return nil
}

// OnTaskFailed implements plugin.OnTaskFailed.
func (m *MetricsExtension) OnTaskFailed(_ context.Context, t *task.Task, _ error) error {
	m.TaskFailed.Inc()
	m.TaskAttempts.Observe(float64(t.Attempts))
	return nil
}

// OnIdempotentReplay implements plugin.OnIdempotentReplay.
func (m *MetricsExtension) OnIdempotentReplay(_ context.Context, _ string) error {
	m.IdempotentReplays.Inc()
	return nil
}

func observeAmount(h Histogram, a types.Amount) {
	if f, _ := a.Float64(); f >= 0 {
		h.Observe(f)
	}
}
