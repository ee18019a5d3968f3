package audithook

// Action constants for audit events.
const (
	// Entry actions
	ActionEntryCreated       = "entry.created"
	ActionEntryUpdated       = "entry.updated"
	ActionEntryVoided        = "entry.voided"
	ActionExportDiscrepancy  = "entry.export_discrepancy"
	ActionChargeCompensated  = "charge.compensated"
	ActionChargeUnreconciled = "charge.unreconciled"

	// Balance actions
	ActionInsufficientFunds   = "balance.insufficient"
	ActionFundsReserved       = "reservation.reserved"
	ActionReservationReleased = "reservation.released"
	ActionReservationRollback = "reservation.rolled_back"
	ActionReservationClamped  = "reservation.clamped"

	// Task actions
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
)

// Resource constants for audit events.
const (
	ResourceEntry       = "entry"
	ResourceAccount     = "account"
	ResourceReservation = "reservation"
	ResourceTask        = "task"
)

// Category constants for audit events.
const (
	CategoryLedger    = "ledger"
	CategoryBalance   = "balance"
	CategoryPayment   = "payment"
	CategoryIntegrity = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
