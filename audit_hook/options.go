package audithook

import (
	"log/slog"
	"strings"
)

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions sets which actions to audit.
// If not called, all actions are audited.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool)
		for _, action := range actions {
			e.enabled[action] = true
		}
	}
}

// WithDisabledActions sets which actions to skip.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			// Start with all enabled
			e.enabled = make(map[string]bool)
			for _, action := range allActions() {
				e.enabled[action] = true
			}
		}
		for _, action := range actions {
			delete(e.enabled, action)
		}
	}
}

// WithActionGroups audits only the actions whose name starts with one of
// the given groups, such as "reservation" or "task".
func WithActionGroups(groups ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool)
		for _, action := range allActions() {
			group, _, _ := strings.Cut(action, ".")
			for _, g := range groups {
				if g == group {
					e.enabled[action] = true
				}
			}
		}
	}
}

// WithMinSeverity drops events below severity. Unknown severities are
// treated as info.
func WithMinSeverity(severity string) Option {
	return func(e *Extension) {
		e.minSeverity = severityRank(severity)
	}
}

func severityRank(severity string) int {
	switch severity {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// allActions returns all known audit actions, grouped by the prefix before
// the dot.
func allActions() []string {
	return []string{
		// entry, charge
		ActionEntryCreated,
		ActionEntryUpdated,
		ActionEntryVoided,
		ActionExportDiscrepancy,
		ActionChargeCompensated,
		ActionChargeUnreconciled,

		// balance, reservation
		ActionInsufficientFunds,
		ActionFundsReserved,
		ActionReservationReleased,
		ActionReservationRollback,
		ActionReservationClamped,

		// task
		ActionTaskCompleted,
		ActionTaskFailed,
	}
}
