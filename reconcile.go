package tally

import (
	"context"

	"github.com/xraph/tally/entry"
)

// UnsettledCharges returns entries whose charge was attempted longer than
// Config.ReconcileAge ago and never completed. These are the entries a crash
// between the entry insert and the charge left behind.
func (t *Tally) UnsettledCharges(ctx context.Context, limit int) ([]*entry.Entry, error) {
	cutoff := t.now().Add(-t.config.ReconcileAge)
	return t.store.ListPendingCharges(ctx, cutoff, limit)
}

// FlagEntry marks an entry for manual reconciliation.
func (t *Tally) FlagEntry(ctx context.Context, e *entry.Entry, reason string) error {
	if err := t.store.FlagEntry(ctx, e.ID, reason, t.now()); err != nil {
		return err
	}
	t.logger.Warn("entry flagged", "entry_id", e.ID, "owner_id", e.OwnerID, "reason", reason)
	return nil
}
