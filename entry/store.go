package entry

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

// Store persists ledger entries. Every mutating method is a single
// conditional update on one document.
type Store interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)
	ListEntries(ctx context.Context, ownerID string, opts ListOpts) ([]*Entry, error)
	CountEntries(ctx context.Context, ownerID string, opts CountOpts) (int64, error)

	// DeleteEntry physically removes an entry. Only compensation uses it,
	// and only for entries whose charge never completed.
	DeleteEntry(ctx context.Context, entryID id.EntryID) error

	// CompleteCharge sets charge.completed on the entry.
	CompleteCharge(ctx context.Context, entryID id.EntryID, txnID id.CreditTransactionID, at time.Time) error

	// SupersedeEntry persists an in-place edit of e. It matches only when the
	// stored entry is active, owned by e.OwnerID and at expectedVersion, and
	// appends the last element of e.VersionLog.
	SupersedeEntry(ctx context.Context, e *Entry, expectedVersion int) error

	// VoidEntry transitions an active entry to voided and records reversalID.
	VoidEntry(ctx context.Context, entryID id.EntryID, ownerID string, reversalID id.EntryID, at time.Time) error

	AppendExport(ctx context.Context, entryID id.EntryID, rec ExportRecord) (*Entry, error)
	FlagEntry(ctx context.Context, entryID id.EntryID, reason string, at time.Time) error

	// ListPendingCharges returns non-voided entries whose required charge
	// was attempted before the cutoff but never completed.
	ListPendingCharges(ctx context.Context, attemptedBefore time.Time, limit int) ([]*Entry, error)
}

// ListOpts filters owner listings. Hidden and deleted entries are excluded
// unless explicitly requested.
type ListOpts struct {
	Kind           Kind
	IncludeHidden  bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// CountOpts selects entries for quota counting by creation time.
type CountOpts struct {
	Kinds []Kind
	Since time.Time
	Until time.Time
}

// Matches reports whether e passes the listing filter.
func (o ListOpts) Matches(e *Entry) bool {
	if o.Kind != "" && e.Kind != o.Kind {
		return false
	}
	if e.Hidden && !o.IncludeHidden {
		return false
	}
	if e.IsDeleted && !o.IncludeDeleted {
		return false
	}
	return true
}

// Matches reports whether e is counted.
func (o CountOpts) Matches(e *Entry) bool {
	if len(o.Kinds) > 0 {
		found := false
		for _, k := range o.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !o.Since.IsZero() && e.CreatedAt.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && !e.CreatedAt.Before(o.Until) {
		return false
	}
	return true
}
