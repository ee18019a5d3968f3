package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
)

// UpdateResult reports an accepted edit. Discrepancies lists exports that
// no longer match the entry; they never block the edit.
type UpdateResult struct {
	EntryID       id.EntryID          `json:"entry_id"`
	Version       int                 `json:"version"`
	Discrepancies []entry.Discrepancy `json:"discrepancies,omitempty"`
}

// DeleteResult reports a void. AlreadyDeleted is true on a repeat call.
type DeleteResult struct {
	EntryID         id.EntryID `json:"entry_id"`
	ReversalEntryID id.EntryID `json:"reversal_entry_id"`
	AlreadyDeleted  bool       `json:"already_deleted"`
}

// MutationLog edits and voids entries in place, preserving their identity
// and version history.
type MutationLog struct {
	entries entry.Store
	deps    Deps
}

// NewMutationLog returns a MutationLog over s.
func NewMutationLog(s entry.Store, deps Deps) *MutationLog {
	return &MutationLog{entries: s, deps: deps.normalize()}
}

// Update supersedes the active entry with p applied. A missing entry, one
// owned by someone else, one that is no longer active and one edited
// concurrently are all reported as *NotFoundError.
func (m *MutationLog) Update(ctx context.Context, entryID id.EntryID, ownerID string, p entry.Patch) (*UpdateResult, error) {
	if err := validatePatch(p); err != nil {
		return nil, err
	}

	e, err := m.editable(ctx, entryID, ownerID)
	if err != nil {
		return nil, err
	}

	expected := e.Version
	prev := e.Supersede(p, m.deps.now())

	if err := m.entries.SupersedeEntry(ctx, e, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrEntryNotActive) || errors.Is(err, ErrEntryNotFound) {
			return nil, &NotFoundError{Resource: "entry", ID: entryID.String(), Err: err}
		}
		return nil, fmt.Errorf("tally: supersede entry: %w", err)
	}

	found := e.Discrepancies()
	m.deps.Logger.Info("entry updated",
		"entry_id", e.ID,
		"owner_id", e.OwnerID,
		"version", e.Version,
		"discrepancies", len(found),
	)
	m.deps.Plugins.EmitEntryUpdated(ctx, e, prev)
	if len(found) > 0 {
		m.deps.Plugins.EmitExportDiscrepancy(ctx, e.ID, found)
	}

	return &UpdateResult{EntryID: e.ID, Version: e.Version, Discrepancies: found}, nil
}

// Delete voids the entry and writes exactly one hidden reversal. Deleting
// an already voided entry succeeds without new side effects.
func (m *MutationLog) Delete(ctx context.Context, entryID id.EntryID, ownerID string) (*DeleteResult, error) {
	e, err := m.owned(ctx, entryID, ownerID)
	if err != nil {
		return nil, err
	}
	if e.Kind.Synthetic() {
		return nil, ValidationError{Field: "entry_id", Message: "reversal entries cannot be deleted"}
	}

	if e.IsVoided() {
		return m.alreadyDeleted(ctx, e)
	}

	now := m.deps.now()
	reversalID := id.NewEntryID()
	if err := m.entries.VoidEntry(ctx, e.ID, ownerID, reversalID, now); err != nil {
		switch {
		case errors.Is(err, ErrEntryNotActive):
			// Lost a race with another delete.
			cur, gerr := m.owned(ctx, entryID, ownerID)
			if gerr != nil {
				return nil, gerr
			}
			return m.alreadyDeleted(ctx, cur)
		case errors.Is(err, ErrEntryNotFound):
			return nil, &NotFoundError{Resource: "entry", ID: entryID.String(), Err: err}
		default:
			return nil, fmt.Errorf("tally: void entry: %w", err)
		}
	}

	reversal := e.Reversal(reversalID, now)
	if err := m.insertReversal(ctx, reversal); err != nil {
		return nil, err
	}
	e.Void(reversalID, now)

	m.deps.Logger.Info("entry voided",
		"entry_id", e.ID,
		"owner_id", e.OwnerID,
		"reversal_id", reversalID,
		"amount", reversal.Amount,
	)
	m.deps.Plugins.EmitEntryVoided(ctx, e, reversal)

	return &DeleteResult{EntryID: e.ID, ReversalEntryID: reversalID}, nil
}

// alreadyDeleted handles a repeat delete. If the earlier call crashed
// between voiding and writing the reversal, the reversal is written now
// under the recorded ID.
func (m *MutationLog) alreadyDeleted(ctx context.Context, e *entry.Entry) (*DeleteResult, error) {
	res := &DeleteResult{EntryID: e.ID, ReversalEntryID: e.ReversalID, AlreadyDeleted: true}
	if e.ReversalID.IsNil() {
		return res, nil
	}

	_, err := m.entries.GetEntry(ctx, e.ReversalID)
	switch {
	case err == nil:
		return res, nil
	case !errors.Is(err, ErrEntryNotFound):
		return nil, fmt.Errorf("tally: read reversal: %w", err)
	}

	at := m.deps.now()
	if e.DeletedAt != nil {
		at = *e.DeletedAt
	}
	reversal := e.Reversal(e.ReversalID, at)
	if err := m.insertReversal(ctx, reversal); err != nil {
		return nil, err
	}
	m.deps.Logger.Warn("reversal repaired",
		"entry_id", e.ID,
		"reversal_id", e.ReversalID,
	)
	return res, nil
}

func (m *MutationLog) insertReversal(ctx context.Context, reversal *entry.Entry) error {
	err := m.entries.CreateEntry(ctx, reversal)
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return fmt.Errorf("tally: create reversal: %w", err)
}

// CheckExportDiscrepancy reports exports whose recorded version is older
// than the entry's current version.
func (m *MutationLog) CheckExportDiscrepancy(ctx context.Context, entryID id.EntryID) ([]entry.Discrepancy, error) {
	e, err := m.entries.GetEntry(ctx, entryID)
	if err != nil {
		return nil, m.notFound(entryID, err)
	}

	found := e.Discrepancies()
	if len(found) > 0 {
		m.deps.Logger.Info("export discrepancy",
			"entry_id", e.ID,
			"version", e.Version,
			"stale_exports", len(found),
		)
		m.deps.Plugins.EmitExportDiscrepancy(ctx, e.ID, found)
	}
	return found, nil
}

// RecordExport notes that the entry's current version was included in
// reportID.
func (m *MutationLog) RecordExport(ctx context.Context, entryID id.EntryID, reportID string) (*entry.Entry, error) {
	if reportID == "" {
		return nil, ValidationError{Field: "report_id", Message: "is required"}
	}
	e, err := m.entries.GetEntry(ctx, entryID)
	if err != nil {
		return nil, m.notFound(entryID, err)
	}

	rec := entry.ExportRecord{
		ReportID:        reportID,
		ExportedAt:      m.deps.now(),
		VersionAtExport: e.Version,
	}
	updated, err := m.entries.AppendExport(ctx, entryID, rec)
	if err != nil {
		return nil, m.notFound(entryID, err)
	}
	return updated, nil
}

// History returns the pre-edit snapshots of an entry, oldest first.
func (m *MutationLog) History(ctx context.Context, entryID id.EntryID) ([]entry.VersionRecord, error) {
	e, err := m.entries.GetEntry(ctx, entryID)
	if err != nil {
		return nil, m.notFound(entryID, err)
	}
	return e.VersionLog, nil
}

// editable loads an active entry belonging to ownerID.
func (m *MutationLog) editable(ctx context.Context, entryID id.EntryID, ownerID string) (*entry.Entry, error) {
	e, err := m.owned(ctx, entryID, ownerID)
	if err != nil {
		return nil, err
	}
	if !e.IsActive() || e.Kind.Synthetic() {
		return nil, &NotFoundError{Resource: "entry", ID: entryID.String(), Err: ErrEntryNotActive}
	}
	return e, nil
}

func (m *MutationLog) owned(ctx context.Context, entryID id.EntryID, ownerID string) (*entry.Entry, error) {
	e, err := m.entries.GetEntry(ctx, entryID)
	if err != nil {
		return nil, m.notFound(entryID, err)
	}
	if e.OwnerID != ownerID {
		return nil, &NotFoundError{Resource: "entry", ID: entryID.String(), Err: ErrEntryNotFound}
	}
	return e, nil
}

func (m *MutationLog) notFound(entryID id.EntryID, err error) error {
	if errors.Is(err, ErrEntryNotFound) {
		return &NotFoundError{Resource: "entry", ID: entryID.String(), Err: err}
	}
	return fmt.Errorf("tally: read entry: %w", err)
}
