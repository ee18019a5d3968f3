// Package entry defines ledger entries and their lifecycle.
//
// Income, expense and reversal entries share one Entry type discriminated by
// Kind. Status, version and void handling are implemented once on Entry so
// that no kind carries its own copy of the lifecycle rules.
package entry

import (
	"fmt"
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// Kind discriminates the entry variant.
type Kind string

const (
	KindIncome   Kind = "income"
	KindExpense  Kind = "expense"
	KindReversal Kind = "reversal"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindIncome, KindExpense, KindReversal:
		return true
	}
	return false
}

// Synthetic reports whether entries of this kind are generated by the
// system rather than created by an owner.
func (k Kind) Synthetic() bool { return k == KindReversal }

// Status is the lifecycle status of an entry or of a version snapshot.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusVoided     Status = "voided"
)

// Fields are the owner-editable attributes of an entry.
type Fields struct {
	Amount        types.Amount      `json:"amount" validate:"positive_amount"`
	Description   string            `json:"description" validate:"required,max=500"`
	Category      string            `json:"category" validate:"required,max=100"`
	OccurredAt    time.Time         `json:"occurred_at"`
	PaymentMethod string            `json:"payment_method,omitempty" validate:"max=50"`
	Notes         string            `json:"notes,omitempty" validate:"max=1000"`
	Tags          []string          `json:"tags,omitempty" validate:"max=20,dive,max=50"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Amount        *types.Amount     `json:"amount,omitempty" validate:"omitempty,positive_amount"`
	Description   *string           `json:"description,omitempty" validate:"omitempty,min=1,max=500"`
	Category      *string           `json:"category,omitempty" validate:"omitempty,min=1,max=100"`
	OccurredAt    *time.Time        `json:"occurred_at,omitempty"`
	PaymentMethod *string           `json:"payment_method,omitempty" validate:"omitempty,max=50"`
	Notes         *string           `json:"notes,omitempty" validate:"omitempty,max=1000"`
	Tags          []string          `json:"tags,omitempty" validate:"max=20,dive,max=50"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Amount == nil && p.Description == nil && p.Category == nil &&
		p.OccurredAt == nil && p.PaymentMethod == nil && p.Notes == nil &&
		p.Tags == nil && p.Metadata == nil
}

// Apply returns f with the patch applied.
func (p Patch) Apply(f Fields) Fields {
	if p.Amount != nil {
		f.Amount = *p.Amount
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Category != nil {
		f.Category = *p.Category
	}
	if p.OccurredAt != nil {
		f.OccurredAt = p.OccurredAt.UTC()
	}
	if p.PaymentMethod != nil {
		f.PaymentMethod = *p.PaymentMethod
	}
	if p.Notes != nil {
		f.Notes = *p.Notes
	}
	if p.Tags != nil {
		f.Tags = append([]string(nil), p.Tags...)
	}
	if p.Metadata != nil {
		m := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			m[k] = v
		}
		f.Metadata = m
	}
	return f
}

// ChargeState tracks the balance debit tied to an entry.
// AttemptedAt without Completed marks an entry whose charge outcome is
// unknown and must be reconciled.
type ChargeState struct {
	Required      bool                   `json:"required"`
	Completed     bool                   `json:"completed"`
	Amount        types.Amount           `json:"amount"`
	AttemptedAt   *time.Time             `json:"attempted_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	TransactionID id.CreditTransactionID `json:"transaction_id,omitempty"`
}

// Pending reports whether a required charge was attempted but not completed.
func (c ChargeState) Pending() bool {
	return c.Required && c.AttemptedAt != nil && !c.Completed
}

// VersionRecord is a pre-edit snapshot appended on every accepted edit.
type VersionRecord struct {
	Version      int       `json:"version"`
	Status       Status    `json:"status"`
	Data         Fields    `json:"data"`
	SupersededAt time.Time `json:"superseded_at"`
}

// ExportRecord notes that an entry was included in an external report.
type ExportRecord struct {
	ReportID        string    `json:"report_id"`
	ExportedAt      time.Time `json:"exported_at"`
	VersionAtExport int       `json:"version_at_export"`
}

// Discrepancy is an export whose recorded version is older than the entry.
type Discrepancy struct {
	ReportID        string    `json:"report_id"`
	ExportedAt      time.Time `json:"exported_at"`
	VersionAtExport int       `json:"version_at_export"`
	CurrentVersion  int       `json:"current_version"`
}

// Reconciliation marks an entry that needs manual attention.
type Reconciliation struct {
	Flagged   bool       `json:"flagged"`
	Reason    string     `json:"reason,omitempty"`
	FlaggedAt *time.Time `json:"flagged_at,omitempty"`
}

// Entry is a single ledger entry.
type Entry struct {
	types.Entity
	Fields

	ID             id.EntryID      `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Kind           Kind            `json:"kind"`
	Status         Status          `json:"status"`
	IsDeleted      bool            `json:"is_deleted"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	Version        int             `json:"version"`
	VersionLog     []VersionRecord `json:"version_log,omitempty"`
	ExportHistory  []ExportRecord  `json:"export_history,omitempty"`
	Charge         ChargeState     `json:"charge"`
	ReversalOf     id.EntryID      `json:"reversal_of,omitempty"`
	ReversalID     id.EntryID      `json:"reversal_id,omitempty"`
	Hidden         bool            `json:"hidden"`
	Reconciliation Reconciliation  `json:"reconciliation"`
}

// New builds a fresh active entry at version 1.
func New(ownerID string, kind Kind, f Fields, now time.Time) *Entry {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = now
	}
	f.OccurredAt = f.OccurredAt.UTC()
	return &Entry{
		Entity:  types.NewEntity(now),
		Fields:  f,
		ID:      id.NewEntryID(),
		OwnerID: ownerID,
		Kind:    kind,
		Status:  StatusActive,
		Version: 1,
	}
}

// IsActive reports whether the entry accepts edits.
func (e *Entry) IsActive() bool { return e.Status == StatusActive && !e.IsDeleted }

// IsVoided reports whether the entry has been soft-deleted.
func (e *Entry) IsVoided() bool { return e.Status == StatusVoided || e.IsDeleted }

// Visible reports whether the entry belongs in normal listings.
func (e *Entry) Visible() bool { return !e.Hidden && !e.IsDeleted }

// Supersede applies p in place and returns the snapshot it appended.
// The ID is unchanged and Version grows by exactly one.
func (e *Entry) Supersede(p Patch, now time.Time) VersionRecord {
	rec := VersionRecord{
		Version:      e.Version,
		Status:       StatusSuperseded,
		Data:         e.Fields.clone(),
		SupersededAt: now.UTC(),
	}
	e.VersionLog = append(e.VersionLog, rec)
	e.Fields = p.Apply(e.Fields)
	e.Version++
	e.Touch(now)
	return rec
}

// Void marks the entry deleted and links it to reversalID.
func (e *Entry) Void(reversalID id.EntryID, now time.Time) {
	t := now.UTC()
	e.Status = StatusVoided
	e.IsDeleted = true
	e.DeletedAt = &t
	e.ReversalID = reversalID
	e.Touch(now)
}

// Reversal builds the hidden counter-entry for e under the given ID.
func (e *Entry) Reversal(reversalID id.EntryID, now time.Time) *Entry {
	f := e.Fields.clone()
	f.Amount = e.Amount.Neg()
	f.Description = fmt.Sprintf("Reversal of %s", e.ID)
	f.OccurredAt = now.UTC()

	r := New(e.OwnerID, KindReversal, f, now)
	r.ID = reversalID
	r.ReversalOf = e.ID
	r.Hidden = true
	return r
}

// Discrepancies compares every export against the current version.
func (e *Entry) Discrepancies() []Discrepancy {
	var out []Discrepancy
	for _, x := range e.ExportHistory {
		if x.VersionAtExport < e.Version {
			out = append(out, Discrepancy{
				ReportID:        x.ReportID,
				ExportedAt:      x.ExportedAt,
				VersionAtExport: x.VersionAtExport,
				CurrentVersion:  e.Version,
			})
		}
	}
	return out
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Fields = e.Fields.clone()
	if e.VersionLog != nil {
		c.VersionLog = make([]VersionRecord, len(e.VersionLog))
		for i, r := range e.VersionLog {
			r.Data = r.Data.clone()
			c.VersionLog[i] = r
		}
	}
	if e.ExportHistory != nil {
		c.ExportHistory = append([]ExportRecord(nil), e.ExportHistory...)
	}
	return &c
}

func (f Fields) clone() Fields {
	if f.Tags != nil {
		f.Tags = append([]string(nil), f.Tags...)
	}
	if f.Metadata != nil {
		m := make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			m[k] = v
		}
		f.Metadata = m
	}
	return f
}
