package entry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newExpense(amount string) *entry.Entry {
	return entry.New("owner-1", entry.KindExpense, entry.Fields{
		Amount:      types.MustAmount(amount),
		Description: "groceries",
		Category:    "food",
		Tags:        []string{"weekly"},
	}, now)
}

func TestNew(t *testing.T) {
	e := newExpense("500")

	assert.Equal(t, entry.StatusActive, e.Status)
	assert.Equal(t, 1, e.Version)
	assert.Equal(t, id.PrefixEntry, e.ID.Prefix())
	assert.Equal(t, now, e.OccurredAt)
	assert.True(t, e.IsActive())
	assert.True(t, e.Visible())
	assert.False(t, e.IsVoided())
}

func TestSupersede(t *testing.T) {
	e := newExpense("500")
	originalID := e.ID

	amount := types.MustAmount("700")
	rec := e.Supersede(entry.Patch{Amount: &amount}, now.Add(time.Minute))

	assert.Equal(t, originalID, e.ID)
	assert.Equal(t, 2, e.Version)
	require.Len(t, e.VersionLog, 1)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, entry.StatusSuperseded, rec.Status)
	assert.True(t, e.VersionLog[0].Data.Amount.Equal(types.MustAmount("500")))
	assert.True(t, e.Amount.Equal(amount))
	assert.Equal(t, "groceries", e.Description)
}

func TestSupersedeManyTimes(t *testing.T) {
	e := newExpense("1")
	for i := 0; i < 5; i++ {
		desc := "edit"
		e.Supersede(entry.Patch{Description: &desc}, now)
	}

	assert.Equal(t, 6, e.Version)
	assert.Len(t, e.VersionLog, 5)
	for i, rec := range e.VersionLog {
		assert.Equal(t, i+1, rec.Version)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	e := newExpense("10")
	tags := []string{"changed"}
	e.Supersede(entry.Patch{Tags: tags}, now)

	tags[0] = "mutated"
	assert.Equal(t, []string{"weekly"}, e.VersionLog[0].Data.Tags)
	assert.Equal(t, []string{"changed"}, e.Tags)
}

func TestVoidAndReversal(t *testing.T) {
	e := newExpense("42.5")
	reversalID := id.NewEntryID()

	r := e.Reversal(reversalID, now)
	e.Void(reversalID, now)

	assert.True(t, e.IsVoided())
	assert.False(t, e.IsActive())
	assert.False(t, e.Visible())
	assert.Equal(t, reversalID, e.ReversalID)

	assert.Equal(t, reversalID, r.ID)
	assert.Equal(t, entry.KindReversal, r.Kind)
	assert.Equal(t, e.ID, r.ReversalOf)
	assert.True(t, r.Hidden)
	assert.False(t, r.Visible())
	assert.True(t, r.Amount.Equal(types.MustAmount("-42.5")))
}

func TestDiscrepancies(t *testing.T) {
	e := newExpense("5")
	e.ExportHistory = []entry.ExportRecord{
		{ReportID: "rpt-1", ExportedAt: now, VersionAtExport: 1},
	}
	assert.Empty(t, e.Discrepancies())

	desc := "fixed typo"
	e.Supersede(entry.Patch{Description: &desc}, now)
	e.ExportHistory = append(e.ExportHistory, entry.ExportRecord{ReportID: "rpt-2", ExportedAt: now, VersionAtExport: 2})

	got := e.Discrepancies()
	require.Len(t, got, 1)
	assert.Equal(t, "rpt-1", got[0].ReportID)
	assert.Equal(t, 1, got[0].VersionAtExport)
	assert.Equal(t, 2, got[0].CurrentVersion)
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind      entry.Kind
		valid     bool
		synthetic bool
	}{
		{entry.KindIncome, true, false},
		{entry.KindExpense, true, false},
		{entry.KindReversal, true, true},
		{entry.Kind("transfer"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.kind.IsValid())
			assert.Equal(t, tt.synthetic, tt.kind.Synthetic())
		})
	}
}

func TestListOptsMatches(t *testing.T) {
	visible := newExpense("1")
	hidden := visible.Reversal(id.NewEntryID(), now)
	deleted := newExpense("2")
	deleted.Void(id.NewEntryID(), now)

	assert.True(t, entry.ListOpts{}.Matches(visible))
	assert.False(t, entry.ListOpts{}.Matches(hidden))
	assert.False(t, entry.ListOpts{}.Matches(deleted))
	assert.True(t, entry.ListOpts{IncludeHidden: true}.Matches(hidden))
	assert.True(t, entry.ListOpts{IncludeDeleted: true}.Matches(deleted))
	assert.False(t, entry.ListOpts{Kind: entry.KindIncome}.Matches(visible))
}

func TestCountOptsMatches(t *testing.T) {
	e := newExpense("1")
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, entry.CountOpts{Since: monthStart}.Matches(e))
	assert.False(t, entry.CountOpts{Since: now.Add(time.Hour)}.Matches(e))
	assert.False(t, entry.CountOpts{Until: monthStart}.Matches(e))
	assert.False(t, entry.CountOpts{Kinds: []entry.Kind{entry.KindIncome}}.Matches(e))
}

func TestChargeStatePending(t *testing.T) {
	attempted := now
	assert.False(t, entry.ChargeState{}.Pending())
	assert.True(t, entry.ChargeState{Required: true, AttemptedAt: &attempted}.Pending())
	assert.False(t, entry.ChargeState{Required: true, AttemptedAt: &attempted, Completed: true}.Pending())
}
