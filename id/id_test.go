package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/tally/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"EntryID", id.NewEntryID, "entry_"},
		{"AccountID", id.NewAccountID, "acct_"},
		{"CreditTransactionID", id.NewCreditTransactionID, "ctxn_"},
		{"TaskID", id.NewTaskID, "task_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"EntryID", id.NewEntryID, id.ParseEntryID},
		{"AccountID", id.NewAccountID, id.ParseAccountID},
		{"CreditTransactionID", id.NewCreditTransactionID, id.ParseCreditTransactionID},
		{"TaskID", id.NewTaskID, id.ParseTaskID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed != original {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseEntryID rejects acct_", id.NewAccountID().String(), id.ParseEntryID},
		{"ParseAccountID rejects ctxn_", id.NewCreditTransactionID().String(), id.ParseAccountID},
		{"ParseCreditTransactionID rejects task_", id.NewTaskID().String(), id.ParseCreditTransactionID},
		{"ParseTaskID rejects entry_", id.NewEntryID().String(), id.ParseTaskID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestParseOptional(t *testing.T) {
	got, err := id.ParseOptional("")
	if err != nil {
		t.Fatalf("ParseOptional(\"\") failed: %v", err)
	}
	if !got.IsNil() {
		t.Errorf("expected nil ID, got %q", got.String())
	}

	original := id.NewEntryID()
	got, err = id.ParseOptional(original.String())
	if err != nil {
		t.Fatalf("ParseOptional failed: %v", err)
	}
	if got != original {
		t.Errorf("mismatch: %q != %q", got.String(), original.String())
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestUnmarshalEmptyText(t *testing.T) {
	i := id.NewTaskID()
	if err := i.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !i.IsNil() {
		t.Error("expected nil after unmarshalling empty text")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewEntryID()
	b := id.NewEntryID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewEntryID() calls returned the same ID: %q", a.String())
	}
}
