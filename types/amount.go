// Package types provides common types used across Tally.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is an exact signed decimal quantity of account credits.
// The zero value is a valid zero amount.
//
// Amounts are never represented as floats internally; AmountFromFloat exists
// only for callers that receive floats at their edge.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero Amount.
var Zero = Amount{}

// NewAmount parses a decimal string such as "12.50" or "-3".
func NewAmount(value string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Zero, fmt.Errorf("types: parse amount %q: %w", value, err)
	}
	return Amount{d: d}, nil
}

// MustAmount is like NewAmount but panics on error. Use for constants.
func MustAmount(value string) Amount {
	a, err := NewAmount(value)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromInt returns a whole-number Amount.
func AmountFromInt(v int64) Amount { return Amount{d: decimal.NewFromInt(v)} }

// AmountFromFloat converts a float using its shortest decimal representation.
func AmountFromFloat(v float64) Amount { return Amount{d: decimal.NewFromFloat(v)} }

// AmountFromDecimal wraps a decimal value.
func AmountFromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Arithmetic operations

// Add returns a + other.
func (a Amount) Add(other Amount) Amount { return Amount{d: a.d.Add(other.d)} }

// Sub returns a - other.
func (a Amount) Sub(other Amount) Amount { return Amount{d: a.d.Sub(other.d)} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Abs returns the absolute value.
func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

// Min returns the smaller of a and other.
func (a Amount) Min(other Amount) Amount {
	if a.d.LessThan(other.d) {
		return a
	}
	return other
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsPositive returns true if the amount is greater than zero.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// IsNegative returns true if the amount is less than zero.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// Equal compares numerically, so 1.0 equals 1.
func (a Amount) Equal(other Amount) bool { return a.d.Equal(other.d) }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(other Amount) int { return a.d.Cmp(other.d) }

// LessThan returns true if a < other.
func (a Amount) LessThan(other Amount) bool { return a.d.LessThan(other.d) }

// GreaterThanOrEqual returns true if a >= other.
func (a Amount) GreaterThanOrEqual(other Amount) bool { return a.d.GreaterThanOrEqual(other.d) }

// Formatting

// String returns the canonical decimal representation ("4", "0.5", "-700").
func (a Amount) String() string { return a.d.String() }

// StringFixed returns the amount rounded to places decimal places.
func (a Amount) StringFixed(places int32) string { return a.d.StringFixed(places) }

// Float64 returns the nearest float64 and whether it is exact.
func (a Amount) Float64() (float64, bool) { return a.d.Float64() }

// MarshalJSON encodes the amount as a JSON string to preserve precision.
func (a Amount) MarshalJSON() ([]byte, error) { return a.d.MarshalJSON() }

// UnmarshalJSON accepts both JSON strings and numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.d.UnmarshalJSON(data)
}

// Sum adds all amounts together.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
