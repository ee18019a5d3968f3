// Package policy decides whether creating an entry costs the owner credits.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/types"
)

// Decision is the outcome of a cost evaluation.
type Decision struct {
	Required bool         `json:"required"`
	Amount   types.Amount `json:"amount"`
	Reason   string       `json:"reason,omitempty"`
}

// CostPolicy evaluates the cost of one more entry for an owner.
type CostPolicy interface {
	Evaluate(ctx context.Context, ownerID string) (Decision, error)
}

// Func adapts a plain function to CostPolicy.
type Func func(ctx context.Context, ownerID string) (Decision, error)

// Evaluate implements CostPolicy.
func (f Func) Evaluate(ctx context.Context, ownerID string) (Decision, error) {
	return f(ctx, ownerID)
}

// Free never charges.
func Free() CostPolicy {
	return Func(func(context.Context, string) (Decision, error) {
		return Decision{Reason: "free"}, nil
	})
}

// Flat charges amount for every entry.
func Flat(amount types.Amount) CostPolicy {
	return Func(func(context.Context, string) (Decision, error) {
		return Decision{Required: amount.IsPositive(), Amount: amount, Reason: "flat"}, nil
	})
}

// TierResolver reports whether an owner is exempt from charges, for example
// administrators and active premium subscribers.
type TierResolver interface {
	IsExempt(ctx context.Context, ownerID string) (bool, error)
}

// TierResolverFunc adapts a plain function to TierResolver.
type TierResolverFunc func(ctx context.Context, ownerID string) (bool, error)

// IsExempt implements TierResolver.
func (f TierResolverFunc) IsExempt(ctx context.Context, ownerID string) (bool, error) {
	return f(ctx, ownerID)
}

// EntryCounter counts entries for quota purposes. entry.Store satisfies it.
type EntryCounter interface {
	CountEntries(ctx context.Context, ownerID string, opts entry.CountOpts) (int64, error)
}

// DefaultFreeEntries is the monthly free allowance.
const DefaultFreeEntries = 20

// DefaultEntryCost is charged per entry beyond the free quota.
var DefaultEntryCost = types.AmountFromInt(1)

// MonthlyQuota gives each non-exempt owner a number of free income and
// expense entries per UTC calendar month and charges a flat cost after that.
type MonthlyQuota struct {
	Counter     EntryCounter
	Tiers       TierResolver
	FreeEntries int64
	Cost        types.Amount
	Now         func() time.Time
}

// NewMonthlyQuota returns a MonthlyQuota with default limits.
func NewMonthlyQuota(counter EntryCounter, tiers TierResolver) *MonthlyQuota {
	return &MonthlyQuota{
		Counter:     counter,
		Tiers:       tiers,
		FreeEntries: DefaultFreeEntries,
		Cost:        DefaultEntryCost,
		Now:         time.Now,
	}
}

// Evaluate implements CostPolicy.
func (q *MonthlyQuota) Evaluate(ctx context.Context, ownerID string) (Decision, error) {
	if q.Tiers != nil {
		exempt, err := q.Tiers.IsExempt(ctx, ownerID)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: resolve tier: %w", err)
		}
		if exempt {
			return Decision{Reason: "exempt"}, nil
		}
	}

	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	start, end := MonthBounds(now())

	used, err := q.Counter.CountEntries(ctx, ownerID, entry.CountOpts{
		Kinds: []entry.Kind{entry.KindIncome, entry.KindExpense},
		Since: start,
		Until: end,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy: count entries: %w", err)
	}

	if used < q.FreeEntries {
		return Decision{Reason: fmt.Sprintf("within monthly free limit (%d/%d)", used, q.FreeEntries)}, nil
	}
	return Decision{
		Required: q.Cost.IsPositive(),
		Amount:   q.Cost,
		Reason:   fmt.Sprintf("monthly free limit exceeded (%d/%d)", used, q.FreeEntries),
	}, nil
}

// MonthBounds returns the UTC start of t's month and the start of the next.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
