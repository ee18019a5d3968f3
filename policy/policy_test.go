package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/policy"
	"github.com/xraph/tally/types"
)

type fixedCounter struct {
	n    int64
	err  error
	seen entry.CountOpts
}

func (c *fixedCounter) CountEntries(_ context.Context, _ string, opts entry.CountOpts) (int64, error) {
	c.seen = opts
	return c.n, c.err
}

func TestMonthlyQuota(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		used     int64
		exempt   bool
		required bool
	}{
		{"first entry of month", 0, false, false},
		{"last free entry", policy.DefaultFreeEntries - 1, false, false},
		{"quota exhausted", policy.DefaultFreeEntries, false, true},
		{"exempt owner over quota", 500, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fixedCounter{n: tt.used}
			q := policy.NewMonthlyQuota(counter, policy.TierResolverFunc(func(context.Context, string) (bool, error) {
				return tt.exempt, nil
			}))
			q.Now = func() time.Time { return now }

			d, err := q.Evaluate(context.Background(), "owner-1")
			require.NoError(t, err)
			assert.Equal(t, tt.required, d.Required)
			if tt.required {
				assert.True(t, d.Amount.Equal(types.AmountFromInt(1)))
			}
			if !tt.exempt {
				assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), counter.seen.Since)
				assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), counter.seen.Until)
				assert.ElementsMatch(t, []entry.Kind{entry.KindIncome, entry.KindExpense}, counter.seen.Kinds)
			}
		})
	}
}

func TestMonthlyQuotaCounterError(t *testing.T) {
	q := policy.NewMonthlyQuota(&fixedCounter{err: errors.New("boom")}, nil)
	_, err := q.Evaluate(context.Background(), "owner-1")
	assert.ErrorContains(t, err, "count entries")
}

func TestFlatAndFree(t *testing.T) {
	ctx := context.Background()

	d, err := policy.Flat(types.MustAmount("2.5")).Evaluate(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, d.Required)
	assert.True(t, d.Amount.Equal(types.MustAmount("2.5")))

	d, err = policy.Free().Evaluate(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, d.Required)
}

func TestMonthBoundsDecember(t *testing.T) {
	start, end := policy.MonthBounds(time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}
