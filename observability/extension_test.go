package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

func TestMetricsExtensionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := observability.NewPrometheusFactory(reg)
	m := observability.NewMetricsExtension(factory)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	e := entry.New("user_1", entry.KindExpense, entry.Fields{Amount: types.MustAmount("12.50")}, now)
	require.NoError(t, m.OnEntryCreated(ctx, e, nil))
	require.NoError(t, m.OnEntryCreated(ctx, e, &credit.Transaction{Amount: types.MustAmount("1")}))
	require.NoError(t, m.OnChargeCompensated(ctx, e.ID, errors.New("boom"), false))

	a := account.New("user_1", types.MustAmount("100"), now)
	require.NoError(t, m.OnReservationSettled(ctx, a, account.Movement{Kind: account.MovementRollback}))
	require.NoError(t, m.OnReservationClamped(ctx, a.ID, account.Movement{Kind: account.MovementRelease}))

	tk := task.New(task.Payload{AccountID: id.NewAccountID(), Amount: types.MustAmount("5")}, 0, now)
	tk.Attempts = 5
	require.NoError(t, m.OnTaskFailed(ctx, tk, errors.New("exhausted")))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EntryCreated.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EntryCharged.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChargeUnreconciled.(prometheus.Counter)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ChargeCompensated.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReservationRollback.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReservationClamped.(prometheus.Counter)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TaskFailed.(prometheus.Counter)))

	n, err := testutil.GatherAndCount(reg, "tally_entry_created_total", "tally_task_attempts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := observability.NewPrometheusFactory(reg)

	first := factory.Counter("tally.entry.created")
	second := factory.Counter("tally.entry.created")
	first.Inc()
	second.Inc()

	assert.Same(t, first, second)
	assert.Equal(t, float64(2), testutil.ToFloat64(first.(prometheus.Counter)))

	// A second extension on the same factory must not panic on registration.
	assert.NotPanics(t, func() { observability.NewMetricsExtension(factory) })
}
