package audithook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/account"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type capture struct {
	events []*audithook.AuditEvent
}

func (c *capture) recorder() audithook.RecorderFunc {
	return func(_ context.Context, evt *audithook.AuditEvent) error {
		c.events = append(c.events, evt)
		return nil
	}
}

func (c *capture) actions() []string {
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Action
	}
	return out
}

func TestUnreconciledChargeIsCritical(t *testing.T) {
	var c capture
	ext := audithook.New(c.recorder())
	entryID := id.NewEntryID()

	require.NoError(t, ext.OnChargeCompensated(context.Background(), entryID, errors.New("debit lost"), false))
	require.Len(t, c.events, 1)

	evt := c.events[0]
	assert.Equal(t, audithook.ActionChargeUnreconciled, evt.Action)
	assert.Equal(t, audithook.SeverityCritical, evt.Severity)
	assert.Equal(t, audithook.OutcomePartial, evt.Outcome)
	assert.Equal(t, entryID.String(), evt.ResourceID)
	assert.Equal(t, "debit lost", evt.Reason)
	assert.Equal(t, false, evt.Metadata["compensated"])
}

func TestActionFiltering(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	e := entry.New("user_1", entry.KindExpense, entry.Fields{Amount: types.MustAmount("3")}, now)
	a := account.New("user_1", types.MustAmount("10"), now)
	mv := a.Reserve(types.MustAmount("4"), "ref_1", now)

	t.Run("enabled only", func(t *testing.T) {
		var c capture
		ext := audithook.New(c.recorder(), audithook.WithEnabledActions(audithook.ActionFundsReserved))

		require.NoError(t, ext.OnEntryCreated(ctx, e, nil))
		require.NoError(t, ext.OnFundsReserved(ctx, a, mv))

		assert.Equal(t, []string{audithook.ActionFundsReserved}, c.actions())
		assert.Equal(t, "ref_1", c.events[0].Metadata["reference"])
	})

	t.Run("disabled", func(t *testing.T) {
		var c capture
		ext := audithook.New(c.recorder(), audithook.WithDisabledActions(audithook.ActionEntryCreated))

		require.NoError(t, ext.OnEntryCreated(ctx, e, nil))
		require.NoError(t, ext.OnFundsReserved(ctx, a, mv))

		assert.Equal(t, []string{audithook.ActionFundsReserved}, c.actions())
	})
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))

	err := ext.OnInsufficientFunds(context.Background(), "user_1", types.MustAmount("1"), types.Zero)
	assert.NoError(t, err)
}

func TestActionGroupsAndSeverity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	e := entry.New("user_1", entry.KindExpense, entry.Fields{Amount: types.MustAmount("3")}, now)
	a := account.New("user_1", types.MustAmount("10"), now)
	mv := a.Reserve(types.MustAmount("4"), "ref_1", now)

	t.Run("groups", func(t *testing.T) {
		var c capture
		ext := audithook.New(c.recorder(), audithook.WithActionGroups("reservation"))

		require.NoError(t, ext.OnEntryCreated(ctx, e, nil))
		require.NoError(t, ext.OnFundsReserved(ctx, a, mv))

		assert.Equal(t, []string{audithook.ActionFundsReserved}, c.actions())
	})

	t.Run("min severity", func(t *testing.T) {
		var c capture
		ext := audithook.New(c.recorder(), audithook.WithMinSeverity(audithook.SeverityWarning))

		require.NoError(t, ext.OnFundsReserved(ctx, a, mv))
		require.NoError(t, ext.OnChargeCompensated(ctx, e.ID, errors.New("debit lost"), false))

		assert.Equal(t, []string{audithook.ActionChargeUnreconciled}, c.actions())
	})
}
