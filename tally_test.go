package tally_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

type auditLog struct {
	mu      sync.Mutex
	actions []string
}

func (l *auditLog) Record(_ context.Context, evt *audithook.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, evt.Action)
	return nil
}

func (l *auditLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.actions...)
}

func TestStartRunsQueueWorker(t *testing.T) {
	audit := &auditLog{}
	h := newHarness(t, tally.WithPlugin(audithook.New(audit)))
	h.openAccount("user_1", "50")

	require.NoError(t, h.tally.Start(h.ctx))
	defer h.tally.Stop() //nolint:errcheck // test cleanup

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("20"),
		Fields:  expense("20"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tk, err := h.tally.Task(h.ctx, res.TaskID)
		return err == nil && tk.Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	a := h.account("user_1")
	assert.Equal(t, "30", a.Balance.String())
	assert.True(t, a.Reserved.IsZero())

	require.NoError(t, h.tally.Stop())
	require.NoError(t, h.tally.Stop())

	assert.Subset(t, audit.snapshot(), []string{
		audithook.ActionFundsReserved,
		audithook.ActionEntryCreated,
		audithook.ActionReservationReleased,
		audithook.ActionTaskCompleted,
	})
}

func TestStartWithoutWorkers(t *testing.T) {
	h := newHarness(t, tally.WithConfig(tally.Config{DisableWorkers: true}))
	h.openAccount("user_1", "50")

	require.NoError(t, h.tally.Start(h.ctx))

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("20"),
		Fields:  expense("20"),
	})
	require.NoError(t, err)

	tk, err := h.tally.Task(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Zero(t, tk.Attempts)

	require.NoError(t, h.tally.Stop())
}

func TestMaintainPurgesTerminalTasks(t *testing.T) {
	h := newHarness(t)
	h.openAccount("user_1", "50")

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("20"),
		Fields:  expense("20"),
	})
	require.NoError(t, err)
	_, err = h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)

	h.clock.Advance(h.tally.Config().TaskRetention + time.Hour)
	h.tally.Maintain(h.ctx)

	_, err = h.tally.Task(h.ctx, res.TaskID)
	assert.True(t, tally.IsNotFound(err))
}

func TestConfigDefaults(t *testing.T) {
	h := newHarness(t, tally.WithConfig(tally.Config{MaxAttempts: 3}))

	cfg := h.tally.Config()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, tally.DefaultConfig().RetryBackoff, cfg.RetryBackoff)
	assert.Equal(t, tally.DefaultConfig().Workers, cfg.Workers)
}
