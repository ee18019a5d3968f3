package tally_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

func TestReserveReleaseRollback(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "100")

	got, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("30"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "70", got.Balance.String())
	assert.Equal(t, "30", got.Reserved.String())

	// Same reference is not held twice.
	got, err = h.tally.Reserve(h.ctx, a.ID, types.MustAmount("30"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "30", got.Reserved.String())

	got, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("10"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "70", got.Balance.String())
	assert.Equal(t, "20", got.Reserved.String())

	got, err = h.tally.Rollback(h.ctx, a.ID, types.MustAmount("20"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "90", got.Balance.String())
	assert.True(t, got.Reserved.IsZero())

	report, err := h.tally.Reconcile(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, 3, report.Movements)
}

func TestReserveInsufficient(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "10")

	_, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("10.01"), "order-1")
	assert.True(t, tally.IsInsufficientFunds(err))

	cur := h.account("user_1")
	assert.Equal(t, "10", cur.Balance.String())
	assert.True(t, cur.Reserved.IsZero())
	assert.Empty(t, cur.Movements)
}

func TestSettleClampsToReserved(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "100")

	_, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("20"), "order-1")
	require.NoError(t, err)

	got, err := h.tally.Rollback(h.ctx, a.ID, types.MustAmount("50"), "order-1")
	require.NoError(t, err)
	assert.True(t, got.Reserved.IsZero())
	assert.Equal(t, "100", got.Balance.String())

	last := got.Movements[len(got.Movements)-1]
	assert.Equal(t, account.MovementRollback, last.Kind)
	assert.Equal(t, "50", last.Requested.String())
	assert.Equal(t, "20", last.Applied.String())
	assert.True(t, last.Clamped())

	// Nothing left to release.
	got, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("5"), "order-2")
	require.NoError(t, err)
	assert.True(t, got.Reserved.IsZero())
	assert.Equal(t, "100", got.Balance.String())
}

func TestPurchaseCompletes(t *testing.T) {
	h := newHarness(t)
	h.openAccount("user_1", "100")

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("30"),
		Fields:  expense("30"),
	})
	require.NoError(t, err)
	assert.Equal(t, "30", res.Reserved.String())
	assert.Equal(t, "70", res.Balance.String())

	pending, err := h.tally.Entry(h.ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, pending.Charge.Pending())

	n, err := h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tk, err := h.tally.Task(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, 1, tk.Attempts)

	a := h.account("user_1")
	assert.Equal(t, "70", a.Balance.String())
	assert.True(t, a.Reserved.IsZero())

	settled, err := h.tally.Entry(h.ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, settled.Charge.Completed)
	assert.True(t, settled.IsActive())
}

func TestPurchaseInsufficient(t *testing.T) {
	h := newHarness(t)
	h.openAccount("user_1", "10")

	_, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("30"),
		Fields:  expense("30"),
	})
	assert.True(t, tally.IsInsufficientFunds(err))

	entries, err := h.tally.ListEntries(h.ctx, "user_1", entry.ListOpts{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, entries)

	tasks, err := h.tally.Tasks(h.ctx, task.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExhaustedTaskRollsBack(t *testing.T) {
	var calls atomic.Int32
	confirmer := tally.ConfirmerFunc(func(context.Context, *task.Task) error {
		calls.Add(1)
		return errors.New("provider unavailable")
	})
	h := newHarness(t, tally.WithConfirmer(confirmer))
	h.openAccount("user_1", "100")
	cfg := h.tally.Config()

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("100"),
		Fields:  expense("100"),
	})
	require.NoError(t, err)
	assert.True(t, h.account("user_1").Balance.IsZero())

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		n, err := h.tally.Queue().RunOnce(h.ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)

		// Hidden until the visibility window passes.
		n, err = h.tally.Queue().RunOnce(h.ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		h.clock.Advance(cfg.RetryBackoff)
	}
	assert.Equal(t, int32(cfg.MaxAttempts), calls.Load())

	tk, err := h.tally.Task(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, cfg.MaxAttempts, tk.Attempts)
	assert.Contains(t, tk.LastError, "provider unavailable")

	a := h.account("user_1")
	assert.True(t, a.Reserved.IsZero())
	assert.Equal(t, "100", a.Balance.String())

	voided, err := h.tally.Entry(h.ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, voided.IsVoided())
	assert.False(t, voided.ReversalID.IsNil())

	// A terminal task is never claimed again.
	n, err := h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	report, err := h.tally.Reconcile(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.tally.Enqueue(h.ctx, task.Payload{Amount: types.MustAmount("1")})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)

	a := h.openAccount("user_1", "1")
	_, err = h.tally.Enqueue(h.ctx, task.Payload{AccountID: a.ID})
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func TestUnsettledCharges(t *testing.T) {
	h := newHarness(t, tally.WithConfirmer(tally.ConfirmerFunc(func(context.Context, *task.Task) error {
		return errors.New("still processing")
	})))
	h.openAccount("user_1", "100")

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("5"),
		Fields:  expense("5"),
	})
	require.NoError(t, err)

	found, err := h.tally.UnsettledCharges(h.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, found)

	h.clock.Advance(h.tally.Config().ReconcileAge + 1)

	found, err = h.tally.UnsettledCharges(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, res.EntryID, found[0].ID)
}

func TestSettledReferenceLeavesOtherHolds(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "200")

	_, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("100"), "order-a")
	require.NoError(t, err)
	_, err = h.tally.Reserve(h.ctx, a.ID, types.MustAmount("100"), "order-b")
	require.NoError(t, err)

	_, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("100"), "order-a")
	require.NoError(t, err)

	// order-a is settled, so a late rollback must not reach order-b's hold.
	got, err := h.tally.Rollback(h.ctx, a.ID, types.MustAmount("100"), "order-a")
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Equal(t, "100", got.Reserved.String())
	held, ok := got.Held("order-b")
	require.True(t, ok)
	assert.Equal(t, "100", held.String())

	got, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("100"), "order-b")
	require.NoError(t, err)
	assert.True(t, got.Reserved.IsZero())
	assert.True(t, got.Balance.IsZero())

	report, err := h.tally.Reconcile(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestReservationRequiresReference(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "10")

	_, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("1"), "")
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
	_, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("1"), "")
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func TestReleasedTaskIsNeverRolledBack(t *testing.T) {
	s := &faultyStore{failCompleteCharge: true}
	h := newFaultyHarness(t, s)
	acct := h.openAccount("user_1", "200")
	cfg := h.tally.Config()

	first, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("100"),
		Fields:  expense("100"),
	})
	require.NoError(t, err)
	s.armed.Store(true)

	for attempt := 1; attempt < cfg.MaxAttempts; attempt++ {
		n, err := h.tally.Queue().RunOnce(h.ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)
		h.clock.Advance(cfg.RetryBackoff)
	}

	second, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("100"),
		Fields:  expense("100"),
	})
	require.NoError(t, err)

	// The first task's last allowed attempt also fails to record the charge.
	n, err := h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	s.armed.Store(false)
	h.clock.Advance(cfg.RetryBackoff)
	n, err = h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, res := range []*tally.PurchaseResult{first, second} {
		tk, err := h.tally.Task(h.ctx, res.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, tk.Status)

		e, err := h.tally.Entry(h.ctx, res.EntryID)
		require.NoError(t, err)
		assert.True(t, e.IsActive())
		assert.True(t, e.Charge.Completed)
	}

	a := h.account("user_1")
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.Reserved.IsZero())

	report, err := h.tally.Reconcile(h.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
}

func TestOverdueTaskFailsWithoutConfirming(t *testing.T) {
	var calls atomic.Int32
	confirmer := tally.ConfirmerFunc(func(context.Context, *task.Task) error {
		calls.Add(1)
		return errors.New("provider unavailable")
	})
	s := &faultyStore{}
	s.failRollbacks.Store(1)
	h := newFaultyHarness(t, s, tally.WithConfirmer(confirmer))
	h.openAccount("user_1", "100")
	cfg := h.tally.Config()

	res, err := h.tally.Purchase(h.ctx, tally.PurchaseRequest{
		OwnerID: "user_1",
		Amount:  types.MustAmount("100"),
		Fields:  expense("100"),
	})
	require.NoError(t, err)
	s.armed.Store(true)

	for range cfg.MaxAttempts {
		_, err := h.tally.Queue().RunOnce(h.ctx)
		require.NoError(t, err)
		h.clock.Advance(cfg.RetryBackoff)
	}

	// The rollback failed once, so the task is still pending and still holds.
	tk, err := h.tally.Task(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, "100", h.account("user_1").Reserved.String())

	n, err := h.tally.Queue().RunOnce(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, int32(cfg.MaxAttempts), calls.Load())

	tk, err = h.tally.Task(h.ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, cfg.MaxAttempts, tk.ProviderAttempts())
	assert.Contains(t, tk.LastError, "provider unavailable")

	a := h.account("user_1")
	assert.Equal(t, "100", a.Balance.String())
	assert.True(t, a.Reserved.IsZero())

	voided, err := h.tally.Entry(h.ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, voided.IsVoided())
}

func TestConcurrentReservationsAllSucceed(t *testing.T) {
	clk := newClock()
	s := &slowStore{Store: memory.New(memory.WithClock(clk.Now)), delay: 2 * time.Millisecond}
	h := newHarnessOn(t, clk, s)
	a := h.openAccount("user_1", "1000")

	const n = 50
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.tally.Reserve(h.ctx, a.ID, types.MustAmount("5"), fmt.Sprintf("order-%d", i))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := h.tally.Account(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "750", got.Balance.String())
	assert.Equal(t, "250", got.Reserved.String())
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	clk := newClock()
	s := &slowStore{Store: memory.New(memory.WithClock(clk.Now)), delay: time.Millisecond}
	h := newHarnessOn(t, clk, s)
	a := h.openAccount("user_1", "100")

	const n = 50
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.tally.Reserve(h.ctx, a.ID, types.MustAmount("5"), fmt.Sprintf("order-%d", i))
		}()
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case tally.IsInsufficientFunds(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 20, ok)
	assert.Equal(t, 30, insufficient)

	got, err := h.tally.Account(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Equal(t, "100", got.Reserved.String())
}

func TestConcurrentSettlementsReconcile(t *testing.T) {
	h := newHarness(t)
	a := h.openAccount("user_1", "1000")

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := fmt.Sprintf("order-%d", i)
			_, err := h.tally.Reserve(h.ctx, a.ID, types.MustAmount("10"), ref)
			assert.NoError(t, err)
			_, err = h.tally.Release(h.ctx, a.ID, types.MustAmount("4"), ref)
			assert.NoError(t, err)
			_, err = h.tally.Rollback(h.ctx, a.ID, types.MustAmount("10"), ref)
			assert.NoError(t, err)
			_, err = h.tally.Rollback(h.ctx, a.ID, types.MustAmount("10"), ref)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := h.tally.Account(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Reserved.IsZero())
	assert.Equal(t, "840", got.Balance.String())
	assert.Len(t, got.Movements, n*3)

	report, err := h.tally.Reconcile(h.ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.False(t, report.Reserved.IsNegative())
}
