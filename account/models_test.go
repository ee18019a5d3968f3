package account_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/types"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestSettleClamps(t *testing.T) {
	a := account.New("owner-1", types.MustAmount("50"), now)
	a.Apply(a.Reserve(types.MustAmount("30"), "task-1", now))

	release := a.Settle(account.MovementRelease, types.MustAmount("100"), "task-1", now)
	assert.True(t, release.Clamped())
	assert.True(t, release.Applied.Equal(types.MustAmount("30")))
	assert.True(t, release.ReservedAfter.IsZero())
	assert.True(t, release.BalanceAfter.Equal(types.MustAmount("20")))

	rollback := a.Settle(account.MovementRollback, types.MustAmount("10"), "task-1", now)
	assert.False(t, rollback.Clamped())
	assert.True(t, rollback.ReservedAfter.Equal(types.MustAmount("20")))
	assert.True(t, rollback.BalanceAfter.Equal(types.MustAmount("30")))
}

func TestSettleNeverTakesAnotherHold(t *testing.T) {
	a := account.New("owner-1", types.MustAmount("200"), now)
	a.Apply(a.Reserve(types.MustAmount("100"), "task-a", now))
	a.Apply(a.Reserve(types.MustAmount("100"), "task-b", now))
	a.Apply(a.Settle(account.MovementRelease, types.MustAmount("100"), "task-a", now))

	late := a.Settle(account.MovementRollback, types.MustAmount("100"), "task-a", now)
	assert.True(t, late.Applied.IsZero())

	unknown := a.Settle(account.MovementRelease, types.MustAmount("5"), "task-c", now)
	assert.True(t, unknown.Applied.IsZero())

	held, ok := a.Held("task-b")
	assert.True(t, ok)
	assert.True(t, held.Equal(types.MustAmount("100")))
	_, ok = a.Held("task-a")
	assert.False(t, ok)
	assert.Equal(t, account.MovementRelease, a.Settlement("task-a"))
	assert.Empty(t, a.Settlement("task-b"))
}

func TestReplayReserved(t *testing.T) {
	a := account.New("owner-1", types.MustAmount("200"), now)
	a.Apply(a.Reserve(types.MustAmount("100"), "r1", now))
	a.Apply(a.Settle(account.MovementRelease, types.MustAmount("40"), "r1", now))
	a.Apply(a.Settle(account.MovementRollback, types.MustAmount("80"), "r1", now))
	a.Apply(a.Reserve(types.MustAmount("5"), "r2", now))

	replayed, ok := a.ReplayReserved()
	assert.True(t, ok)
	assert.True(t, replayed.Equal(types.MustAmount("5")))
	assert.True(t, a.HeldTotal().Equal(a.Reserved))

	a.Movements[1].ReservedAfter = types.MustAmount("1")
	_, ok = a.ReplayReserved()
	assert.False(t, ok)
}

func TestMovementHistoryIsBounded(t *testing.T) {
	a := account.New("owner-1", types.AmountFromInt(account.MaxMovements*2), now)
	for i := range account.MaxMovements + 10 {
		a.Apply(a.Reserve(types.AmountFromInt(1), fmt.Sprintf("r%d", i), now))
	}

	assert.Len(t, a.Movements, account.MaxMovements)
	assert.Len(t, a.Holds, account.MaxMovements+10)
	assert.Equal(t, "r10", a.Movements[0].Reference)

	replayed, ok := a.ReplayReserved()
	assert.True(t, ok)
	assert.True(t, replayed.Equal(a.Reserved))
	assert.True(t, a.HeldTotal().Equal(a.Reserved))
}

func TestMovementDeltas(t *testing.T) {
	ten := types.MustAmount("10")
	tests := []struct {
		kind     account.MovementKind
		reserved string
		balance  string
	}{
		{account.MovementReserve, "10", "-10"},
		{account.MovementRelease, "-10", "0"},
		{account.MovementRollback, "-10", "10"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			m := account.Movement{Kind: tt.kind, Requested: ten, Applied: ten}
			assert.True(t, m.ReservedDelta().Equal(types.MustAmount(tt.reserved)))
			assert.True(t, m.BalanceDelta().Equal(types.MustAmount(tt.balance)))
		})
	}
}

func TestHasMovement(t *testing.T) {
	a := account.New("owner-1", types.Zero, now)
	a.Movements = []account.Movement{{Kind: account.MovementRelease, Reference: "task-1"}}

	assert.True(t, a.HasMovement(account.MovementRelease, "task-1"))
	assert.False(t, a.HasMovement(account.MovementRollback, "task-1"))
	assert.False(t, a.HasMovement(account.MovementRelease, ""))
}

func TestReserveAndApply(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := account.New("owner-1", types.AmountFromInt(500), now)

	m := a.Reserve(types.AmountFromInt(100), "task_1", now)
	a.Apply(m)

	assert.True(t, a.Balance.Equal(types.AmountFromInt(400)))
	assert.True(t, a.Reserved.Equal(types.AmountFromInt(100)))
	assert.Equal(t, int64(2), a.Version)
	assert.True(t, a.HasMovement(account.MovementReserve, "task_1"))

	rb := a.Settle(account.MovementRollback, types.AmountFromInt(100), "task_1", now)
	a.Apply(rb)

	assert.True(t, a.Balance.Equal(types.AmountFromInt(500)))
	assert.True(t, a.Reserved.IsZero())
	assert.Empty(t, a.Holds)
	assert.False(t, a.WasReserved("task_2"))
	assert.True(t, a.WasReserved("task_1"))
}
