package tally_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/policy"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *fakeClock
	store *memory.Store
	tally *tally.Tally
}

// newHarness builds an engine over a memory store that charges a flat 1.00
// per entry.
func newHarness(t *testing.T, opts ...tally.Option) *harness {
	t.Helper()
	clk := newClock()
	s := memory.New(memory.WithClock(clk.Now))
	return newHarnessOn(t, clk, s, opts...)
}

func newHarnessOn(t *testing.T, clk *fakeClock, s store.Store, opts ...tally.Option) *harness {
	t.Helper()
	base := []tally.Option{
		tally.WithClock(clk.Now),
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		tally.WithCostPolicy(policy.Flat(types.MustAmount("1"))),
	}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: clk,
		tally: tally.New(s, append(base, opts...)...),
	}
	if ms, ok := s.(*memory.Store); ok {
		h.store = ms
	}
	return h
}

func (h *harness) openAccount(owner, balance string) *account.Account {
	h.t.Helper()
	a, err := h.tally.OpenAccount(h.ctx, owner, types.MustAmount(balance))
	require.NoError(h.t, err)
	return a
}

func (h *harness) account(owner string) *account.Account {
	h.t.Helper()
	a, err := h.tally.AccountByOwner(h.ctx, owner)
	require.NoError(h.t, err)
	return a
}

func expense(amount string) entry.Fields {
	return entry.Fields{
		Amount:      types.MustAmount(amount),
		Description: "Groceries",
		Category:    "food",
	}
}

func createExpense(owner, amount string) tally.CreateEntryRequest {
	return tally.CreateEntryRequest{OwnerID: owner, Kind: entry.KindExpense, Fields: expense(amount)}
}
