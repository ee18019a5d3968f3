package tally_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

// slowStore adds a round-trip delay to account reads and reservations.
type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s *slowStore) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	time.Sleep(s.delay)
	return s.Store.GetAccount(ctx, accountID)
}

func (s *slowStore) ReserveFunds(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string, at time.Time) (*account.Account, error) {
	time.Sleep(s.delay)
	return s.Store.ReserveFunds(ctx, accountID, amount, reference, at)
}

func (s *slowStore) SettleReservation(ctx context.Context, accountID id.AccountID, kind account.MovementKind, requested types.Amount, reference string, at time.Time) (*account.Account, error) {
	time.Sleep(s.delay)
	return s.Store.SettleReservation(ctx, accountID, kind, requested, reference, at)
}

// gatedStore holds every armed entry read until readers of them have all
// arrived, so concurrent edits see the same version.
type gatedStore struct {
	*memory.Store
	armed   atomic.Bool
	readers sync.WaitGroup
}

func (s *gatedStore) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	e, err := s.Store.GetEntry(ctx, entryID)
	if s.armed.Load() {
		s.readers.Done()
		s.readers.Wait()
	}
	return e, err
}
