package idempotency

import (
	"context"
	"time"
)

// Store persists idempotency records.
type Store interface {
	// GetRecord returns the live record for key. Expired records are
	// reported as not found.
	GetRecord(ctx context.Context, key string, now time.Time) (*Record, error)

	// SaveRecord inserts r. It fails with an already-exists error when a
	// live record holds the key; an expired record is replaced.
	SaveRecord(ctx context.Context, r *Record) error

	// PruneRecords deletes records that expired before the cutoff.
	PruneRecords(ctx context.Context, before time.Time) (int64, error)
}

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker serializes concurrent requests carrying the same key so that only
// one of them runs the operation.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
