// Package redis keeps idempotency records and in-flight request locks in
// Redis. Records expire through key TTLs, so PruneRecords has nothing to do.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	tally "github.com/xraph/tally"
	"github.com/xraph/tally/idempotency"
)

const recordPrefix = "tally:idem:"

// compile-time interface check
var _ idempotency.Store = (*Store)(nil)

// Store implements idempotency.Store on Redis.
type Store struct {
	client goredis.UniversalClient
}

// New creates a record store on client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("tally/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("tally/redis: ping: %w", err)
	}
	return New(client), nil
}

// Client returns the underlying client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) GetRecord(ctx context.Context, key string, now time.Time) (*idempotency.Record, error) {
	raw, err := s.client.Get(ctx, recordPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, tally.ErrRecordNotFound
		}
		return nil, fmt.Errorf("tally/redis: get record: %w", err)
	}

	var r idempotency.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("tally/redis: decode record: %w", err)
	}
	if r.Expired(now) {
		return nil, tally.ErrRecordNotFound
	}
	return &r, nil
}

// SaveRecord writes r with SET NX and a TTL matching its expiry.
func (s *Store) SaveRecord(ctx context.Context, r *idempotency.Record) error {
	ttl := r.ExpiresAt.Sub(r.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: record expires before it is created", tally.ErrInvalidInput)
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("tally/redis: encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, recordPrefix+r.Key, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("tally/redis: save record: %w", err)
	}
	if !ok {
		return tally.ErrAlreadyExists
	}
	return nil
}

// PruneRecords is a no-op; Redis expires records itself.
func (s *Store) PruneRecords(context.Context, time.Time) (int64, error) {
	return 0, nil
}
