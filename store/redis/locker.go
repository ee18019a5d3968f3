package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tally/idempotency"
)

const lockPrefix = "tally:lock:"

// ErrLockNotHeld is returned by an unlock whose lease already expired or
// was taken over.
var ErrLockNotHeld = errors.New("tally/redis: lock not held")

var errBusy = errors.New("tally/redis: lock busy")

// unlockScript deletes the key only if it still holds our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compile-time interface check
var _ idempotency.Locker = (*Locker)(nil)

// Locker is a single-instance Redis lease lock. The lease bounds how long a
// crashed holder blocks the key.
type Locker struct {
	client goredis.UniversalClient

	// RetryInterval caps the wait between acquisition attempts.
	RetryInterval time.Duration
}

// NewLocker creates a Locker on client.
func NewLocker(client goredis.UniversalClient) *Locker {
	return &Locker{client: client, RetryInterval: 200 * time.Millisecond}
}

// Lock blocks until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (idempotency.UnlockFunc, error) {
	name := lockPrefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = l.RetryInterval

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errBusy
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tally/redis: acquire lock: %w", err)
	}

	return func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{name}, token).Int64()
		if err != nil {
			return fmt.Errorf("tally/redis: release lock: %w", err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}
