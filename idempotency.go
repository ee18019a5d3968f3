package tally

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/tally/idempotency"
)

// IdempotentRequest identifies a composite request by its client key.
// Payload is hashed canonically; OwnerID and Operation are stored with the
// record and must match on replay.
type IdempotentRequest struct {
	Key       string `json:"key"`
	OwnerID   string `json:"owner_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Payload   any    `json:"payload"`
}

// Operation is the work guarded by an idempotency key. Its result is
// cached as JSON.
type Operation func(ctx context.Context) (any, error)

// IdempotencyGuard deduplicates retried composite requests.
type IdempotencyGuard struct {
	records idempotency.Store
	locker  idempotency.Locker
	ttl     time.Duration
	lockTTL time.Duration
	deps    Deps
}

// NewIdempotencyGuard returns a guard over records. A nil locker uses an
// in-process lock, which only serializes duplicates within one process.
func NewIdempotencyGuard(records idempotency.Store, locker idempotency.Locker, ttl, lockTTL time.Duration, deps Deps) *IdempotencyGuard {
	if locker == nil {
		locker = idempotency.NewLocalLocker()
	}
	d := DefaultConfig()
	if ttl <= 0 {
		ttl = d.IdempotencyTTL
	}
	if lockTTL <= 0 {
		lockTTL = d.IdempotencyLockTTL
	}
	return &IdempotencyGuard{records: records, locker: locker, ttl: ttl, lockTTL: lockTTL, deps: deps.normalize()}
}

// Execute runs op at most once per key. A replay with the same payload
// returns the stored response bytes without calling op. A replay with a
// different payload fails with *ConflictError. Failed operations store
// nothing.
func (g *IdempotencyGuard) Execute(ctx context.Context, req IdempotentRequest, op Operation) (json.RawMessage, bool, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, false, ValidationError{Field: "key", Message: "is required"}
	}

	hash, err := idempotency.Hash(req.Payload)
	if err != nil {
		return nil, false, ValidationError{Field: "payload", Message: err.Error()}
	}

	unlock, err := g.locker.Lock(ctx, req.Key, g.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("tally: lock idempotency key: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			g.deps.Logger.Warn("idempotency unlock failed", "key", req.Key, "error", err)
		}
	}()

	now := g.deps.now()
	rec, err := g.records.GetRecord(ctx, req.Key, now)
	switch {
	case err == nil:
		if rec.RequestHash != hash {
			return nil, false, &ConflictError{Key: req.Key, Reason: "payload differs from the original request"}
		}
		if rec.OwnerID != req.OwnerID || rec.Operation != req.Operation {
			return nil, false, &ConflictError{Key: req.Key, Reason: "key is bound to another operation"}
		}
		g.deps.Logger.Debug("idempotent replay", "key", req.Key, "operation", req.Operation)
		g.deps.Plugins.EmitIdempotentReplay(ctx, req.Key)
		return rec.Response, true, nil
	case !errors.Is(err, ErrRecordNotFound):
		return nil, false, fmt.Errorf("tally: read idempotency record: %w", err)
	}

	result, err := op(ctx)
	if err != nil {
		return nil, false, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("tally: encode idempotent response: %w", err)
	}

	saved := &idempotency.Record{
		Key:         req.Key,
		OwnerID:     req.OwnerID,
		Operation:   req.Operation,
		RequestHash: hash,
		Response:    raw,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.records.SaveRecord(ctx, saved); err != nil {
		// The operation committed. A retry of this key will run it again.
		g.deps.Logger.Error("idempotency record not saved",
			"key", req.Key,
			"operation", req.Operation,
			"error", err,
		)
	}
	return raw, false, nil
}

// Prune deletes records that have expired.
func (g *IdempotencyGuard) Prune(ctx context.Context) (int64, error) {
	return g.records.PruneRecords(ctx, g.deps.now())
}

// Do is Execute with a typed result. Fresh and replayed calls both decode
// the stored bytes, so they return identical values.
func Do[T any](ctx context.Context, g *IdempotencyGuard, req IdempotentRequest, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var out T
	raw, replayed, err := g.Execute(ctx, req, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, replayed, fmt.Errorf("tally: decode idempotent response: %w", err)
	}
	return out, replayed, nil
}
