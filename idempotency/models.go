// Package idempotency defines the records, hashing and locking used to
// deduplicate retried composite requests.
package idempotency

import (
	"encoding/json"
	"time"
)

// Record binds a client-supplied key to the request that first used it and
// the response that request produced. Records are written only after the
// operation succeeds.
type Record struct {
	Key         string          `json:"key"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	RequestHash string          `json:"request_hash"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the record no longer binds its key at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
