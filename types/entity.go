package types

import "time"

// Entity is the base type for all Tally entities with timestamps.
// Embed this in domain types to get timestamp handling.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped with now, truncated to the millisecond
// precision that document stores persist.
func NewEntity(now time.Time) Entity {
	now = now.UTC().Truncate(time.Millisecond)
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC().Truncate(time.Millisecond)
}
