// Package task defines durable deferred-completion tasks.
//
// A task finalizes a reservation once an external confirmation arrives.
// Tasks live in a visibility-timeout queue: claiming a task counts an
// attempt and hides it for the backoff window, so a task abandoned by a
// crashed worker reappears on its own.
package task

import (
	"time"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// DefaultMaxAttempts bounds how often a task is tried before it is failed
// and its reservation returned.
const DefaultMaxAttempts = 5

// Status of a deferred task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s may move to next.
// pending -> completed and pending -> failed are the only transitions.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

// Payload describes the reservation a task settles.
// EntryID, when set, names the pending entry whose charge the task settles.
type Payload struct {
	AccountID id.AccountID      `json:"account_id"`
	OwnerID   string            `json:"owner_id,omitempty"`
	Amount    types.Amount      `json:"amount"`
	EntryID   id.EntryID        `json:"entry_id,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Task is a unit of deferred work.
type Task struct {
	types.Entity
	ID            id.TaskID  `json:"id"`
	Payload       Payload    `json:"payload"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Status        Status     `json:"status"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	VisibleAt     time.Time  `json:"visible_at"`
	LastError     string     `json:"last_error,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// New builds a pending task that is immediately claimable.
func New(p Payload, maxAttempts int, now time.Time) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	e := types.NewEntity(now)
	return &Task{
		Entity:      e,
		ID:          id.NewTaskID(),
		Payload:     p,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
		VisibleAt:   e.CreatedAt,
	}
}

// Exhausted reports whether the attempt budget is spent.
func (t *Task) Exhausted() bool { return t.Attempts >= t.MaxAttempts }

// Overdue reports whether the task was claimed again after its last allowed
// attempt, which happens when the failure step did not finish.
func (t *Task) Overdue() bool { return t.Attempts > t.MaxAttempts }

// ProviderAttempts is the number of claims that may have reached the
// provider.
func (t *Task) ProviderAttempts() int { return min(t.Attempts, t.MaxAttempts) }

// Claim records an attempt and hides the task until now+lease.
func (t *Task) Claim(now time.Time, lease time.Duration) {
	at := now.UTC().Truncate(time.Millisecond)
	t.Attempts++
	t.LastAttemptAt = &at
	t.VisibleAt = at.Add(lease)
	t.UpdatedAt = at
}

// Clone returns a copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(t.Payload.Metadata))
		for k, v := range t.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	return &c
}
