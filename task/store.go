package task

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

type Store interface {
	EnqueueTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)
	ListTasks(ctx context.Context, opts ListOpts) ([]*Task, error)

	// ClaimTasks atomically claims up to limit pending tasks visible at now,
	// counting one attempt each and hiding them until now+lease.
	ClaimTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Task, error)

	// RecordTaskError stores the last failure of a pending task.
	RecordTaskError(ctx context.Context, taskID id.TaskID, lastErr string) error

	// CompleteTask and FailTask apply the terminal transitions. Both match
	// only pending tasks.
	CompleteTask(ctx context.Context, taskID id.TaskID, at time.Time) error
	FailTask(ctx context.Context, taskID id.TaskID, lastErr string, at time.Time) error

	// PurgeTasks deletes terminal tasks last updated before the cutoff.
	PurgeTasks(ctx context.Context, before time.Time) (int64, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
