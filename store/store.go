// Package store defines the unified persistence interface for Tally.
package store

import (
	"context"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/idempotency"
	"github.com/xraph/tally/task"
)

// Store is the unified storage interface for all Tally entities.
// Method names are distinct across sub-interfaces so they embed cleanly.
type Store interface {
	entry.Store
	account.Store
	credit.Store
	task.Store
	idempotency.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
