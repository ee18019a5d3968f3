// Package tally keeps a ledger of income and expense entries and the credit
// balances that pay for them consistent on a document store that only offers
// single-document atomic updates.
//
// Tally is designed as a library, not a service. It provides:
//
//   - Entry creation that either commits the entry and its charge together or
//     leaves neither behind, with explicit compensation on partial failure
//   - In-place, identity-preserving edits with a version history and
//     export-discrepancy reporting
//   - Idempotent soft deletes that write exactly one hidden reversal entry
//   - Fund reservations (reserve/release/rollback) with a movement history
//     that reconciles to the reserved total
//   - A durable visibility-timeout queue that settles reservations once an
//     external confirmation arrives and returns the funds after bounded retries
//   - Request deduplication by client-supplied idempotency key
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/store/mongo"
//	)
//
//	s, err := mongo.Open(ctx, uri, "tally")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	t := tally.New(s, tally.WithLogger(logger))
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
//	res, err := t.CreateEntry(ctx, tally.CreateEntryRequest{
//	    OwnerID: "user_42",
//	    Kind:    entry.KindExpense,
//	    Fields: entry.Fields{
//	        Amount:      tally.MustAmount("12.50"),
//	        Description: "Lunch",
//	        Category:    "food",
//	    },
//	})
//
// # Costs
//
// A policy.CostPolicy decides whether an entry costs credits. The default
// gives every owner a monthly allowance of free entries and charges a flat
// amount after that. Charged entries are debited with a conditional update
// that only succeeds while the balance covers the cost, so concurrent
// creators can never overdraw an account.
//
// # Errors
//
// Validation and insufficient-funds failures are returned before anything is
// written. Failures after the entry was written return a *CommitError that
// names every identifier involved and whether compensation completed.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	entry_01h2xcejqtf2nbrexx3vqjhp41  // Entry ID
//	acct_01h2xcejqtf2nbrexx3vqjhp41   // Account ID
//	task_01h455vb4pex5vsknk084sn02q   // Task ID
package tally
