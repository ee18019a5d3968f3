// Package mongo implements store.Store on MongoDB. Every mutation is a
// single conditional update on one document; when a condition fails the
// document is re-read to report why.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	tally "github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/idempotency"
	tallystore "github.com/xraph/tally/store"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Collection name constants.
const (
	colEntries      = "tally_entries"
	colAccounts     = "tally_accounts"
	colTransactions = "tally_credit_transactions"
	colTasks        = "tally_tasks"
	colIdempotency  = "tally_idempotency"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using the official MongoDB driver.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	owned  bool
}

// New creates a store on an existing database handle. Close does not
// disconnect a client passed in this way.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Open connects to uri and returns a store on database name.
func Open(ctx context.Context, uri, name string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx)) //nolint:errcheck // already failing
		return nil, fmt.Errorf("tally/mongo: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(name), owned: true}, nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// Migrate creates indexes for all tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("tally/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close disconnects the client if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// ==================== Entry Store ====================

func (s *Store) CreateEntry(ctx context.Context, e *entry.Entry) error {
	m, err := toEntryModel(e)
	if err != nil {
		return fmt.Errorf("tally/mongo: create entry: %w", err)
	}
	if _, err := s.col(colEntries).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return wrap("create entry", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	var m entryModel
	err := s.col(colEntries).FindOne(ctx, bson.M{"_id": entryID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, wrap("get entry", err)
	}
	return fromEntryModel(&m)
}

func (s *Store) ListEntries(ctx context.Context, ownerID string, opts entry.ListOpts) ([]*entry.Entry, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if !opts.IncludeHidden {
		filter["hidden"] = false
	}
	if !opts.IncludeDeleted {
		filter["is_deleted"] = false
	}

	find := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		find.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		find.SetSkip(int64(opts.Offset))
	}

	var models []entryModel
	if err := s.findAll(ctx, colEntries, filter, find, &models); err != nil {
		return nil, wrap("list entries", err)
	}
	return decodeAll(models, fromEntryModel)
}

func (s *Store) CountEntries(ctx context.Context, ownerID string, opts entry.CountOpts) (int64, error) {
	filter := bson.M{"owner_id": ownerID}
	if len(opts.Kinds) > 0 {
		kinds := make(bson.A, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		filter["kind"] = bson.M{"$in": kinds}
	}
	created := bson.M{}
	if !opts.Since.IsZero() {
		created["$gte"] = opts.Since
	}
	if !opts.Until.IsZero() {
		created["$lt"] = opts.Until
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	n, err := s.col(colEntries).CountDocuments(ctx, filter)
	if err != nil {
		return 0, wrap("count entries", err)
	}
	return n, nil
}

func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	res, err := s.col(colEntries).DeleteOne(ctx, bson.M{"_id": entryID.String()})
	if err != nil {
		return wrap("delete entry", err)
	}
	if res.DeletedCount == 0 {
		return tally.ErrEntryNotFound
	}
	return nil
}

func (s *Store) CompleteCharge(ctx context.Context, entryID id.EntryID, txnID id.CreditTransactionID, at time.Time) error {
	at = at.UTC()
	set := bson.M{
		"charge.completed":    true,
		"charge.completed_at": at,
		"updated_at":          at,
	}
	if !txnID.IsNil() {
		set["charge.transaction_id"] = txnID.String()
	}
	res, err := s.col(colEntries).UpdateOne(ctx, bson.M{"_id": entryID.String()}, bson.M{"$set": set})
	if err != nil {
		return wrap("complete charge", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrEntryNotFound
	}
	return nil
}

func (s *Store) SupersedeEntry(ctx context.Context, e *entry.Entry, expectedVersion int) error {
	if len(e.VersionLog) == 0 {
		return fmt.Errorf("%w: supersede without a version record", tally.ErrInvalidInput)
	}

	var enc encoder
	fields := enc.fields(e.Fields)
	last := enc.version(e.VersionLog[len(e.VersionLog)-1])
	if enc.err != nil {
		return fmt.Errorf("tally/mongo: supersede entry: %w", enc.err)
	}

	filter := bson.M{
		"_id":        e.ID.String(),
		"owner_id":   e.OwnerID,
		"status":     string(entry.StatusActive),
		"is_deleted": false,
		"version":    expectedVersion,
	}
	update := bson.M{
		"$set": bson.M{
			"amount":         fields.Amount,
			"description":    fields.Description,
			"category":       fields.Category,
			"occurred_at":    fields.OccurredAt,
			"payment_method": fields.PaymentMethod,
			"notes":          fields.Notes,
			"tags":           fields.Tags,
			"metadata":       fields.Metadata,
			"version":        e.Version,
			"updated_at":     e.UpdatedAt,
		},
		"$push": bson.M{"version_log": last},
	}

	res, err := s.col(colEntries).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrap("supersede entry", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	cur, err := s.GetEntry(ctx, e.ID)
	switch {
	case err != nil:
		return err
	case cur.OwnerID != e.OwnerID:
		return tally.ErrEntryNotFound
	case !cur.IsActive():
		return tally.ErrEntryNotActive
	default:
		return tally.ErrVersionConflict
	}
}

func (s *Store) VoidEntry(ctx context.Context, entryID id.EntryID, ownerID string, reversalID id.EntryID, at time.Time) error {
	at = at.UTC()
	filter := bson.M{
		"_id":        entryID.String(),
		"owner_id":   ownerID,
		"status":     string(entry.StatusActive),
		"is_deleted": false,
	}
	update := bson.M{"$set": bson.M{
		"status":      string(entry.StatusVoided),
		"is_deleted":  true,
		"deleted_at":  at,
		"reversal_id": reversalID.String(),
		"updated_at":  at,
	}}

	res, err := s.col(colEntries).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrap("void entry", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	cur, err := s.GetEntry(ctx, entryID)
	switch {
	case err != nil:
		return err
	case cur.OwnerID != ownerID:
		return tally.ErrEntryNotFound
	default:
		return tally.ErrEntryNotActive
	}
}

func (s *Store) AppendExport(ctx context.Context, entryID id.EntryID, rec entry.ExportRecord) (*entry.Entry, error) {
	var m entryModel
	err := s.col(colEntries).FindOneAndUpdate(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$push": bson.M{"export_history": exportModel(rec)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, wrap("append export", err)
	}
	return fromEntryModel(&m)
}

func (s *Store) FlagEntry(ctx context.Context, entryID id.EntryID, reason string, at time.Time) error {
	res, err := s.col(colEntries).UpdateOne(ctx,
		bson.M{"_id": entryID.String()},
		bson.M{"$set": bson.M{
			"reconciliation.flagged":    true,
			"reconciliation.reason":     reason,
			"reconciliation.flagged_at": at.UTC(),
		}},
	)
	if err != nil {
		return wrap("flag entry", err)
	}
	if res.MatchedCount == 0 {
		return tally.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListPendingCharges(ctx context.Context, attemptedBefore time.Time, limit int) ([]*entry.Entry, error) {
	filter := bson.M{
		"charge.required":     true,
		"charge.completed":    false,
		"charge.attempted_at": bson.M{"$lt": attemptedBefore},
		"is_deleted":          false,
	}
	find := options.Find().SetSort(bson.D{{Key: "charge.attempted_at", Value: 1}})
	if limit > 0 {
		find.SetLimit(int64(limit))
	}

	var models []entryModel
	if err := s.findAll(ctx, colEntries, filter, find, &models); err != nil {
		return nil, wrap("list pending charges", err)
	}
	return decodeAll(models, fromEntryModel)
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	m, err := toAccountModel(a)
	if err != nil {
		return fmt.Errorf("tally/mongo: create account: %w", err)
	}
	if _, err := s.col(colAccounts).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return wrap("create account", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return s.findAccount(ctx, bson.M{"_id": accountID.String()})
}

func (s *Store) GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	return s.findAccount(ctx, bson.M{"owner_id": ownerID})
}

func (s *Store) findAccount(ctx context.Context, filter bson.M) (*account.Account, error) {
	var m accountModel
	if err := s.col(colAccounts).FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrAccountNotFound
		}
		return nil, wrap("get account", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) DebitAccount(ctx context.Context, accountID id.AccountID, amount types.Amount) (*account.Account, error) {
	d, err := decimal(amount)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: debit account: %w", err)
	}
	neg, err := decimal(amount.Neg())
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: debit account: %w", err)
	}

	a, err := s.updateAccount(ctx, "debit account",
		bson.M{"_id": accountID.String(), "balance": bson.M{"$gte": d}},
		bson.M{
			"$inc": bson.M{"balance": neg, "version": int64(1)},
			"$set": bson.M{"updated_at": now()},
		},
	)
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return a, err
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return nil, tally.ErrInsufficientFunds
}

func (s *Store) CreditAccount(ctx context.Context, accountID id.AccountID, amount types.Amount) (*account.Account, error) {
	d, err := decimal(amount)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: credit account: %w", err)
	}
	a, err := s.updateAccount(ctx, "credit account",
		bson.M{"_id": accountID.String()},
		bson.M{
			"$inc": bson.M{"balance": d, "version": int64(1)},
			"$set": bson.M{"updated_at": now()},
		},
	)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, tally.ErrAccountNotFound
	}
	return a, err
}

// ReserveFunds is one pipeline update: the filter carries the balance check
// and the reference guard, and the stages compute the new totals, hold and
// movement from the matched document.
func (s *Store) ReserveFunds(ctx context.Context, accountID id.AccountID, amount types.Amount, reference string, at time.Time) (*account.Account, error) {
	amt, err := decimal(amount)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: reserve funds: %w", err)
	}
	at = at.UTC().Truncate(time.Millisecond)
	ref := bson.M{"$literal": reference}
	balanceAfter := bson.M{"$subtract": bson.A{"$balance", amt}}
	reservedAfter := bson.M{"$add": bson.A{"$reserved", amt}}

	filter := bson.M{
		"_id":             accountID.String(),
		"balance":         bson.M{"$gte": amt},
		"holds.reference": bson.M{"$ne": reference},
		"movements": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"kind":      string(account.MovementReserve),
			"reference": reference,
		}}},
	}
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"balance":    balanceAfter,
		"reserved":   reservedAfter,
		"version":    bson.M{"$add": bson.A{"$version", int64(1)}},
		"updated_at": at,
		"holds": bson.M{"$concatArrays": bson.A{
			bson.M{"$ifNull": bson.A{"$holds", bson.A{}}},
			bson.A{bson.M{"reference": ref, "amount": amt}},
		}},
		"movements": bson.M{"$slice": bson.A{
			bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$movements", bson.A{}}},
				bson.A{bson.M{
					"kind":           string(account.MovementReserve),
					"requested":      amt,
					"applied":        amt,
					"reference":      ref,
					"balance_after":  balanceAfter,
					"reserved_after": reservedAfter,
					"at":             at,
				}},
			}},
			-account.MaxMovements,
		}},
	}}}}

	for range 3 {
		a, err := s.updateAccount(ctx, "reserve funds", filter, update)
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return a, err
		}

		cur, err := s.GetAccount(ctx, accountID)
		switch {
		case err != nil:
			return nil, err
		case cur.WasReserved(reference):
			return nil, tally.ErrAlreadyExists
		case cur.Balance.LessThan(amount):
			return nil, tally.ErrInsufficientFunds
		}
		// The balance was topped up between the update and the read.
	}
	return nil, &tally.TransientStoreError{Op: "reserve funds", Err: tally.ErrVersionConflict}
}

// SettleReservation is one pipeline update. The first stages look up the
// reference's hold and clamp the applied amount to it; the last writes the
// totals, the reduced hold and the movement.
func (s *Store) SettleReservation(ctx context.Context, accountID id.AccountID, kind account.MovementKind, requested types.Amount, reference string, at time.Time) (*account.Account, error) {
	req, err := decimal(requested)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: settle reservation: %w", err)
	}
	zero, _ := decimal(types.Zero)
	at = at.UTC().Truncate(time.Millisecond)
	ref := bson.M{"$literal": reference}

	balanceAfter := any("$balance")
	if kind == account.MovementRollback {
		balanceAfter = bson.M{"$add": bson.A{"$balance", "$_applied"}}
	}
	reservedAfter := bson.M{"$subtract": bson.A{"$reserved", "$_applied"}}

	filter := bson.M{
		"_id": accountID.String(),
		"movements": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"kind":      string(kind),
			"reference": reference,
		}}},
		"$or": bson.A{
			bson.M{"holds.reference": reference},
			bson.M{"movements": bson.M{"$not": bson.M{"$elemMatch": bson.M{
				"kind":      string(account.MovementReserve),
				"reference": reference,
			}}}},
		},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"_held": bson.M{"$reduce": bson.M{
				"input":        bson.M{"$ifNull": bson.A{"$holds", bson.A{}}},
				"initialValue": zero,
				"in": bson.M{"$cond": bson.A{
					bson.M{"$eq": bson.A{"$$this.reference", ref}},
					"$$this.amount",
					"$$value",
				}},
			}},
		}}},
		{{Key: "$set", Value: bson.M{
			"_applied": bson.M{"$max": bson.A{zero, bson.M{"$min": bson.A{req, "$_held", "$reserved"}}}},
		}}},
		{{Key: "$set", Value: bson.M{
			"balance":    balanceAfter,
			"reserved":   reservedAfter,
			"version":    bson.M{"$add": bson.A{"$version", int64(1)}},
			"updated_at": at,
			"holds": bson.M{"$filter": bson.M{
				"input": bson.M{"$map": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$holds", bson.A{}}},
					"as":    "h",
					"in": bson.M{"$cond": bson.A{
						bson.M{"$eq": bson.A{"$$h.reference", ref}},
						bson.M{"reference": "$$h.reference", "amount": bson.M{"$subtract": bson.A{"$$h.amount", "$_applied"}}},
						"$$h",
					}},
				}},
				"as":   "h",
				"cond": bson.M{"$gt": bson.A{"$$h.amount", zero}},
			}},
			"movements": bson.M{"$slice": bson.A{
				bson.M{"$concatArrays": bson.A{
					bson.M{"$ifNull": bson.A{"$movements", bson.A{}}},
					bson.A{bson.M{
						"kind":           string(kind),
						"requested":      req,
						"applied":        "$_applied",
						"reference":      ref,
						"balance_after":  balanceAfter,
						"reserved_after": reservedAfter,
						"at":             at,
					}},
				}},
				-account.MaxMovements,
			}},
		}}},
		{{Key: "$unset", Value: bson.A{"_held", "_applied"}}},
	}

	a, err := s.updateAccount(ctx, "settle reservation", filter, update)
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return a, err
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return nil, tally.ErrAlreadyExists
}

// updateAccount returns mongo.ErrNoDocuments unwrapped when filter does not
// match, so callers can classify the miss.
func (s *Store) updateAccount(ctx context.Context, op string, filter bson.M, update any) (*account.Account, error) {
	var m accountModel
	err := s.col(colAccounts).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, wrap(op, err)
	}
	return fromAccountModel(&m)
}

// ==================== Credit Transaction Store ====================

func (s *Store) CreateTransaction(ctx context.Context, t *credit.Transaction) error {
	m, err := toTransactionModel(t)
	if err != nil {
		return fmt.Errorf("tally/mongo: create transaction: %w", err)
	}
	if _, err := s.col(colTransactions).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return wrap("create transaction", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, txnID id.CreditTransactionID) (*credit.Transaction, error) {
	var m transactionModel
	if err := s.col(colTransactions).FindOne(ctx, bson.M{"_id": txnID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrTransactionNotFound
		}
		return nil, wrap("get transaction", err)
	}
	return fromTransactionModel(&m)
}

func (s *Store) ListTransactions(ctx context.Context, opts credit.ListOpts) ([]*credit.Transaction, error) {
	filter := bson.M{}
	if !opts.AccountID.IsNil() {
		filter["account_id"] = opts.AccountID.String()
	}
	if !opts.RelatedEntryID.IsNil() {
		filter["related_entry_id"] = opts.RelatedEntryID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	find := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		find.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		find.SetSkip(int64(opts.Offset))
	}

	var models []transactionModel
	if err := s.findAll(ctx, colTransactions, filter, find, &models); err != nil {
		return nil, wrap("list transactions", err)
	}
	return decodeAll(models, fromTransactionModel)
}

func (s *Store) ReverseTransaction(ctx context.Context, txnID id.CreditTransactionID, reason string, at time.Time) error {
	res, err := s.col(colTransactions).UpdateOne(ctx,
		bson.M{"_id": txnID.String(), "status": string(credit.StatusCompleted)},
		bson.M{"$set": bson.M{
			"status":          string(credit.StatusReversed),
			"reversed_at":     at.UTC(),
			"reversal_reason": reason,
		}},
	)
	if err != nil {
		return wrap("reverse transaction", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, txnID); err != nil {
		return err
	}
	return tally.ErrInvalidTransition
}

// ==================== Task Store ====================

func (s *Store) EnqueueTask(ctx context.Context, t *task.Task) error {
	m, err := toTaskModel(t)
	if err != nil {
		return fmt.Errorf("tally/mongo: enqueue task: %w", err)
	}
	if _, err := s.col(colTasks).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return wrap("enqueue task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	var m taskModel
	if err := s.col(colTasks).FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrTaskNotFound
		}
		return nil, wrap("get task", err)
	}
	return fromTaskModel(&m)
}

func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	find := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		find.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		find.SetSkip(int64(opts.Offset))
	}

	var models []taskModel
	if err := s.findAll(ctx, colTasks, filter, find, &models); err != nil {
		return nil, wrap("list tasks", err)
	}
	return decodeAll(models, fromTaskModel)
}

// ClaimTasks claims one task per findOneAndUpdate, so two workers never
// receive the same attempt.
func (s *Store) ClaimTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*task.Task, error) {
	at := now.UTC().Truncate(time.Millisecond)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "visible_at", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	claimed := make([]*task.Task, 0, limit)
	for len(claimed) < limit {
		var m taskModel
		err := s.col(colTasks).FindOneAndUpdate(ctx,
			bson.M{"status": string(task.StatusPending), "visible_at": bson.M{"$lte": at}},
			bson.M{
				"$inc": bson.M{"attempts": 1},
				"$set": bson.M{
					"last_attempt_at": at,
					"visible_at":      at.Add(lease),
					"updated_at":      at,
				},
			},
			opts,
		).Decode(&m)
		if isNoDocuments(err) {
			break
		}
		if err != nil {
			return claimed, wrap("claim tasks", err)
		}
		t, err := fromTaskModel(&m)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *Store) RecordTaskError(ctx context.Context, taskID id.TaskID, lastErr string) error {
	return s.transitionTask(ctx, "record task error", taskID, bson.M{
		"last_error": lastErr,
		"updated_at": now(),
	})
}

func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, at time.Time) error {
	at = at.UTC()
	return s.transitionTask(ctx, "complete task", taskID, bson.M{
		"status":       string(task.StatusCompleted),
		"completed_at": at,
		"updated_at":   at,
	})
}

func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, lastErr string, at time.Time) error {
	at = at.UTC()
	return s.transitionTask(ctx, "fail task", taskID, bson.M{
		"status":     string(task.StatusFailed),
		"last_error": lastErr,
		"failed_at":  at,
		"updated_at": at,
	})
}

// transitionTask updates a pending task.
func (s *Store) transitionTask(ctx context.Context, op string, taskID id.TaskID, set bson.M) error {
	res, err := s.col(colTasks).UpdateOne(ctx,
		bson.M{"_id": taskID.String(), "status": string(task.StatusPending)},
		bson.M{"$set": set},
	)
	if err != nil {
		return wrap(op, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return tally.ErrInvalidTransition
}

func (s *Store) PurgeTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.col(colTasks).DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{string(task.StatusCompleted), string(task.StatusFailed)}},
		"updated_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, wrap("purge tasks", err)
	}
	return res.DeletedCount, nil
}

// ==================== Idempotency Store ====================

func (s *Store) GetRecord(ctx context.Context, key string, now time.Time) (*idempotency.Record, error) {
	var m recordModel
	err := s.col(colIdempotency).FindOne(ctx, bson.M{
		"_id":        key,
		"expires_at": bson.M{"$gt": now},
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrRecordNotFound
		}
		return nil, wrap("get idempotency record", err)
	}
	return fromRecordModel(&m), nil
}

// SaveRecord replaces an expired record that the TTL monitor has not yet
// removed. A live record makes the upsert collide on _id.
func (s *Store) SaveRecord(ctx context.Context, r *idempotency.Record) error {
	_, err := s.col(colIdempotency).ReplaceOne(ctx,
		bson.M{"_id": r.Key, "expires_at": bson.M{"$lte": r.CreatedAt}},
		toRecordModel(r),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tally.ErrAlreadyExists
		}
		return wrap("save idempotency record", err)
	}
	return nil
}

func (s *Store) PruneRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.col(colIdempotency).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, wrap("prune idempotency records", err)
	}
	return res.DeletedCount, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *Store) findAll(ctx context.Context, col string, filter bson.M, opts *options.FindOptionsBuilder, out any) error {
	cur, err := s.col(col).Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func decodeAll[M any, T any](models []M, decode func(*M) (T, error)) ([]T, error) {
	result := make([]T, len(models))
	for i := range models {
		v, err := decode(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// wrap marks network and timeout failures as transient so callers may retry.
func wrap(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &tally.TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("tally/mongo: %s: %w", op, err)
}

// migrationIndexes returns the index definitions for all tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "occurred_at", Value: -1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: 1}}},
			{
				Keys: bson.D{{Key: "charge.attempted_at", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.M{
					"charge.required":  true,
					"charge.completed": false,
				}),
			},
			{
				Keys:    bson.D{{Key: "reversal_of", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colAccounts: {
			{
				Keys:    bson.D{{Key: "owner_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "related_entry_id", Value: 1}}},
		},
		colTasks: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "visible_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		colIdempotency: {
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
	}
}
