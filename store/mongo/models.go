package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/credit"
	"github.com/xraph/tally/entry"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/idempotency"
	"github.com/xraph/tally/task"
	"github.com/xraph/tally/types"
)

// Amounts are stored as Decimal128 so that $inc and range filters stay
// exact on the server.

type encoder struct{ err error }

func (c *encoder) dec(a types.Amount) bson.Decimal128 {
	d, err := bson.ParseDecimal128(a.String())
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("encode amount %s: %w", a, err)
	}
	return d
}

type decoder struct{ err error }

func (c *decoder) amount(d bson.Decimal128) types.Amount {
	a, err := types.NewAmount(d.String())
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("decode amount %s: %w", d, err)
	}
	return a
}

func (c *decoder) id(s string) id.ID {
	v, err := id.ParseOptional(s)
	if err != nil && c.err == nil {
		c.err = err
	}
	return v
}

func idString(i id.ID) string {
	if i.IsNil() {
		return ""
	}
	return i.String()
}

func decimal(a types.Amount) (bson.Decimal128, error) {
	var enc encoder
	d := enc.dec(a)
	return d, enc.err
}

// ==================== Entry models ====================

type fieldsModel struct {
	Amount        bson.Decimal128   `bson:"amount"`
	Description   string            `bson:"description"`
	Category      string            `bson:"category"`
	OccurredAt    time.Time         `bson:"occurred_at"`
	PaymentMethod string            `bson:"payment_method,omitempty"`
	Notes         string            `bson:"notes,omitempty"`
	Tags          []string          `bson:"tags,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
}

type versionModel struct {
	Version      int         `bson:"version"`
	Status       string      `bson:"status"`
	Data         fieldsModel `bson:"data"`
	SupersededAt time.Time   `bson:"superseded_at"`
}

type exportModel struct {
	ReportID        string    `bson:"report_id"`
	ExportedAt      time.Time `bson:"exported_at"`
	VersionAtExport int       `bson:"version_at_export"`
}

type chargeModel struct {
	Required      bool            `bson:"required"`
	Completed     bool            `bson:"completed"`
	Amount        bson.Decimal128 `bson:"amount"`
	AttemptedAt   *time.Time      `bson:"attempted_at,omitempty"`
	CompletedAt   *time.Time      `bson:"completed_at,omitempty"`
	TransactionID string          `bson:"transaction_id,omitempty"`
}

type reconciliationModel struct {
	Flagged   bool       `bson:"flagged"`
	Reason    string     `bson:"reason,omitempty"`
	FlaggedAt *time.Time `bson:"flagged_at,omitempty"`
}

type entryModel struct {
	ID      string      `bson:"_id"`
	OwnerID string      `bson:"owner_id"`
	Kind    string      `bson:"kind"`
	Status  string      `bson:"status"`
	Fields  fieldsModel `bson:",inline"`

	IsDeleted      bool                `bson:"is_deleted"`
	DeletedAt      *time.Time          `bson:"deleted_at,omitempty"`
	Version        int                 `bson:"version"`
	VersionLog     []versionModel      `bson:"version_log"`
	ExportHistory  []exportModel       `bson:"export_history"`
	Charge         chargeModel         `bson:"charge"`
	ReversalOf     string              `bson:"reversal_of,omitempty"`
	ReversalID     string              `bson:"reversal_id,omitempty"`
	Hidden         bool                `bson:"hidden"`
	Reconciliation reconciliationModel `bson:"reconciliation"`
	CreatedAt      time.Time           `bson:"created_at"`
	UpdatedAt      time.Time           `bson:"updated_at"`
}

func (c *encoder) fields(f entry.Fields) fieldsModel {
	return fieldsModel{
		Amount:        c.dec(f.Amount),
		Description:   f.Description,
		Category:      f.Category,
		OccurredAt:    f.OccurredAt,
		PaymentMethod: f.PaymentMethod,
		Notes:         f.Notes,
		Tags:          f.Tags,
		Metadata:      f.Metadata,
	}
}

func (c *decoder) fields(m fieldsModel) entry.Fields {
	return entry.Fields{
		Amount:        c.amount(m.Amount),
		Description:   m.Description,
		Category:      m.Category,
		OccurredAt:    m.OccurredAt.UTC(),
		PaymentMethod: m.PaymentMethod,
		Notes:         m.Notes,
		Tags:          m.Tags,
		Metadata:      m.Metadata,
	}
}

func (c *encoder) version(r entry.VersionRecord) versionModel {
	return versionModel{
		Version:      r.Version,
		Status:       string(r.Status),
		Data:         c.fields(r.Data),
		SupersededAt: r.SupersededAt,
	}
}

func toEntryModel(e *entry.Entry) (*entryModel, error) {
	var enc encoder

	versions := make([]versionModel, len(e.VersionLog))
	for i, r := range e.VersionLog {
		versions[i] = enc.version(r)
	}
	exports := make([]exportModel, len(e.ExportHistory))
	for i, x := range e.ExportHistory {
		exports[i] = exportModel(x)
	}

	m := &entryModel{
		ID:            e.ID.String(),
		OwnerID:       e.OwnerID,
		Kind:          string(e.Kind),
		Status:        string(e.Status),
		Fields:        enc.fields(e.Fields),
		IsDeleted:     e.IsDeleted,
		DeletedAt:     e.DeletedAt,
		Version:       e.Version,
		VersionLog:    versions,
		ExportHistory: exports,
		Charge: chargeModel{
			Required:      e.Charge.Required,
			Completed:     e.Charge.Completed,
			Amount:        enc.dec(e.Charge.Amount),
			AttemptedAt:   e.Charge.AttemptedAt,
			CompletedAt:   e.Charge.CompletedAt,
			TransactionID: idString(e.Charge.TransactionID),
		},
		ReversalOf:     idString(e.ReversalOf),
		ReversalID:     idString(e.ReversalID),
		Hidden:         e.Hidden,
		Reconciliation: reconciliationModel(e.Reconciliation),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return m, nil
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	var dec decoder

	e := &entry.Entry{
		Entity:    types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Fields:    dec.fields(m.Fields),
		ID:        dec.id(m.ID),
		OwnerID:   m.OwnerID,
		Kind:      entry.Kind(m.Kind),
		Status:    entry.Status(m.Status),
		IsDeleted: m.IsDeleted,
		DeletedAt: utcPtr(m.DeletedAt),
		Version:   m.Version,
		Charge: entry.ChargeState{
			Required:      m.Charge.Required,
			Completed:     m.Charge.Completed,
			Amount:        dec.amount(m.Charge.Amount),
			AttemptedAt:   utcPtr(m.Charge.AttemptedAt),
			CompletedAt:   utcPtr(m.Charge.CompletedAt),
			TransactionID: dec.id(m.Charge.TransactionID),
		},
		ReversalOf: dec.id(m.ReversalOf),
		ReversalID: dec.id(m.ReversalID),
		Hidden:     m.Hidden,
		Reconciliation: entry.Reconciliation{
			Flagged:   m.Reconciliation.Flagged,
			Reason:    m.Reconciliation.Reason,
			FlaggedAt: utcPtr(m.Reconciliation.FlaggedAt),
		},
	}
	for _, v := range m.VersionLog {
		e.VersionLog = append(e.VersionLog, entry.VersionRecord{
			Version:      v.Version,
			Status:       entry.Status(v.Status),
			Data:         dec.fields(v.Data),
			SupersededAt: v.SupersededAt.UTC(),
		})
	}
	for _, x := range m.ExportHistory {
		e.ExportHistory = append(e.ExportHistory, entry.ExportRecord{
			ReportID:        x.ReportID,
			ExportedAt:      x.ExportedAt.UTC(),
			VersionAtExport: x.VersionAtExport,
		})
	}

	if dec.err != nil {
		return nil, fmt.Errorf("tally/mongo: decode entry %s: %w", m.ID, dec.err)
	}
	return e, nil
}

// ==================== Account models ====================

type movementModel struct {
	Kind          string          `bson:"kind"`
	Requested     bson.Decimal128 `bson:"requested"`
	Applied       bson.Decimal128 `bson:"applied"`
	Reference     string          `bson:"reference,omitempty"`
	BalanceAfter  bson.Decimal128 `bson:"balance_after"`
	ReservedAfter bson.Decimal128 `bson:"reserved_after"`
	At            time.Time       `bson:"at"`
}

type holdModel struct {
	Reference string          `bson:"reference"`
	Amount    bson.Decimal128 `bson:"amount"`
}

type accountModel struct {
	ID        string          `bson:"_id"`
	OwnerID   string          `bson:"owner_id"`
	Balance   bson.Decimal128 `bson:"balance"`
	Reserved  bson.Decimal128 `bson:"reserved"`
	Version   int64           `bson:"version"`
	Holds     []holdModel     `bson:"holds"`
	Movements []movementModel `bson:"movements"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

func (c *encoder) movement(m account.Movement) movementModel {
	return movementModel{
		Kind:          string(m.Kind),
		Requested:     c.dec(m.Requested),
		Applied:       c.dec(m.Applied),
		Reference:     m.Reference,
		BalanceAfter:  c.dec(m.BalanceAfter),
		ReservedAfter: c.dec(m.ReservedAfter),
		At:            m.At,
	}
}

func (c *encoder) holds(hs []account.Hold) []holdModel {
	out := make([]holdModel, len(hs))
	for i, h := range hs {
		out[i] = holdModel{Reference: h.Reference, Amount: c.dec(h.Amount)}
	}
	return out
}

func toAccountModel(a *account.Account) (*accountModel, error) {
	var enc encoder
	movements := make([]movementModel, len(a.Movements))
	for i, m := range a.Movements {
		movements[i] = enc.movement(m)
	}
	m := &accountModel{
		ID:        a.ID.String(),
		OwnerID:   a.OwnerID,
		Balance:   enc.dec(a.Balance),
		Reserved:  enc.dec(a.Reserved),
		Version:   a.Version,
		Holds:     enc.holds(a.Holds),
		Movements: movements,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return m, nil
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	var dec decoder
	a := &account.Account{
		Entity:   types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:       dec.id(m.ID),
		OwnerID:  m.OwnerID,
		Balance:  dec.amount(m.Balance),
		Reserved: dec.amount(m.Reserved),
		Version:  m.Version,
	}
	for _, h := range m.Holds {
		a.Holds = append(a.Holds, account.Hold{Reference: h.Reference, Amount: dec.amount(h.Amount)})
	}
	for _, mv := range m.Movements {
		a.Movements = append(a.Movements, account.Movement{
			Kind:          account.MovementKind(mv.Kind),
			Requested:     dec.amount(mv.Requested),
			Applied:       dec.amount(mv.Applied),
			Reference:     mv.Reference,
			BalanceAfter:  dec.amount(mv.BalanceAfter),
			ReservedAfter: dec.amount(mv.ReservedAfter),
			At:            mv.At.UTC(),
		})
	}
	if dec.err != nil {
		return nil, fmt.Errorf("tally/mongo: decode account %s: %w", m.ID, dec.err)
	}
	return a, nil
}

// ==================== Credit transaction models ====================

type transactionModel struct {
	ID             string            `bson:"_id"`
	AccountID      string            `bson:"account_id"`
	OwnerID        string            `bson:"owner_id"`
	Direction      string            `bson:"direction"`
	Amount         bson.Decimal128   `bson:"amount"`
	BalanceBefore  bson.Decimal128   `bson:"balance_before"`
	BalanceAfter   bson.Decimal128   `bson:"balance_after"`
	Status         string            `bson:"status"`
	RelatedEntryID string            `bson:"related_entry_id,omitempty"`
	Operation      string            `bson:"operation"`
	Description    string            `bson:"description,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	ReversedAt     *time.Time        `bson:"reversed_at,omitempty"`
	ReversalReason string            `bson:"reversal_reason,omitempty"`
}

func toTransactionModel(t *credit.Transaction) (*transactionModel, error) {
	var enc encoder
	m := &transactionModel{
		ID:             t.ID.String(),
		AccountID:      t.AccountID.String(),
		OwnerID:        t.OwnerID,
		Direction:      string(t.Direction),
		Amount:         enc.dec(t.Amount),
		BalanceBefore:  enc.dec(t.BalanceBefore),
		BalanceAfter:   enc.dec(t.BalanceAfter),
		Status:         string(t.Status),
		RelatedEntryID: idString(t.RelatedEntryID),
		Operation:      t.Operation,
		Description:    t.Description,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
		ReversedAt:     t.ReversedAt,
		ReversalReason: t.ReversalReason,
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return m, nil
}

func fromTransactionModel(m *transactionModel) (*credit.Transaction, error) {
	var dec decoder
	t := &credit.Transaction{
		ID:             dec.id(m.ID),
		AccountID:      dec.id(m.AccountID),
		OwnerID:        m.OwnerID,
		Direction:      credit.Direction(m.Direction),
		Amount:         dec.amount(m.Amount),
		BalanceBefore:  dec.amount(m.BalanceBefore),
		BalanceAfter:   dec.amount(m.BalanceAfter),
		Status:         credit.Status(m.Status),
		RelatedEntryID: dec.id(m.RelatedEntryID),
		Operation:      m.Operation,
		Description:    m.Description,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt.UTC(),
		ReversedAt:     utcPtr(m.ReversedAt),
		ReversalReason: m.ReversalReason,
	}
	if dec.err != nil {
		return nil, fmt.Errorf("tally/mongo: decode transaction %s: %w", m.ID, dec.err)
	}
	return t, nil
}

// ==================== Task models ====================

type payloadModel struct {
	AccountID string            `bson:"account_id"`
	OwnerID   string            `bson:"owner_id,omitempty"`
	Amount    bson.Decimal128   `bson:"amount"`
	EntryID   string            `bson:"entry_id,omitempty"`
	Reference string            `bson:"reference,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
}

type taskModel struct {
	ID            string       `bson:"_id"`
	Payload       payloadModel `bson:"payload"`
	Attempts      int          `bson:"attempts"`
	MaxAttempts   int          `bson:"max_attempts"`
	Status        string       `bson:"status"`
	LastAttemptAt *time.Time   `bson:"last_attempt_at,omitempty"`
	VisibleAt     time.Time    `bson:"visible_at"`
	LastError     string       `bson:"last_error,omitempty"`
	CompletedAt   *time.Time   `bson:"completed_at,omitempty"`
	FailedAt      *time.Time   `bson:"failed_at,omitempty"`
	CreatedAt     time.Time    `bson:"created_at"`
	UpdatedAt     time.Time    `bson:"updated_at"`
}

func toTaskModel(t *task.Task) (*taskModel, error) {
	var enc encoder
	m := &taskModel{
		ID: t.ID.String(),
		Payload: payloadModel{
			AccountID: t.Payload.AccountID.String(),
			OwnerID:   t.Payload.OwnerID,
			Amount:    enc.dec(t.Payload.Amount),
			EntryID:   idString(t.Payload.EntryID),
			Reference: t.Payload.Reference,
			Metadata:  t.Payload.Metadata,
		},
		Attempts:      t.Attempts,
		MaxAttempts:   t.MaxAttempts,
		Status:        string(t.Status),
		LastAttemptAt: t.LastAttemptAt,
		VisibleAt:     t.VisibleAt,
		LastError:     t.LastError,
		CompletedAt:   t.CompletedAt,
		FailedAt:      t.FailedAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return m, nil
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	var dec decoder
	t := &task.Task{
		Entity: types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:     dec.id(m.ID),
		Payload: task.Payload{
			AccountID: dec.id(m.Payload.AccountID),
			OwnerID:   m.Payload.OwnerID,
			Amount:    dec.amount(m.Payload.Amount),
			EntryID:   dec.id(m.Payload.EntryID),
			Reference: m.Payload.Reference,
			Metadata:  m.Payload.Metadata,
		},
		Attempts:      m.Attempts,
		MaxAttempts:   m.MaxAttempts,
		Status:        task.Status(m.Status),
		LastAttemptAt: utcPtr(m.LastAttemptAt),
		VisibleAt:     m.VisibleAt.UTC(),
		LastError:     m.LastError,
		CompletedAt:   utcPtr(m.CompletedAt),
		FailedAt:      utcPtr(m.FailedAt),
	}
	if dec.err != nil {
		return nil, fmt.Errorf("tally/mongo: decode task %s: %w", m.ID, dec.err)
	}
	return t, nil
}

// ==================== Idempotency models ====================

type recordModel struct {
	Key         string    `bson:"_id"`
	OwnerID     string    `bson:"owner_id,omitempty"`
	Operation   string    `bson:"operation,omitempty"`
	RequestHash string    `bson:"request_hash"`
	Response    string    `bson:"response"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func toRecordModel(r *idempotency.Record) *recordModel {
	return &recordModel{
		Key:         r.Key,
		OwnerID:     r.OwnerID,
		Operation:   r.Operation,
		RequestHash: r.RequestHash,
		Response:    string(r.Response),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func fromRecordModel(m *recordModel) *idempotency.Record {
	return &idempotency.Record{
		Key:         m.Key,
		OwnerID:     m.OwnerID,
		Operation:   m.Operation,
		RequestHash: m.RequestHash,
		Response:    json.RawMessage(m.Response),
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
