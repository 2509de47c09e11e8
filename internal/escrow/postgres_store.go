package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/settlement"
)

// PostgresStore persists conversations in PostgreSQL. Apply compares
// revisions inside a transaction, so a conversation and its record move
// together or not at all.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const conversationColumns = `id, creator_id, creator_identity, fan_identity, amount_minor, currency,
		       rail, payment_id, status, created_at, deadline, answered_at,
		       refunded_at, revision, updated_at`

const recordColumns = `conversation_id, status, rail, payout_errors, payout_last_error,
		       payout_last_error_code, payout_last_error_at, payout_next_action,
		       refund_error, refund_pending, released_at, refunded_at, released_by,
		       hold_reviewed_by, hold_reason, attempted_release_by, transfer_id,
		       refund_id, transfer_attempt, settling_since, settling_by, revision, updated_at`

func (p *PostgresStore) Create(ctx context.Context, mut Mutation) error {
	if mut.Conversation == nil || mut.Record == nil {
		return ErrInvalidRequest
	}
	conv, rec := mut.Conversation, mut.Record

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (
			id, creator_id, creator_identity, fan_identity, amount_minor, currency,
			rail, payment_id, status, created_at, deadline, answered_at,
			refunded_at, revision, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14)
		ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.CreatorID, conv.CreatorIdentity, conv.FanIdentity, conv.AmountMinor, conv.Currency,
		string(conv.Rail), conv.PaymentID, string(conv.Status), conv.CreatedAt, conv.Deadline,
		nullTime(conv.AnsweredAt), nullTime(conv.RefundedAt), conv.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAlreadyExists
	}

	nextAction, err := marshalNextAction(rec.PayoutNextAction)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_records (
			conversation_id, status, rail, payout_errors, payout_last_error,
			payout_last_error_code, payout_last_error_at, payout_next_action,
			refund_error, refund_pending, released_at, refunded_at, released_by,
			hold_reviewed_by, hold_reason, attempted_release_by, transfer_id,
			refund_id, transfer_attempt, settling_since, settling_by, revision, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1, $22)`,
		rec.ConversationID, string(rec.Status), string(rec.Rail), rec.PayoutErrors, rec.PayoutLastError,
		string(rec.PayoutLastErrorCode), nullTime(rec.PayoutLastErrorAt), nextAction,
		rec.RefundError, rec.RefundPending, nullTime(rec.ReleasedAt), nullTime(rec.RefundedAt), rec.ReleasedBy,
		rec.HoldReviewedBy, rec.HoldReason, rec.AttemptedReleaseBy, rec.TransferID,
		rec.RefundID, rec.TransferAttempt, nullTime(rec.SettlingSince), rec.SettlingBy, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if mut.Message != nil {
		if err := insertMessage(ctx, tx, mut.Message); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	conv.Revision = 1
	rec.Revision = 1
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (*Conversation, *Record, error) {
	conv, err := scanConversation(p.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	rec, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrow_records WHERE conversation_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("conversation %s has no escrow record: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return conv, rec, nil
}

func (p *PostgresStore) Messages(ctx context.Context, id string) ([]*Message, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, body, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Message{}
	for rows.Next() {
		m := &Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Apply(ctx context.Context, mut Mutation) error {
	id, err := mutationID(mut)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if conv := mut.Conversation; conv != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				creator_identity = $1, fan_identity = $2, status = $3,
				answered_at = $4, refunded_at = $5, updated_at = $6,
				revision = revision + 1
			WHERE id = $7 AND revision = $8`,
			conv.CreatorIdentity, conv.FanIdentity, string(conv.Status),
			nullTime(conv.AnsweredAt), nullTime(conv.RefundedAt), conv.UpdatedAt,
			id, conv.Revision,
		)
		if err := p.checkCAS(ctx, tx, res, err, "conversations", "id", id); err != nil {
			return err
		}
	}

	if rec := mut.Record; rec != nil {
		nextAction, err := marshalNextAction(rec.PayoutNextAction)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE escrow_records SET
				status = $1, payout_errors = $2, payout_last_error = $3,
				payout_last_error_code = $4, payout_last_error_at = $5, payout_next_action = $6,
				refund_error = $7, refund_pending = $8, released_at = $9, refunded_at = $10,
				released_by = $11, hold_reviewed_by = $12, hold_reason = $13,
				attempted_release_by = $14, transfer_id = $15, refund_id = $16,
				transfer_attempt = $17, settling_since = $18, settling_by = $19,
				updated_at = $20, revision = revision + 1
			WHERE conversation_id = $21 AND revision = $22`,
			string(rec.Status), rec.PayoutErrors, rec.PayoutLastError,
			string(rec.PayoutLastErrorCode), nullTime(rec.PayoutLastErrorAt), nextAction,
			rec.RefundError, rec.RefundPending, nullTime(rec.ReleasedAt), nullTime(rec.RefundedAt),
			rec.ReleasedBy, rec.HoldReviewedBy, rec.HoldReason,
			rec.AttemptedReleaseBy, rec.TransferID, rec.RefundID,
			rec.TransferAttempt, nullTime(rec.SettlingSince), rec.SettlingBy,
			rec.UpdatedAt, id, rec.Revision,
		)
		if err := p.checkCAS(ctx, tx, res, err, "escrow_records", "conversation_id", id); err != nil {
			return err
		}
	}

	if mut.Message != nil {
		if err := insertMessage(ctx, tx, mut.Message); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if mut.Conversation != nil {
		mut.Conversation.Revision++
	}
	if mut.Record != nil {
		mut.Record.Revision++
	}
	return nil
}

// checkCAS turns a zero-row revision-guarded update into ErrConflict, or
// ErrNotFound when the row does not exist at all.
func (p *PostgresStore) checkCAS(ctx context.Context, tx *sql.Tx, res sql.Result, execErr error, table, key, id string) error {
	if execErr != nil {
		return execErr
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	// #nosec G202 -- table and key are package constants
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE `+key+` = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = 'open' AND deadline <= $1
		ORDER BY deadline
		LIMIT $2`, now, normalizeLimit(limit, 100))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

func (p *PostgresStore) ListRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}
	var settlingBefore sql.NullTime
	if !q.SettlingBefore.IsZero() {
		settlingBefore = sql.NullTime{Time: q.SettlingBefore, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND (NOT $2 OR refund_pending)
		  AND ($3::timestamptz IS NULL OR settling_since < $3)
		ORDER BY updated_at
		LIMIT $4`, pq.Array(statuses), q.RefundPending, settlingBefore, normalizeLimit(q.Limit, 100))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByIdentity(ctx context.Context, identity string, role Role, limit int) ([]*Conversation, error) {
	var where string
	switch role {
	case RoleFan:
		where = `fan_identity = $1`
	case RoleCreator:
		where = `(creator_identity = $1 OR creator_id = $1)`
	default:
		where = `(fan_identity = $1 OR creator_identity = $1 OR creator_id = $1)`
	}
	// #nosec G202 -- where is chosen from constants above
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, identity, normalizeLimit(limit, 50))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanConversations(rows)
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, string(m.Role), m.Body, m.CreatedAt)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*Conversation, error) {
	c := &Conversation{}
	var (
		rail, status string
		answeredAt   sql.NullTime
		refundedAt   sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.CreatorID, &c.CreatorIdentity, &c.FanIdentity, &c.AmountMinor, &c.Currency,
		&rail, &c.PaymentID, &status, &c.CreatedAt, &c.Deadline, &answeredAt,
		&refundedAt, &c.Revision, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Rail = Rail(rail)
	c.Status = ConversationStatus(status)
	c.AnsweredAt = timePtr(answeredAt)
	c.RefundedAt = timePtr(refundedAt)
	return c, nil
}

func scanConversations(rows *sql.Rows) ([]*Conversation, error) {
	out := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		status, rail, lastCode string
		lastErrorAt            sql.NullTime
		nextAction             []byte
		releasedAt, refundedAt sql.NullTime
		settlingSince          sql.NullTime
	)
	err := s.Scan(
		&r.ConversationID, &status, &rail, &r.PayoutErrors, &r.PayoutLastError,
		&lastCode, &lastErrorAt, &nextAction,
		&r.RefundError, &r.RefundPending, &releasedAt, &refundedAt, &r.ReleasedBy,
		&r.HoldReviewedBy, &r.HoldReason, &r.AttemptedReleaseBy, &r.TransferID,
		&r.RefundID, &r.TransferAttempt, &settlingSince, &r.SettlingBy, &r.Revision, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Rail = Rail(rail)
	r.PayoutLastErrorCode = settlement.Reason(lastCode)
	r.PayoutLastErrorAt = timePtr(lastErrorAt)
	r.ReleasedAt = timePtr(releasedAt)
	r.RefundedAt = timePtr(refundedAt)
	r.SettlingSince = timePtr(settlingSince)
	if len(nextAction) > 0 && string(nextAction) != "null" {
		r.PayoutNextAction = &NextAction{}
		if err := json.Unmarshal(nextAction, r.PayoutNextAction); err != nil {
			return nil, fmt.Errorf("decode payout_next_action: %w", err)
		}
	}
	return r, nil
}

func marshalNextAction(na *NextAction) (interface{}, error) {
	if na == nil {
		return nil, nil
	}
	return json.Marshal(na)
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
