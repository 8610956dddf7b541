package settlement

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/stayza/stayza/internal/idgen"
	"github.com/stayza/stayza/internal/money"
)

// PostgresStore persists the webhook journal and transfer attempts in
// PostgreSQL. A partial unique index on webhook_events(event_id) WHERE
// status = 'PROCESSED' is the only mutex for concurrent deliveries of
// the same event: whoever commits the PROCESSED row first wins.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = "id, event_id, provider, event_type, reference, status, detail, payload, created_at"

const transferColumns = "reference, booking_id, ledger_event_id, recipient, amount, currency, reason, critical, status, attempts, prev_reference, detail, created_at, updated_at"

func (s *PostgresStore) SeenProcessed(eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1 AND status = 'PROCESSED')`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed marker: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Record(e *WebhookEvent) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("wh_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO webhook_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EventID, e.Provider, e.EventType, e.Reference,
		e.Status, nullString(e.Detail), e.Payload, e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(limit int) ([]*WebhookEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM webhook_events ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook events: %w", err)
	}
	defer rows.Close()

	var out []*WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTransfer(t *Transfer) error {
	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.Reference, t.BookingID, nullString(t.LedgerEventID), t.Recipient,
		int64(t.Amount), t.Currency, t.Reason, t.Critical, t.Status,
		t.Attempts, nullString(t.PrevReference), nullString(t.Detail),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransfer(reference string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+` FROM transfers WHERE reference = $1`,
		reference,
	)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transfer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTransfer(t *Transfer) error {
	res, err := s.db.Exec(
		`UPDATE transfers
		 SET status = $2, attempts = $3, detail = $4, updated_at = $5
		 WHERE reference = $1`,
		t.Reference, t.Status, t.Attempts, nullString(t.Detail), t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *PostgresStore) ListStale(before time.Time) ([]*Transfer, error) {
	rows, err := s.db.Query(
		`SELECT `+transferColumns+` FROM transfers
		 WHERE status IN ('PENDING', 'RETRYING') AND updated_at < $1
		 ORDER BY updated_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale transfers: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (s *PostgresStore) ListEscalated(limit int) ([]*Transfer, error) {
	rows, err := s.db.Query(
		`SELECT `+transferColumns+` FROM transfers
		 WHERE status = 'ESCALATED'
		 ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalated transfers: %w", err)
	}
	defer rows.Close()
	return collectTransfers(rows)
}

// ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhookEvent(row rowScanner) (*WebhookEvent, error) {
	var e WebhookEvent
	var detail sql.NullString
	err := row.Scan(
		&e.ID, &e.EventID, &e.Provider, &e.EventType, &e.Reference,
		&e.Status, &detail, &e.Payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Detail = detail.String
	return &e, nil
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var t Transfer
	var amount int64
	var ledgerEventID, prevRef, detail sql.NullString
	err := row.Scan(
		&t.Reference, &t.BookingID, &ledgerEventID, &t.Recipient,
		&amount, &t.Currency, &t.Reason, &t.Critical, &t.Status,
		&t.Attempts, &prevRef, &detail, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Amount = money.Amount(amount)
	t.LedgerEventID = ledgerEventID.String
	t.PrevReference = prevRef.String
	t.Detail = detail.String
	return &t, nil
}

func collectTransfers(rows *sql.Rows) ([]*Transfer, error) {
	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
