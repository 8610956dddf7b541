package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/stayza/stayza/internal/money"
)

// PostgresStore persists ledger events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Execer is satisfied by both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx inserts a ledger event using the given executor, so callers
// can write an event in the same transaction as the state change that
// produced it.
func AppendTx(ctx context.Context, tx Execer, e *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (
			id, booking_id, event_type, amount, currency,
			from_party, to_party, counterparty_id, reference,
			provider_status, provider_raw, attempts, notes,
			triggered_by, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15
		)`,
		e.ID, e.BookingID, string(e.Type), int64(e.Amount), e.Currency,
		string(e.FromParty), string(e.ToParty), nullString(e.CounterpartyID), nullString(e.Reference),
		nullString(e.ProviderStatus), nullString(e.ProviderRaw), e.Attempts, nullString(e.Notes),
		e.TriggeredBy, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	return AppendTx(ctx, p.db, e)
}

const eventColumns = `id, booking_id, event_type, amount, currency,
		      from_party, to_party, counterparty_id, reference,
		      provider_status, provider_raw, attempts, notes,
		      triggered_by, created_at`

func (p *PostgresStore) Timeline(ctx context.Context, bookingID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE booking_id = $1 ORDER BY created_at DESC, id DESC`,
		bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Event, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM escrow_events WHERE reference = $1 ORDER BY created_at DESC LIMIT 1`,
		reference)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateProviderResult(ctx context.Context, id, status, raw string, attempts int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_events SET
			provider_status = $1,
			provider_raw = COALESCE(NULLIF($2, ''), provider_raw),
			attempts = $3
		WHERE id = $4`,
		status, raw, attempts, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) Sums(ctx context.Context, bookingID string) (Sums, error) {
	var s Sums
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE to_party = $2), 0),
			COALESCE(SUM(amount) FILTER (WHERE from_party = $2), 0)
		FROM escrow_events WHERE booking_id = $1`,
		bookingID, string(PartyEscrow)).Scan(&s.IntoEscrow, &s.OutOfEscrow)
	return s, err
}

func (p *PostgresStore) ReleasedToRealtor(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM escrow_events
		WHERE to_party = $1 AND counterparty_id = $2
		  AND created_at >= $3 AND created_at < $4`,
		string(PartyRealtorWallet), realtorID, from, to).Scan(&total)
	return money.Amount(total), err
}

func (p *PostgresStore) RoomFeeVolume(ctx context.Context, realtorID string, from, to time.Time) (money.Amount, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM escrow_events
		WHERE event_type = $1 AND to_party = $2 AND counterparty_id = $3
		  AND created_at >= $4 AND created_at < $5`,
		string(EventReleaseRoomFeeSplit), string(PartyRealtorWallet), realtorID, from, to).Scan(&total)
	return money.Amount(total), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                                          Event
		amount                                     int64
		eventType, fromParty, toParty              string
		counterparty, reference, status, raw, note sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.BookingID, &eventType, &amount, &e.Currency,
		&fromParty, &toParty, &counterparty, &reference,
		&status, &raw, &e.Attempts, &note,
		&e.TriggeredBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.Amount = money.Amount(amount)
	e.FromParty = Party(fromParty)
	e.ToParty = Party(toParty)
	e.CounterpartyID = counterparty.String
	e.Reference = reference.String
	e.ProviderStatus = status.String
	e.ProviderRaw = raw.String
	e.Notes = note.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
