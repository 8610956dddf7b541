package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/stayza/stayza/internal/ledger"
	"github.com/stayza/stayza/internal/money"
)

// PostgresStore persists bookings and payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, b *Booking, pay *Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertBooking(ctx, tx, b); err != nil {
		return err
	}
	if pay != nil {
		if err := insertPayment(ctx, tx, pay); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertBooking(ctx context.Context, tx *sql.Tx, b *Booking) error {
	quoteJSON, err := json.Marshal(b.Quote)
	if err != nil {
		return err
	}
	var claimJSON []byte
	if b.DamageClaim != nil {
		claimJSON, err = json.Marshal(b.DamageClaim)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (
			id, property_id, customer_id, realtor_id,
			check_in, check_out, nights,
			status, stay_status, blocked,
			quote, currency,
			guest_deadline, guest_opened, realtor_deadline, realtor_opened,
			checked_in_at, checked_out_at, cancelled_at,
			dispute_reason, damage_claim, notes,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15, $16,
			$17, $18, $19,
			$20, $21, $22,
			$23, $24
		)`,
		b.ID, b.PropertyID, nullString(b.CustomerID), b.RealtorID,
		b.CheckIn, b.CheckOut, b.Nights,
		string(b.Status), nullString(string(b.StayStatus)), b.Blocked,
		quoteJSON, b.Currency,
		nullTime(timePtr(b.GuestWindow.Deadline)), b.GuestWindow.Opened,
		nullTime(timePtr(b.RealtorWindow.Deadline)), b.RealtorWindow.Opened,
		nullTime(b.CheckedInAt), nullTime(b.CheckedOutAt), nullTime(b.CancelledAt),
		nullString(b.DisputeReason), claimJSON, nullString(b.Notes),
		b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func insertPayment(ctx context.Context, tx *sql.Tx, pay *Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (
			id, booking_id, reference, status, amount, currency, channel,
			room_fee_in_escrow, paid_at,
			transfer_reference, transfer_initiated_at, transfer_completed_at, transfer_failed,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9,
			$10, $11, $12, $13,
			$14, $15
		)`,
		pay.ID, pay.BookingID, pay.Reference, string(pay.Status), int64(pay.Amount), pay.Currency, nullString(pay.Channel),
		pay.RoomFeeInEscrow, nullTime(pay.PaidAt),
		nullString(pay.TransferReference), nullTime(pay.TransferInitiatedAt), nullTime(pay.TransferCompletedAt), pay.TransferFailed,
		pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

const bookingColumns = `id, property_id, customer_id, realtor_id,
		check_in, check_out, nights,
		status, stay_status, blocked,
		quote, currency,
		guest_deadline, guest_opened, realtor_deadline, realtor_opened,
		checked_in_at, checked_out_at, cancelled_at,
		dispute_reason, damage_claim, notes,
		created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	return b, err
}

const paymentColumns = `id, booking_id, reference, status, amount, currency, channel,
		room_fee_in_escrow, paid_at,
		transfer_reference, transfer_initiated_at, transfer_completed_at, transfer_failed,
		created_at, updated_at`

func (p *PostgresStore) GetPayment(ctx context.Context, bookingID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1`, bookingID)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Booking, *Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	b, err := p.Get(ctx, pay.BookingID)
	if err != nil {
		return nil, nil, err
	}
	return b, pay, nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE customer_id = $1 ORDER BY created_at DESC LIMIT $2`, customerID, limit)
}

func (p *PostgresStore) ListByRealtor(ctx context.Context, realtorID string, limit int) ([]*Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE realtor_id = $1 ORDER BY created_at DESC LIMIT $2`, realtorID, limit)
}

func (p *PostgresStore) ListOverlapping(ctx context.Context, propertyID string, checkIn, checkOut time.Time) ([]*Booking, error) {
	return p.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE property_id = $1
		  AND status NOT IN ('COMPLETED', 'CANCELLED')
		  AND check_in < $3 AND check_out > $2`, propertyID, checkIn, checkOut)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Booking, error) {
	return p.list(ctx, `SELECT `+prefixedBookingColumns("b")+`
		FROM bookings b
		JOIN payments pm ON pm.booking_id = b.id
		WHERE b.status = 'ACTIVE' AND NOT b.blocked
		  AND (
			(pm.room_fee_in_escrow AND NOT b.guest_opened AND b.guest_deadline <= $1)
			OR
			(b.stay_status = 'CHECKED_OUT' AND NOT b.realtor_opened
			 AND b.realtor_deadline <= $1 AND pm.status <> 'SETTLED')
		  )
		ORDER BY b.updated_at ASC
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ApplyTransition commits the booking/payment updates and the ledger
// entries in one transaction.
func (p *PostgresStore) ApplyTransition(ctx context.Context, b *Booking, pay *Payment, entries []*ledger.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateBooking(ctx, tx, b); err != nil {
		return err
	}
	if pay != nil {
		if err := updatePayment(ctx, tx, pay); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ledger.AppendTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func updateBooking(ctx context.Context, tx *sql.Tx, b *Booking) error {
	var claimJSON []byte
	if b.DamageClaim != nil {
		var err error
		claimJSON, err = json.Marshal(b.DamageClaim)
		if err != nil {
			return err
		}
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, stay_status = $2,
			guest_deadline = $3, guest_opened = $4,
			realtor_deadline = $5, realtor_opened = $6,
			checked_in_at = $7, checked_out_at = $8, cancelled_at = $9,
			dispute_reason = $10, damage_claim = $11, notes = $12,
			updated_at = $13
		WHERE id = $14 AND updated_at = $15`,
		string(b.Status), nullString(string(b.StayStatus)),
		nullTime(timePtr(b.GuestWindow.Deadline)), b.GuestWindow.Opened,
		nullTime(timePtr(b.RealtorWindow.Deadline)), b.RealtorWindow.Opened,
		nullTime(b.CheckedInAt), nullTime(b.CheckedOutAt), nullTime(b.CancelledAt),
		nullString(b.DisputeReason), claimJSON, nullString(b.Notes),
		b.UpdatedAt, b.ID, b.readUpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Another writer committed since our read, or the row is gone.
		// Either way the caller's view is stale and must be re-read.
		return ErrConcurrentUpdate
	}
	return nil
}

func updatePayment(ctx context.Context, tx *sql.Tx, pay *Payment) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, channel = $2, room_fee_in_escrow = $3, paid_at = $4,
			transfer_reference = $5, transfer_initiated_at = $6,
			transfer_completed_at = $7, transfer_failed = $8,
			updated_at = $9
		WHERE id = $10 AND updated_at = $11`,
		string(pay.Status), nullString(pay.Channel), pay.RoomFeeInEscrow, nullTime(pay.PaidAt),
		nullString(pay.TransferReference), nullTime(pay.TransferInitiatedAt),
		nullTime(pay.TransferCompletedAt), pay.TransferFailed,
		pay.UpdatedAt, pay.ID, pay.readUpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	var (
		b                                 Booking
		customerID, stayStatus            sql.NullString
		disputeReason, notes              sql.NullString
		quoteJSON                         []byte
		claimJSON                         []byte
		guestDeadline, realtorDeadline    sql.NullTime
		checkedIn, checkedOut, cancelled  sql.NullTime
		status                            string
	)
	err := row.Scan(
		&b.ID, &b.PropertyID, &customerID, &b.RealtorID,
		&b.CheckIn, &b.CheckOut, &b.Nights,
		&status, &stayStatus, &b.Blocked,
		&quoteJSON, &b.Currency,
		&guestDeadline, &b.GuestWindow.Opened, &realtorDeadline, &b.RealtorWindow.Opened,
		&checkedIn, &checkedOut, &cancelled,
		&disputeReason, &claimJSON, &notes,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.CustomerID = customerID.String
	b.StayStatus = StayStatus(stayStatus.String)
	b.DisputeReason = disputeReason.String
	b.Notes = notes.String
	if guestDeadline.Valid {
		b.GuestWindow.Deadline = guestDeadline.Time
	}
	if realtorDeadline.Valid {
		b.RealtorWindow.Deadline = realtorDeadline.Time
	}
	b.CheckedInAt = timeFromNull(checkedIn)
	b.CheckedOutAt = timeFromNull(checkedOut)
	b.CancelledAt = timeFromNull(cancelled)
	if len(quoteJSON) > 0 {
		if err := json.Unmarshal(quoteJSON, &b.Quote); err != nil {
			return nil, err
		}
	}
	if len(claimJSON) > 0 {
		b.DamageClaim = &DamageClaim{}
		if err := json.Unmarshal(claimJSON, b.DamageClaim); err != nil {
			return nil, err
		}
	}
	b.readUpdatedAt = b.UpdatedAt
	return &b, nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                           Payment
		amount                      int64
		status                      string
		channel, transferRef        sql.NullString
		paidAt, trInit, trDone      sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.BookingID, &p.Reference, &status, &amount, &p.Currency, &channel,
		&p.RoomFeeInEscrow, &paidAt,
		&transferRef, &trInit, &trDone, &p.TransferFailed,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.Amount = money.Amount(amount)
	p.Channel = channel.String
	p.TransferReference = transferRef.String
	p.PaidAt = timeFromNull(paidAt)
	p.TransferInitiatedAt = timeFromNull(trInit)
	p.TransferCompletedAt = timeFromNull(trDone)
	p.readUpdatedAt = p.UpdatedAt
	return &p, nil
}

func prefixedBookingColumns(alias string) string {
	return alias + `.id, ` + alias + `.property_id, ` + alias + `.customer_id, ` + alias + `.realtor_id,
		` + alias + `.check_in, ` + alias + `.check_out, ` + alias + `.nights,
		` + alias + `.status, ` + alias + `.stay_status, ` + alias + `.blocked,
		` + alias + `.quote, ` + alias + `.currency,
		` + alias + `.guest_deadline, ` + alias + `.guest_opened, ` + alias + `.realtor_deadline, ` + alias + `.realtor_opened,
		` + alias + `.checked_in_at, ` + alias + `.checked_out_at, ` + alias + `.cancelled_at,
		` + alias + `.dispute_reason, ` + alias + `.damage_claim, ` + alias + `.notes,
		` + alias + `.created_at, ` + alias + `.updated_at`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
