package property

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stayza/stayza/internal/booking"
	"github.com/stayza/stayza/internal/money"
)

// PostgresStore persists the catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const propertyColumns = "id, realtor_id, nightly_price, cleaning_fee, security_deposit, currency, active"

func (s *PostgresStore) Property(ctx context.Context, id string) (*booking.Property, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id)
	p, err := scanProperty(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query property: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p *booking.Property) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (`+propertyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   realtor_id = EXCLUDED.realtor_id,
		   nightly_price = EXCLUDED.nightly_price,
		   cleaning_fee = EXCLUDED.cleaning_fee,
		   security_deposit = EXCLUDED.security_deposit,
		   currency = EXCLUDED.currency,
		   active = EXCLUDED.active`,
		p.ID, p.RealtorID, int64(p.NightlyPrice), int64(p.CleaningFee),
		int64(p.SecurityDeposit), p.Currency, p.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert property: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*booking.Property, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+propertyColumns+` FROM properties ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query properties: %w", err)
	}
	defer rows.Close()

	var out []*booking.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProperty(row rowScanner) (*booking.Property, error) {
	var p booking.Property
	var nightly, cleaning, deposit int64
	err := row.Scan(&p.ID, &p.RealtorID, &nightly, &cleaning, &deposit, &p.Currency, &p.Active)
	if err != nil {
		return nil, err
	}
	p.NightlyPrice = money.Amount(nightly)
	p.CleaningFee = money.Amount(cleaning)
	p.SecurityDeposit = money.Amount(deposit)
	return &p, nil
}
