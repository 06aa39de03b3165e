package earnings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// PostgresStore persists trip fares in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fare store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const fareColumns = `trip_id, COALESCE(rider_id, ''), driver_id, fare, driver_amount, platform_amount, currency, completed_at`

func scanFare(row interface{ Scan(...any) error }) (*TripFare, error) {
	f := &TripFare{}
	err := row.Scan(&f.TripID, &f.RiderID, &f.DriverID, &f.Fare, &f.DriverAmount,
		&f.PlatformAmount, &f.Currency, &f.CompletedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *PostgresStore) Record(ctx context.Context, f *TripFare) (*TripFare, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_fares (trip_id, rider_id, driver_id, fare, driver_amount, platform_amount, currency, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trip_id) DO NOTHING
	`, f.TripID, sql.NullString{String: f.RiderID, Valid: f.RiderID != ""}, f.DriverID,
		f.Fare, f.DriverAmount, f.PlatformAmount, f.Currency, f.CompletedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record trip fare: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record trip fare: %w", err)
	}
	if n == 1 {
		cp := *f
		return &cp, true, nil
	}
	existing, err := p.Get(ctx, f.TripID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, tripID string) (*TripFare, error) {
	f, err := scanFare(p.db.QueryRowContext(ctx,
		`SELECT `+fareColumns+` FROM trip_fares WHERE trip_id = $1`, tripID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "no fare recorded for trip %s", tripID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip fare: %w", err)
	}
	return f, nil
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*TripFare, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fareColumns+` FROM trip_fares
		WHERE driver_id = $1
		ORDER BY completed_at DESC, trip_id DESC
		LIMIT $2
	`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trip fares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*TripFare
	for rows.Next() {
		f, err := scanFare(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
