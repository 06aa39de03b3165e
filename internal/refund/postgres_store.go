package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// PostgresStore persists refunds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, trip_id, rider_id, COALESCE(driver_id, ''), amount, currency, type, status,
	reason, destination, COALESCE(payment_reference, ''), COALESCE(external_reference, ''),
	created_by_role, COALESCE(created_by_user_id, ''), COALESCE(approved_by_user_id, ''),
	COALESCE(processed_by_user_id, ''), COALESCE(rejection_reason, ''), COALESCE(linked_dispute_id, ''),
	created_at, updated_at`

func scanRefund(row interface{ Scan(...any) error }) (*Refund, error) {
	r := &Refund{}
	err := row.Scan(&r.ID, &r.TripID, &r.RiderID, &r.DriverID, &r.Amount, &r.Currency, &r.Type, &r.Status,
		&r.Reason, &r.Destination, &r.PaymentReference, &r.ExternalReference,
		&r.CreatedByRole, &r.CreatedByUserID, &r.ApprovedByUserID,
		&r.ProcessedByUserID, &r.RejectionReason, &r.LinkedDisputeID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Refund) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, trip_id, rider_id, driver_id, amount, currency, type, status, reason, destination,
			payment_reference, created_by_role, created_by_user_id, linked_dispute_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, r.ID, r.TripID, r.RiderID, nullString(r.DriverID), r.Amount, r.Currency, string(r.Type),
		string(r.Status), r.Reason, string(r.Destination), nullString(r.PaymentReference),
		r.CreatedByRole, nullString(r.CreatedByUserID), nullString(r.LinkedDisputeID), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	r, err := scanRefund(s.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "refund %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Refund, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TripID != "" {
		conds = append(conds, "trip_id = "+arg(f.TripID))
	}
	if f.RiderID != "" {
		conds = append(conds, "rider_id = "+arg(f.RiderID))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.Cursor != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}

	query := `SELECT ` + refundColumns + ` FROM refunds`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Refund, 0)
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Refund)) (*Refund, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "refund cannot move from %s to %s", from, to)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "refund %s is %s, expected %s", id, current.Status, from)
	}
	if mutate != nil {
		mutate(current)
	}

	r, err := scanRefund(s.db.QueryRowContext(ctx, `
		UPDATE refunds SET
			status = $1, approved_by_user_id = $2, processed_by_user_id = $3,
			rejection_reason = $4, external_reference = $5, updated_at = NOW()
		WHERE id = $6 AND status = $7
		RETURNING `+refundColumns,
		string(to), nullString(current.ApprovedByUserID), nullString(current.ProcessedByUserID),
		nullString(current.RejectionReason), nullString(current.ExternalReference), id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeInvalidState, "refund %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition refund: %w", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
