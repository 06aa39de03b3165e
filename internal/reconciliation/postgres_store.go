package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// PostgresStore persists reconciliation records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reconciliation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, trip_id, provider, expected_amount, actual_amount, variance, status,
	COALESCE(reviewed_by_user_id, ''), COALESCE(notes, ''), reviewed_at, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	r := &Record{}
	var reviewedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TripID, &r.Provider, &r.ExpectedAmount, &r.ActualAmount, &r.Variance, &r.Status,
		&r.ReviewedByUserID, &r.Notes, &reviewedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations (
			id, trip_id, provider, expected_amount, actual_amount, variance, status, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, r.ID, r.TripID, r.Provider, r.ExpectedAmount, r.ActualAmount, r.Variance, string(r.Status),
		nullString(r.Notes), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM reconciliations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "reconciliation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.TripID != "" {
		args = append(args, f.TripID)
		conds = append(conds, fmt.Sprintf("trip_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + recordColumns + ` FROM reconciliations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Record)) (*Record, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "reconciliation cannot move from %s to %s", from, to)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "reconciliation %s is %s, expected %s", id, current.Status, from)
	}
	if mutate != nil {
		mutate(current)
	}

	var reviewedAt sql.NullTime
	if current.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *current.ReviewedAt, Valid: true}
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE reconciliations SET
			status = $1, reviewed_by_user_id = $2, notes = $3, reviewed_at = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING `+recordColumns,
		string(to), nullString(current.ReviewedByUserID), nullString(current.Notes), reviewedAt, id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeInvalidState, "reconciliation %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition reconciliation: %w", err)
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
