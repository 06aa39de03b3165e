package chargeback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// PostgresStore persists chargebacks in PostgreSQL. The unique
// (payment_provider, external_reference) constraint backs duplicate
// detection across instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed chargeback store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const chargebackColumns = `id, trip_id, COALESCE(driver_id, ''), payment_provider, external_reference,
	amount, currency, COALESCE(reason, ''), status, COALESCE(liable_wallet_id, ''),
	COALESCE(resolved_by_user_id, ''), resolved_at, COALESCE(notes, ''), created_at, updated_at`

func scanChargeback(row interface{ Scan(...any) error }) (*Chargeback, error) {
	cb := &Chargeback{}
	var resolvedAt sql.NullTime
	err := row.Scan(&cb.ID, &cb.TripID, &cb.DriverID, &cb.PaymentProvider, &cb.ExternalReference,
		&cb.Amount, &cb.Currency, &cb.Reason, &cb.Status, &cb.LiableWalletID,
		&cb.ResolvedByUserID, &resolvedAt, &cb.Notes, &cb.ReportedAt, &cb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		cb.ResolvedAt = &t
	}
	return cb, nil
}

func (s *PostgresStore) Create(ctx context.Context, cb *Chargeback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chargebacks (
			id, trip_id, driver_id, payment_provider, external_reference, amount, currency,
			reason, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, cb.ID, cb.TripID, nullString(cb.DriverID), cb.PaymentProvider, cb.ExternalReference,
		cb.Amount, cb.Currency, nullString(cb.Reason), string(cb.Status), cb.ReportedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Newf(apperr.CodeDuplicateReference,
				"%s reference %s already reported", cb.PaymentProvider, cb.ExternalReference)
		}
		return fmt.Errorf("failed to create chargeback: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Chargeback, error) {
	cb, err := scanChargeback(s.db.QueryRowContext(ctx, `SELECT `+chargebackColumns+` FROM chargebacks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "chargeback %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chargeback: %w", err)
	}
	return cb, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Chargeback, error) {
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
	query := `SELECT ` + chargebackColumns + ` FROM chargebacks`
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
		return nil, fmt.Errorf("failed to list chargebacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Chargeback, 0)
	for rows.Next() {
		cb, err := scanChargeback(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Chargeback)) (*Chargeback, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "chargeback cannot move from %s to %s", from, to)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s is %s, expected %s", id, current.Status, from)
	}
	if mutate != nil {
		mutate(current)
	}

	var resolvedAt sql.NullTime
	if current.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *current.ResolvedAt, Valid: true}
	}
	cb, err := scanChargeback(s.db.QueryRowContext(ctx, `
		UPDATE chargebacks SET
			status = $1, liable_wallet_id = $2, resolved_by_user_id = $3, resolved_at = $4,
			notes = $5, updated_at = NOW()
		WHERE id = $6 AND status = $7
		RETURNING `+chargebackColumns,
		string(to), nullString(current.LiableWalletID), nullString(current.ResolvedByUserID), resolvedAt,
		nullString(current.Notes), id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition chargeback: %w", err)
	}
	return cb, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
