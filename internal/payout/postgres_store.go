package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/ridewallet/internal/apperr"
)

// PostgresStore persists payouts in PostgreSQL. Transition is a single
// conditional UPDATE (... WHERE status = from), so concurrent callers across
// instances cannot both win the same edge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, wallet_id, owner_id, amount, currency, method, destination,
	COALESCE(country_code, ''), status, period_start, period_end,
	COALESCE(initiated_by_user_id, ''), COALESCE(processed_by_user_id, ''),
	COALESCE(failure_reason, ''), COALESCE(gateway_reference, ''),
	COALESCE(reversal_reason, ''), COALESCE(reversed_by_user_id, ''),
	processing_started_at, completed_at, created_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (*Payout, error) {
	p := &Payout{}
	var periodStart, periodEnd, startedAt, completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.WalletID, &p.OwnerID, &p.Amount, &p.Currency, &p.Method, &p.Destination,
		&p.CountryCode, &p.Status, &periodStart, &periodEnd,
		&p.InitiatedByUserID, &p.ProcessedByUserID,
		&p.FailureReason, &p.GatewayReference,
		&p.ReversalReason, &p.ReversedByUserID,
		&startedAt, &completedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PeriodStart = timePtr(periodStart)
	p.PeriodEnd = timePtr(periodEnd)
	p.ProcessingStartedAt = timePtr(startedAt)
	p.CompletedAt = timePtr(completedAt)
	return p, nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (
			id, wallet_id, owner_id, amount, currency, method, destination, country_code,
			status, period_start, period_end, initiated_by_user_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, p.ID, p.WalletID, p.OwnerID, p.Amount, p.Currency, string(p.Method), p.Destination,
		nullString(p.CountryCode), string(p.Status), nullTime(p.PeriodStart), nullTime(p.PeriodEnd),
		nullString(p.InitiatedByUserID), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "payout %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Payout, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v ...any) {
		args = append(args, v...)
		where = append(where, clause)
	}
	if f.WalletID != "" {
		add(fmt.Sprintf("wallet_id = $%d", len(args)+1), f.WalletID)
	}
	if f.OwnerID != "" {
		add(fmt.Sprintf("owner_id = $%d", len(args)+1), f.OwnerID)
	}
	if f.Status != "" {
		add(fmt.Sprintf("status = $%d", len(args)+1), string(f.Status))
	}
	if f.Cursor != nil {
		add(fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2), f.Cursor.CreatedAt, f.Cursor.ID)
	}

	query := `SELECT ` + payoutColumns + ` FROM payouts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate func(*Payout)) (*Payout, error) {
	if !CanTransition(from, to) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "payout cannot move from %s to %s", from, to)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, apperr.Newf(apperr.CodeInvalidState, "payout %s is %s, expected %s", id, current.Status, from)
	}
	if mutate != nil {
		mutate(current)
	}

	p, err := scanPayout(s.db.QueryRowContext(ctx, `
		UPDATE payouts SET
			status = $1, processed_by_user_id = $2, failure_reason = $3, gateway_reference = $4,
			reversal_reason = $5, reversed_by_user_id = $6, processing_started_at = $7,
			completed_at = $8, updated_at = NOW()
		WHERE id = $9 AND status = $10
		RETURNING `+payoutColumns,
		string(to), nullString(current.ProcessedByUserID), nullString(current.FailureReason),
		nullString(current.GatewayReference), nullString(current.ReversalReason),
		nullString(current.ReversedByUserID), nullTime(current.ProcessingStartedAt),
		nullTime(current.CompletedAt), id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		// Another caller moved it between our read and the update.
		return nil, apperr.Newf(apperr.CodeInvalidState, "payout %s is no longer %s", id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition payout: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = 'processing' AND processing_started_at < $1
		ORDER BY processing_started_at ASC
		LIMIT $2
	`, cutoff, limit)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
