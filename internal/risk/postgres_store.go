package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists risk profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, ownerID string) (*Profile, error) {
	p := &Profile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, level, score, COALESCE(reason, ''), updated_at
		FROM risk_profiles WHERE owner_id = $1
	`, ownerID).Scan(&p.OwnerID, &p.Level, &p.Score, &p.Reason, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (owner_id, level, score, reason, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (owner_id) DO UPDATE SET
			level      = EXCLUDED.level,
			score      = EXCLUDED.score,
			reason     = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, p.OwnerID, p.Level, p.Score, p.Reason, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store risk profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByLevel(ctx context.Context, level Level, limit int) ([]*Profile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, level, score, COALESCE(reason, ''), updated_at
		FROM risk_profiles
		WHERE level = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, level, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		p := &Profile{}
		if err := rows.Scan(&p.OwnerID, &p.Level, &p.Score, &p.Reason, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
