package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresLogger writes audit entries to the audit_log table.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Append(ctx context.Context, entry *Entry) error {
	md, err := json.Marshal(entry.Metadata.Clone())
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	return l.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (action, entity_type, entity_id, performed_by_user_id, performed_by_role, outcome, metadata, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7::JSONB, NOW())
		RETURNING id, created_at
	`, entry.Action, entry.EntityType, entry.EntityID, entry.PerformedByUserID, entry.PerformedByRole,
		entry.Outcome, string(md)).Scan(&entry.ID, &entry.CreatedAt)
}

func (l *PostgresLogger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.UserID != "" {
		add("performed_by_user_id = $%d", f.UserID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT id, action, entity_type, entity_id, COALESCE(performed_by_user_id, ''),
		performed_by_role, outcome, COALESCE(metadata::TEXT, '{}'), created_at
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var md string
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.PerformedByUserID,
			&e.PerformedByRole, &e.Outcome, &md, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata for entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
