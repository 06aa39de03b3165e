package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Mutate holds a row lock
// (SELECT ... FOR UPDATE) on the wallet for the length of the transaction,
// so it is safe across multiple server instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, role, balance, locked_balance, currency, is_frozen,
	COALESCE(frozen_reason, ''), created_at, updated_at`

const txColumns = `id, wallet_id, kind, amount, balance_after, source_type, COALESCE(source_id, ''),
	COALESCE(performed_by_user_id, ''), COALESCE(description, ''), COALESCE(reverses_id, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.OwnerID, &w.Role, &w.Balance, &w.LockedBalance, &w.Currency,
		&w.IsFrozen, &w.FrozenReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.WalletID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.SourceType,
		&t.SourceID, &t.PerformedByUserID, &t.Description, &t.ReversesID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, role, balance, locked_balance, currency, is_frozen, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, FALSE, $5, $5)
		ON CONFLICT (owner_id, role) DO NOTHING
	`, w.ID, w.OwnerID, w.Role, w.Currency, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return p.GetWalletByOwner(ctx, w.OwnerID, w.Role)
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "wallet %s not found", id)
	}
	return w, err
}

func (p *PostgresStore) GetWalletByOwner(ctx context.Context, ownerID string, role Role) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND role = $2`, ownerID, role))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "no %s wallet for owner %s", role, ownerID)
	}
	return w, err
}

func (p *PostgresStore) ListWallets(ctx context.Context, f WalletFilter) ([]*Wallet, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v ...any) {
		args = append(args, v...)
		where = append(where, clause)
	}
	if f.Role != "" {
		add(fmt.Sprintf("role = $%d", len(args)+1), f.Role)
	}
	if f.Frozen != nil {
		add(fmt.Sprintf("is_frozen = $%d", len(args)+1), *f.Frozen)
	}
	if f.Cursor != nil {
		add(fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2), f.Cursor.CreatedAt, f.Cursor.ID)
	}

	query := `SELECT ` + walletColumns + ` FROM wallets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Mutate(ctx context.Context, walletID string, fn MutateFunc) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "wallet %s not found", walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	change, err := fn(ctx, w, postgresView{tx})
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance        = $2,
			locked_balance = $3,
			is_frozen      = $4,
			frozen_reason  = NULLIF($5, ''),
			updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, w.ID, w.Balance, w.LockedBalance, w.IsFrozen, w.FrozenReason).Scan(&w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	if h := change.Hold; h != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_holds (wallet_id, reference, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (wallet_id, reference) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
		`, h.WalletID, h.Reference, h.Amount, h.Status, h.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to write hold: %w", err)
		}
	}

	if entry := change.Entry; entry != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
				(id, wallet_id, kind, amount, balance_after, source_type, source_id,
				 performed_by_user_id, description, reverses_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)
		`, entry.ID, entry.WalletID, entry.Kind, entry.Amount, entry.BalanceAfter, entry.SourceType,
			entry.SourceID, entry.PerformedByUserID, entry.Description, entry.ReversesID, entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to record transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

type postgresView struct{ tx *sql.Tx }

func (v postgresView) FindByKey(ctx context.Context, key IdempotencyKey) (*Transaction, error) {
	t, err := scanTransaction(v.tx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM wallet_transactions
		WHERE wallet_id = $1 AND kind = $2 AND source_type = $3 AND source_id = $4
	`, key.WalletID, key.Kind, key.SourceType, key.SourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (v postgresView) FindHold(ctx context.Context, walletID, reference string) (*Hold, error) {
	h := &Hold{}
	err := v.tx.QueryRowContext(ctx, `
		SELECT wallet_id, reference, amount, status, created_at, updated_at
		FROM wallet_holds WHERE wallet_id = $1 AND reference = $2
	`, walletID, reference).Scan(&h.WalletID, &h.Reference, &h.Amount, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (v postgresView) FindReversal(ctx context.Context, txID string) (*Transaction, error) {
	t, err := scanTransaction(v.tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE reverses_id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, "transaction %s not found", id)
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM wallet_transactions
			WHERE wallet_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, walletID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM wallet_transactions
			WHERE wallet_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, walletID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumTransactions(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = $1`, walletID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) SumActiveHolds(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_holds WHERE wallet_id = $1 AND status = 'active'`, walletID).Scan(&sum)
	return sum, err
}
