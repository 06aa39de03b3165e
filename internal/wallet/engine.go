package wallet

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/idgen"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/traces"
)

// DefaultCurrency is used for wallets created without an explicit currency.
const DefaultCurrency = "USD"

// Engine owns every balance mutation. Each operation runs inside
// Store.Mutate, so operations on one wallet never interleave.
type Engine struct {
	store    Store
	audit    *audit.Recorder
	logger   *slog.Logger
	currency string
}

// NewEngine creates a wallet engine.
func NewEngine(store Store, recorder *audit.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, audit: recorder, logger: logger, currency: DefaultCurrency}
}

// WithCurrency sets the currency of newly created wallets.
func (e *Engine) WithCurrency(currency string) *Engine {
	e.currency = strings.ToUpper(currency)
	return e
}

// GetWallet returns a wallet by id.
func (e *Engine) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return e.store.GetWallet(ctx, id)
}

// GetWalletByOwner returns the owner's wallet for role without creating it.
func (e *Engine) GetWalletByOwner(ctx context.Context, ownerID string, role Role) (*Wallet, error) {
	return e.store.GetWalletByOwner(ctx, ownerID, role)
}

// GetOrCreateWallet returns the owner's wallet for role, creating an empty
// one on first use.
func (e *Engine) GetOrCreateWallet(ctx context.Context, ownerID string, role Role) (*Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperr.New(apperr.CodeValidation, "owner id is required")
	}
	if !role.IsValid() {
		return nil, apperr.Newf(apperr.CodeValidation, "invalid wallet role %q", role)
	}

	w, err := e.store.GetWalletByOwner(ctx, ownerID, role)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	candidate := &Wallet{
		ID:            idgen.WithPrefix("wal_"),
		OwnerID:       ownerID,
		Role:          role,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		Currency:      e.currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	w, err = e.store.CreateWallet(ctx, candidate)
	if err != nil {
		return nil, err
	}
	// A concurrent request may have won the insert.
	if w.ID == candidate.ID {
		e.audit.Success(ctx, audit.ActionWalletCreate, audit.EntityWallet, w.ID, audit.System(), audit.Metadata{
			audit.KeyOwnerID: ownerID,
			audit.KeyRole:    string(role),
		})
	}
	return w, nil
}

// Credit adds m.Amount to the wallet balance. A movement with a SourceID is
// applied at most once; a retry returns the original transaction.
func (e *Engine) Credit(ctx context.Context, m Movement) (*Transaction, error) {
	return e.applyMovement(ctx, KindCredit, m)
}

// Debit removes m.Amount from the available balance.
func (e *Engine) Debit(ctx context.Context, m Movement) (*Transaction, error) {
	return e.applyMovement(ctx, KindDebit, m)
}

func (e *Engine) applyMovement(ctx context.Context, kind Kind, m Movement) (*Transaction, error) {
	op := string(kind)
	action := audit.ActionWalletCredit
	if kind == KindDebit {
		action = audit.ActionWalletDebit
	}

	ctx, span := traces.StartSpan(ctx, "wallet."+op,
		traces.WalletID(m.WalletID), traces.Amount(m.Amount.String()), traces.Source(string(m.SourceType), m.SourceID))
	defer span.End()
	start := time.Now()

	md := audit.Metadata{
		audit.KeyAmount:     m.Amount.String(),
		audit.KeySourceType: string(m.SourceType),
		audit.KeySourceID:   m.SourceID,
	}

	tx, replayed, err := e.move(ctx, kind, m)
	observe(op, start, err)
	if err != nil {
		traces.Fail(span, err, op+" failed")
		e.audit.Failure(ctx, action, audit.EntityWallet, m.WalletID, m.Actor, err, md)
		return nil, err
	}

	if replayed {
		IdempotentReplays.WithLabelValues(op).Inc()
		md[audit.KeyReplayed] = true
	}
	md[audit.KeyTransactionID] = tx.ID
	md[audit.KeyBalanceAfter] = tx.BalanceAfter.String()
	e.audit.Success(ctx, action, audit.EntityWallet, m.WalletID, m.Actor, md)
	return tx, nil
}

func (e *Engine) move(ctx context.Context, kind Kind, m Movement) (*Transaction, bool, error) {
	if err := money.RequirePositive(m.Amount); err != nil {
		return nil, false, err
	}
	if !m.SourceType.IsValid() {
		return nil, false, apperr.Newf(apperr.CodeValidation, "invalid source type %q", m.SourceType)
	}

	var (
		result   *Transaction
		replayed bool
	)
	_, err := e.store.Mutate(ctx, m.WalletID, func(ctx context.Context, w *Wallet, v View) (Change, error) {
		if m.SourceID != "" {
			prev, err := v.FindByKey(ctx, IdempotencyKey{WalletID: w.ID, Kind: kind, SourceType: m.SourceType, SourceID: m.SourceID})
			if err != nil {
				return Change{}, err
			}
			if prev != nil {
				if !prev.Amount.Abs().Equal(m.Amount) {
					return Change{}, apperr.Newf(apperr.CodeIdempotencyConflict,
						"%s for %s %s already recorded with amount %s", kind, m.SourceType, m.SourceID, prev.Amount.Abs())
				}
				result, replayed = prev, true
				return Change{}, errSkipWrite
			}
		}

		if w.IsFrozen {
			return Change{}, apperr.Newf(apperr.CodeWalletFrozen, "wallet %s is frozen", w.ID)
		}

		signed := m.Amount
		if kind == KindDebit {
			if m.Amount.GreaterThan(w.Available()) {
				return Change{}, apperr.Newf(apperr.CodeInsufficientFunds,
					"available %s, requested %s", money.Format(w.Available()), money.Format(m.Amount))
			}
			signed = m.Amount.Neg()
		}

		w.Balance = w.Balance.Add(signed)
		result = newEntry(w, kind, signed, m.SourceType, m.SourceID, m.Actor.UserID, m.Description)
		return Change{Entry: result}, nil
	})
	if errors.Is(err, errSkipWrite) {
		return result, replayed, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, false, nil
}

func newEntry(w *Wallet, kind Kind, signed decimal.Decimal, st SourceType, sourceID, userID, description string) *Transaction {
	return &Transaction{
		ID:                idgen.WithPrefix("tx_"),
		WalletID:          w.ID,
		Kind:              kind,
		Amount:            signed,
		BalanceAfter:      w.Balance,
		SourceType:        st,
		SourceID:          sourceID,
		PerformedByUserID: userID,
		Description:       description,
		CreatedAt:         time.Now().UTC(),
	}
}

// Hold moves amount from available into locked balance for the payout
// identified by reference. It returns false, with no error, when the
// available balance is too low. Holding the same reference again with the
// same amount is a no-op that returns true.
func (e *Engine) Hold(ctx context.Context, walletID string, amount decimal.Decimal, reference string, actor audit.Actor) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.hold", traces.WalletID(walletID), traces.Amount(amount.String()))
	defer span.End()
	start := time.Now()

	md := audit.Metadata{audit.KeyAmount: amount.String(), audit.KeySourceID: reference}
	fail := func(err error) {
		observe("hold", start, err)
		traces.Fail(span, err, "hold failed")
		e.audit.Failure(ctx, audit.ActionWalletHold, audit.EntityWallet, walletID, actor, err, md)
	}

	if err := money.RequirePositive(amount); err != nil {
		fail(err)
		return false, err
	}
	if reference == "" {
		err := apperr.New(apperr.CodeValidation, "hold reference is required")
		fail(err)
		return false, err
	}

	w, err := e.store.Mutate(ctx, walletID, func(ctx context.Context, w *Wallet, v View) (Change, error) {
		h, err := v.FindHold(ctx, w.ID, reference)
		if err != nil {
			return Change{}, err
		}
		if h != nil {
			if h.Status != HoldActive {
				return Change{}, apperr.Newf(apperr.CodeAlreadyProcessed, "hold %s is already %s", reference, h.Status)
			}
			if !h.Amount.Equal(amount) {
				return Change{}, apperr.Newf(apperr.CodeIdempotencyConflict, "hold %s exists with amount %s", reference, h.Amount)
			}
			return Change{}, errSkipWrite
		}
		if w.IsFrozen {
			return Change{}, apperr.Newf(apperr.CodeWalletFrozen, "wallet %s is frozen", w.ID)
		}
		if amount.GreaterThan(w.Available()) {
			return Change{}, apperr.Newf(apperr.CodeInsufficientFunds,
				"available %s, requested %s", money.Format(w.Available()), money.Format(amount))
		}

		w.LockedBalance = w.LockedBalance.Add(amount)
		now := time.Now().UTC()
		return Change{Hold: &Hold{
			WalletID:  w.ID,
			Reference: reference,
			Amount:    amount,
			Status:    HoldActive,
			CreatedAt: now,
			UpdatedAt: now,
		}}, nil
	})
	switch {
	case errors.Is(err, errSkipWrite):
		md[audit.KeyReplayed] = true
	case errors.Is(err, apperr.ErrInsufficientFunds):
		fail(err)
		return false, nil
	case err != nil:
		fail(err)
		return false, err
	default:
		md[audit.KeyLockedAfter] = w.LockedBalance.String()
	}

	observe("hold", start, nil)
	e.audit.Success(ctx, audit.ActionWalletHold, audit.EntityWallet, walletID, actor, md)
	return true, nil
}

// ReleaseHold returns a held amount to available without touching the
// balance. Releasing an already released hold is a no-op.
func (e *Engine) ReleaseHold(ctx context.Context, walletID string, amount decimal.Decimal, reference string, actor audit.Actor) error {
	ctx, span := traces.StartSpan(ctx, "wallet.release_hold", traces.WalletID(walletID), traces.Amount(amount.String()))
	defer span.End()
	start := time.Now()

	md := audit.Metadata{audit.KeyAmount: amount.String(), audit.KeySourceID: reference}
	w, err := e.store.Mutate(ctx, walletID, func(ctx context.Context, w *Wallet, v View) (Change, error) {
		h, err := e.activeHold(ctx, w, v, amount, reference, HoldReleased)
		if err != nil {
			return Change{}, err
		}
		if h == nil {
			return Change{}, errSkipWrite
		}
		w.LockedBalance = w.LockedBalance.Sub(amount)
		h.Status = HoldReleased
		h.UpdatedAt = time.Now().UTC()
		return Change{Hold: h}, nil
	})
	if errors.Is(err, errSkipWrite) {
		md[audit.KeyReplayed] = true
		err = nil
	}
	observe("release_hold", start, err)
	if err != nil {
		traces.Fail(span, err, "release hold failed")
		e.audit.Failure(ctx, audit.ActionWalletRelease, audit.EntityWallet, walletID, actor, err, md)
		return err
	}
	if w != nil {
		md[audit.KeyLockedAfter] = w.LockedBalance.String()
	}
	e.audit.Success(ctx, audit.ActionWalletRelease, audit.EntityWallet, walletID, actor, md)
	return nil
}

// SettleHold removes a held amount from both balance and locked balance and
// records a negative settle entry. Settling an already settled hold returns
// the original entry.
func (e *Engine) SettleHold(ctx context.Context, walletID string, amount decimal.Decimal, reference string, actor audit.Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.settle_hold", traces.WalletID(walletID), traces.Amount(amount.String()))
	defer span.End()
	start := time.Now()

	md := audit.Metadata{audit.KeyAmount: amount.String(), audit.KeySourceType: string(SourcePayout), audit.KeySourceID: reference}
	var entry *Transaction
	w, err := e.store.Mutate(ctx, walletID, func(ctx context.Context, w *Wallet, v View) (Change, error) {
		h, err := e.activeHold(ctx, w, v, amount, reference, HoldSettled)
		if err != nil {
			return Change{}, err
		}
		if h == nil {
			prev, err := v.FindByKey(ctx, IdempotencyKey{WalletID: w.ID, Kind: KindSettle, SourceType: SourcePayout, SourceID: reference})
			if err != nil {
				return Change{}, err
			}
			entry = prev
			return Change{}, errSkipWrite
		}

		w.Balance = w.Balance.Sub(amount)
		w.LockedBalance = w.LockedBalance.Sub(amount)
		h.Status = HoldSettled
		h.UpdatedAt = time.Now().UTC()
		entry = newEntry(w, KindSettle, amount.Neg(), SourcePayout, reference, actor.UserID, "payout settlement")
		return Change{Entry: entry, Hold: h}, nil
	})
	if errors.Is(err, errSkipWrite) {
		md[audit.KeyReplayed] = true
		err = nil
		if entry == nil {
			err = apperr.Newf(apperr.CodeInternal, "hold %s is settled but has no settle entry", reference)
		}
	}
	observe("settle_hold", start, err)
	if err != nil {
		traces.Fail(span, err, "settle hold failed")
		e.audit.Failure(ctx, audit.ActionWalletSettle, audit.EntityWallet, walletID, actor, err, md)
		return nil, err
	}
	md[audit.KeyTransactionID] = entry.ID
	md[audit.KeyBalanceAfter] = entry.BalanceAfter.String()
	if w != nil {
		md[audit.KeyLockedAfter] = w.LockedBalance.String()
	}
	e.audit.Success(ctx, audit.ActionWalletSettle, audit.EntityWallet, walletID, actor, md)
	return entry, nil
}

// activeHold loads the hold for reference and checks it can move to target.
// It returns (nil, nil) when the hold already reached target.
func (e *Engine) activeHold(ctx context.Context, w *Wallet, v View, amount decimal.Decimal, reference string, target HoldStatus) (*Hold, error) {
	if err := money.RequirePositive(amount); err != nil {
		return nil, err
	}
	h, err := v.FindHold(ctx, w.ID, reference)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "no hold %s on wallet %s", reference, w.ID)
	}
	if !h.Amount.Equal(amount) {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "hold %s is for %s, not %s", reference, h.Amount, amount)
	}
	switch h.Status {
	case target:
		return nil, nil
	case HoldActive:
	default:
		return nil, apperr.Newf(apperr.CodeInvalidState, "hold %s is already %s", reference, h.Status)
	}
	if w.LockedBalance.LessThan(amount) {
		return nil, apperr.Newf(apperr.CodeInternal, "wallet %s locked balance %s below hold %s", w.ID, w.LockedBalance, amount)
	}
	return h, nil
}

// Freeze blocks every mutation except finishing in-flight holds and
// unfreezing. Freezing a frozen wallet is a no-op.
func (e *Engine) Freeze(ctx context.Context, walletID, reason string, actor audit.Actor) (*Wallet, error) {
	reason = strings.TrimSpace(reason)
	md := audit.Metadata{audit.KeyReason: reason}
	if reason == "" {
		err := apperr.New(apperr.CodeValidation, "freeze reason is required")
		e.audit.Failure(ctx, audit.ActionWalletFreeze, audit.EntityWallet, walletID, actor, err, md)
		return nil, err
	}
	w, err := e.setFrozen(ctx, walletID, true, reason)
	if err != nil {
		e.audit.Failure(ctx, audit.ActionWalletFreeze, audit.EntityWallet, walletID, actor, err, md)
		return nil, err
	}
	e.logger.Info("wallet frozen", "wallet_id", walletID, "reason", reason, "by", actor.UserID)
	e.audit.Success(ctx, audit.ActionWalletFreeze, audit.EntityWallet, walletID, actor, md)
	return w, nil
}

// Unfreeze lifts a freeze.
func (e *Engine) Unfreeze(ctx context.Context, walletID string, actor audit.Actor) (*Wallet, error) {
	w, err := e.setFrozen(ctx, walletID, false, "")
	if err != nil {
		e.audit.Failure(ctx, audit.ActionWalletUnfreeze, audit.EntityWallet, walletID, actor, err, nil)
		return nil, err
	}
	e.logger.Info("wallet unfrozen", "wallet_id", walletID, "by", actor.UserID)
	e.audit.Success(ctx, audit.ActionWalletUnfreeze, audit.EntityWallet, walletID, actor, nil)
	return w, nil
}

func (e *Engine) setFrozen(ctx context.Context, walletID string, frozen bool, reason string) (*Wallet, error) {
	start := time.Now()
	w, err := e.store.Mutate(ctx, walletID, func(_ context.Context, w *Wallet, _ View) (Change, error) {
		if w.IsFrozen == frozen {
			return Change{}, errSkipWrite
		}
		w.IsFrozen = frozen
		w.FrozenReason = reason
		return Change{}, nil
	})
	if errors.Is(err, errSkipWrite) {
		w, err = e.store.GetWallet(ctx, walletID)
	}
	op := "unfreeze"
	if frozen {
		op = "freeze"
	}
	observe(op, start, err)
	return w, err
}

// ReverseTransaction appends the inverse of txID with a back-reference. A
// transaction can be reversed once. Reversals and payout settlements cannot
// be reversed here.
func (e *Engine) ReverseTransaction(ctx context.Context, txID, reason string, actor audit.Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.reverse")
	defer span.End()
	start := time.Now()

	md := audit.Metadata{audit.KeyReversesID: txID, audit.KeyReason: reason}
	rev, err := e.reverse(ctx, txID, reason, actor)
	observe("reverse", start, err)
	if err != nil {
		traces.Fail(span, err, "reverse failed")
		e.audit.Failure(ctx, audit.ActionTransactionRevert, audit.EntityTransaction, txID, actor, err, md)
		return nil, err
	}
	md[audit.KeyTransactionID] = rev.ID
	md[audit.KeyAmount] = rev.Amount.String()
	md[audit.KeyBalanceAfter] = rev.BalanceAfter.String()
	e.audit.Success(ctx, audit.ActionTransactionRevert, audit.EntityTransaction, txID, actor, md)
	return rev, nil
}

func (e *Engine) reverse(ctx context.Context, txID, reason string, actor audit.Actor) (*Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.New(apperr.CodeValidation, "reversal reason is required")
	}
	orig, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch orig.Kind {
	case KindReversal:
		return nil, apperr.Newf(apperr.CodeInvalidState, "transaction %s is itself a reversal", txID)
	case KindSettle:
		return nil, apperr.Newf(apperr.CodeInvalidState, "settlement %s is reversed through its payout", txID)
	}

	var rev *Transaction
	_, err = e.store.Mutate(ctx, orig.WalletID, func(ctx context.Context, w *Wallet, v View) (Change, error) {
		prev, err := v.FindReversal(ctx, orig.ID)
		if err != nil {
			return Change{}, err
		}
		if prev != nil {
			return Change{}, apperr.Newf(apperr.CodeAlreadyProcessed, "transaction %s already reversed by %s", orig.ID, prev.ID)
		}
		if w.IsFrozen {
			return Change{}, apperr.Newf(apperr.CodeWalletFrozen, "wallet %s is frozen", w.ID)
		}

		inverse := orig.Amount.Neg()
		if inverse.IsNegative() && inverse.Abs().GreaterThan(w.Available()) {
			return Change{}, apperr.Newf(apperr.CodeInsufficientFunds,
				"available %s, reversal needs %s", money.Format(w.Available()), money.Format(inverse.Abs()))
		}
		w.Balance = w.Balance.Add(inverse)
		rev = newEntry(w, KindReversal, inverse, orig.SourceType, orig.SourceID, actor.UserID, "reversal: "+reason)
		rev.ReversesID = orig.ID
		return Change{Entry: rev}, nil
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// History returns the wallet's entries newest first.
func (e *Engine) History(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	if _, err := e.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, walletID, limit, cursor)
}

// GetTransaction returns a single ledger entry.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ListWallets lists wallets newest first.
func (e *Engine) ListWallets(ctx context.Context, f WalletFilter) ([]*Wallet, error) {
	return e.store.ListWallets(ctx, f)
}

// LedgerCheck is the result of replaying one wallet's ledger.
type LedgerCheck struct {
	WalletID    string          `json:"walletId"`
	Balance     decimal.Decimal `json:"balance"`
	LedgerSum   decimal.Decimal `json:"ledgerSum"`
	Locked      decimal.Decimal `json:"lockedBalance"`
	ActiveHolds decimal.Decimal `json:"activeHolds"`
	Consistent  bool            `json:"consistent"`
	Problems    []string        `json:"problems,omitempty"`
}

// VerifyLedger checks, under the wallet's lock, that the balance equals
// the sum of its entries, that 0 <= locked <= balance, and that the locked
// balance equals the sum of active holds.
func (e *Engine) VerifyLedger(ctx context.Context, walletID string) (*LedgerCheck, error) {
	var check *LedgerCheck
	_, err := e.store.Mutate(ctx, walletID, func(ctx context.Context, w *Wallet, _ View) (Change, error) {
		sum, err := e.store.SumTransactions(ctx, w.ID)
		if err != nil {
			return Change{}, err
		}
		holds, err := e.store.SumActiveHolds(ctx, w.ID)
		if err != nil {
			return Change{}, err
		}
		check = &LedgerCheck{
			WalletID:    w.ID,
			Balance:     w.Balance,
			LedgerSum:   sum,
			Locked:      w.LockedBalance,
			ActiveHolds: holds,
		}
		return Change{}, errSkipWrite
	})
	if err != nil && !errors.Is(err, errSkipWrite) {
		return nil, err
	}

	if !check.Balance.Equal(check.LedgerSum) {
		check.Problems = append(check.Problems, "balance "+check.Balance.String()+" != ledger sum "+check.LedgerSum.String())
	}
	if check.Locked.IsNegative() || check.Locked.GreaterThan(check.Balance) {
		check.Problems = append(check.Problems, "locked "+check.Locked.String()+" outside [0, balance]")
	}
	if !check.Locked.Equal(check.ActiveHolds) {
		check.Problems = append(check.Problems, "locked "+check.Locked.String()+" != active holds "+check.ActiveHolds.String())
	}
	check.Consistent = len(check.Problems) == 0
	if !check.Consistent {
		e.logger.Error("ledger invariant violated", "wallet_id", walletID, "problems", check.Problems, "alert", true)
	}
	return check, nil
}
