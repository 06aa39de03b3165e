// Package wallet is the ledger of driver, rider and platform balances.
//
// Flow:
//  1. A trip completes and the driver and platform wallets are credited
//  2. A payout holds part of the driver's available balance
//  3. The gateway disburses and the hold is settled (or released on failure)
//  4. Refunds and chargebacks move money through Credit/Debit like everything else
//
// Only the Engine mutates balances. Every balance change appends an immutable
// Transaction, so a wallet's balance always equals the sum of its entries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/pagination"
)

// Role is the kind of party that owns a wallet.
type Role string

const (
	RoleDriver   Role = "driver"
	RolePlatform Role = "platform"
	RoleRider    Role = "rider"
)

var validRoles = []Role{RoleDriver, RolePlatform, RoleRider}

// IsValid reports whether r is a known wallet role.
func (r Role) IsValid() bool {
	for _, candidate := range validRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRole converts raw input into a Role.
func ParseRole(value string) (Role, error) {
	for _, candidate := range validRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet role %q", value)
}

// Kind classifies a ledger entry by the balance path that produced it.
type Kind string

const (
	KindCredit   Kind = "credit"
	KindDebit    Kind = "debit"
	KindSettle   Kind = "settle"   // a held amount leaving the wallet
	KindReversal Kind = "reversal" // inverse of an earlier entry
)

// SourceType names what caused a movement.
type SourceType string

const (
	SourceTrip       SourceType = "trip"
	SourceIncentive  SourceType = "incentive"
	SourceRefund     SourceType = "refund"
	SourceChargeback SourceType = "chargeback"
	SourceAdjustment SourceType = "adjustment"
	SourcePayout     SourceType = "payout"
)

var validSourceTypes = []SourceType{
	SourceTrip,
	SourceIncentive,
	SourceRefund,
	SourceChargeback,
	SourceAdjustment,
	SourcePayout,
}

// IsValid reports whether s is a known source type.
func (s SourceType) IsValid() bool {
	for _, candidate := range validSourceTypes {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSourceType converts raw input into a SourceType.
func ParseSourceType(value string) (SourceType, error) {
	for _, candidate := range validSourceTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid source type %q", value)
}

// Wallet is a per-owner store of funds.
type Wallet struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	Role          Role            `json:"role"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"lockedBalance"`
	Currency      string          `json:"currency"`
	IsFrozen      bool            `json:"isFrozen"`
	FrozenReason  string          `json:"frozenReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Available is balance minus locked balance.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}

// Transaction is an immutable ledger entry. Amount is signed: credits are
// positive, debits and settles negative.
type Transaction struct {
	ID                string          `json:"id"`
	WalletID          string          `json:"walletId"`
	Kind              Kind            `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balanceAfter"`
	SourceType        SourceType      `json:"sourceType"`
	SourceID          string          `json:"sourceId,omitempty"`
	PerformedByUserID string          `json:"performedByUserId,omitempty"`
	Description       string          `json:"description,omitempty"`
	ReversesID        string          `json:"reversesId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// IdempotencyKey identifies a movement for retry deduplication.
type IdempotencyKey struct {
	WalletID   string
	Kind       Kind
	SourceType SourceType
	SourceID   string
}

// Key returns the dedup key of t, or false when t carries no source id.
// Reversals are deduplicated by ReversesID instead.
func (t *Transaction) Key() (IdempotencyKey, bool) {
	if t.SourceID == "" || t.Kind == KindReversal {
		return IdempotencyKey{}, false
	}
	return IdempotencyKey{WalletID: t.WalletID, Kind: t.Kind, SourceType: t.SourceType, SourceID: t.SourceID}, true
}

// Movement is the input of Credit and Debit.
type Movement struct {
	WalletID    string
	Amount      decimal.Decimal
	SourceType  SourceType
	SourceID    string
	Actor       audit.Actor
	Description string
}

// WalletFilter narrows ListWallets. Zero fields are ignored.
type WalletFilter struct {
	Role   Role
	Frozen *bool
	Limit  int
	Cursor *pagination.Cursor
}

// HoldStatus is the lifecycle of a hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldSettled  HoldStatus = "settled"
)

// Hold earmarks part of a wallet's balance for an in-flight payout. Reference
// is the payout id; one hold exists per (wallet, reference).
type Hold struct {
	WalletID  string          `json:"walletId"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Status    HoldStatus      `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// View is the read access a MutateFunc has to the ledger while it holds the
// wallet's lock.
type View interface {
	FindByKey(ctx context.Context, key IdempotencyKey) (*Transaction, error)
	FindReversal(ctx context.Context, txID string) (*Transaction, error)
	FindHold(ctx context.Context, walletID, reference string) (*Hold, error)
}

// Change is what a MutateFunc asks the store to persist besides the wallet
// row itself.
type Change struct {
	Entry *Transaction // appended when non-nil
	Hold  *Hold        // upserted when non-nil
}

// MutateFunc inspects and changes w in place. Returning errSkipWrite leaves
// the store untouched.
type MutateFunc func(ctx context.Context, w *Wallet, v View) (Change, error)

// errSkipWrite aborts a Mutate without persisting anything (idempotent replays).
var errSkipWrite = errors.New("wallet: nothing to write")

// Store persists wallets and their transactions.
type Store interface {
	// CreateWallet inserts w, or returns the existing wallet for (OwnerID, Role).
	CreateWallet(ctx context.Context, w *Wallet) (*Wallet, error)
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string, role Role) (*Wallet, error)
	ListWallets(ctx context.Context, f WalletFilter) ([]*Wallet, error)

	// Mutate runs fn with exclusive access to the wallet and persists the
	// result atomically.
	Mutate(ctx context.Context, walletID string, fn MutateFunc) (*Wallet, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListTransactions returns entries newest first, strictly older than
	// the cursor when one is given.
	ListTransactions(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
	SumTransactions(ctx context.Context, walletID string) (decimal.Decimal, error)
	// SumActiveHolds totals the holds still locking funds in the wallet.
	SumActiveHolds(ctx context.Context, walletID string) (decimal.Decimal, error)
}
