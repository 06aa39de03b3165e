// Package payout drives a driver payout from initiation to paid, failed or
// reversed.
//
// Flow:
//  1. Initiate: kill switch and risk gate checked, amount held on the wallet
//  2. Process: pending → processing claimed by conditional update, gateway
//     called outside any wallet lock, then the hold is settled (paid) or
//     released (failed)
//  3. Reverse: a paid payout is clawed back by a normal debit
//
// A gateway error or timeout leaves the payout processing. ResolveStuck asks
// the gateway for the real outcome later; the payout id is the idempotency
// key for every gateway call, so re-driving a payout never pays twice.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/pagination"
)

// Status is the lifecycle state of a payout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusReversed   Status = "reversed"
)

var validStatuses = []Status{StatusPending, StatusProcessing, StatusPaid, StatusFailed, StatusReversed}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, candidate := range validStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseStatus converts raw input into a Status.
func ParseStatus(value string) (Status, error) {
	for _, candidate := range validStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout status %q", value)
}

// transitions is the complete payout state graph.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusPaid, StatusFailed},
	StatusPaid:       {StatusReversed},
}

// CanTransition reports whether from → to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Method is how the driver receives the money.
type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodMobileMoney  Method = "mobile_money"
	MethodDebitCard    Method = "debit_card"
)

var validMethods = []Method{MethodBankTransfer, MethodMobileMoney, MethodDebitCard}

// ParseMethod converts raw input into a Method.
func ParseMethod(value string) (Method, error) {
	for _, candidate := range validMethods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout method %q", value)
}

// Payout is one settlement cycle for a driver wallet.
type Payout struct {
	ID                  string          `json:"id"`
	WalletID            string          `json:"walletId"`
	OwnerID             string          `json:"ownerId"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Method              Method          `json:"method"`
	Destination         string          `json:"destination"`
	CountryCode         string          `json:"countryCode,omitempty"`
	Status              Status          `json:"status"`
	PeriodStart         *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd           *time.Time      `json:"periodEnd,omitempty"`
	InitiatedByUserID   string          `json:"initiatedByUserId,omitempty"`
	ProcessedByUserID   string          `json:"processedByUserId,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	GatewayReference    string          `json:"gatewayReference,omitempty"`
	ReversalReason      string          `json:"reversalReason,omitempty"`
	ReversedByUserID    string          `json:"reversedByUserId,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	WalletID string
	OwnerID  string
	Status   Status
	Limit    int
	Cursor   *pagination.Cursor
}

// Store persists payouts.
type Store interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	List(ctx context.Context, f Filter) ([]*Payout, error)

	// Transition moves the payout from → to only if its current status is
	// from, applying mutate to the stored copy first. A payout in any other
	// status fails with InvalidState and is left untouched.
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Payout)) (*Payout, error)

	// ListStuck returns processing payouts that started before cutoff,
	// oldest first.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error)
}
