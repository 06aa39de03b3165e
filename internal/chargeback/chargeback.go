// Package chargeback tracks payment-network disputes from report to
// resolution and charges a lost dispute to the liable wallet.
package chargeback

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/pagination"
)

// Status is the lifecycle state of a chargeback.
type Status string

const (
	StatusReported    Status = "reported"
	StatusUnderReview Status = "under_review"
	StatusWon         Status = "won"
	StatusLost        Status = "lost"
	StatusReversed    Status = "reversed"
)

var validStatuses = []Status{StatusReported, StatusUnderReview, StatusWon, StatusLost, StatusReversed}

// ParseStatus converts raw input into a Status.
func ParseStatus(value string) (Status, error) {
	for _, candidate := range validStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid chargeback status %q", value)
}

var transitions = map[Status][]Status{
	StatusReported:    {StatusUnderReview, StatusWon, StatusLost},
	StatusUnderReview: {StatusWon, StatusLost},
	StatusLost:        {StatusReversed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Liability names who pays for a lost chargeback.
type Liability string

const (
	LiabilityPlatform Liability = "platform"
	LiabilityDriver   Liability = "driver"
)

// ParseLiability converts a configuration value into a Liability.
func ParseLiability(value string) (Liability, error) {
	switch l := Liability(value); l {
	case LiabilityPlatform, LiabilityDriver:
		return l, nil
	}
	return "", fmt.Errorf("invalid chargeback liability %q", value)
}

// Chargeback is one external dispute. (PaymentProvider, ExternalReference)
// is unique.
type Chargeback struct {
	ID                string          `json:"id"`
	TripID            string          `json:"tripId"`
	DriverID          string          `json:"driverId,omitempty"`
	PaymentProvider   string          `json:"paymentProvider"`
	ExternalReference string          `json:"externalReference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	Status            Status          `json:"status"`
	LiableWalletID    string          `json:"liableWalletId,omitempty"`
	ResolvedByUserID  string          `json:"resolvedByUserId,omitempty"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	ReportedAt        time.Time       `json:"reportedAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Filter narrows List.
type Filter struct {
	TripID string
	Status Status
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists chargebacks.
type Store interface {
	// Create fails with DuplicateReference when the provider reference is
	// already recorded.
	Create(ctx context.Context, cb *Chargeback) error
	Get(ctx context.Context, id string) (*Chargeback, error)
	List(ctx context.Context, f Filter) ([]*Chargeback, error)
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Chargeback)) (*Chargeback, error)
}
