// Package refund implements rider refunds: pending → approved or rejected,
// approved → processed, processed → reversed.
//
// Creating or approving a refund never moves money. Money moves only when
// an approved refund is processed, and every movement is keyed on the
// refund id so a failed process call is retried forward, never compensated.
package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/pagination"
)

// Status is the lifecycle state of a refund.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusProcessed Status = "processed"
	StatusReversed  Status = "reversed"
)

var validStatuses = []Status{StatusPending, StatusApproved, StatusRejected, StatusProcessed, StatusReversed}

// ParseStatus converts raw input into a Status.
func ParseStatus(value string) (Status, error) {
	for _, candidate := range validStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund status %q", value)
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusProcessed},
	StatusProcessed: {StatusReversed},
}

// CanTransition reports whether from → to is an edge of the refund graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type classifies why the rider is owed money.
type Type string

const (
	TypeFull       Type = "full"
	TypePartial    Type = "partial"
	TypeAdjustment Type = "adjustment"
)

// ParseType converts raw input into a Type.
func ParseType(value string) (Type, error) {
	switch t := Type(value); t {
	case TypeFull, TypePartial, TypeAdjustment:
		return t, nil
	}
	return "", fmt.Errorf("invalid refund type %q", value)
}

// Destination is where the refunded money goes.
type Destination string

const (
	DestinationWallet          Destination = "wallet"
	DestinationOriginalPayment Destination = "original_payment"
)

// ParseDestination converts raw input into a Destination.
func ParseDestination(value string) (Destination, error) {
	switch d := Destination(value); d {
	case DestinationWallet, DestinationOriginalPayment:
		return d, nil
	}
	return "", fmt.Errorf("invalid refund destination %q", value)
}

// Refund is money owed back to a rider for a trip.
type Refund struct {
	ID                string          `json:"id"`
	TripID            string          `json:"tripId"`
	RiderID           string          `json:"riderId"`
	DriverID          string          `json:"driverId,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Type              Type            `json:"type"`
	Status            Status          `json:"status"`
	Reason            string          `json:"reason"`
	Destination       Destination     `json:"destination"`
	PaymentReference  string          `json:"paymentReference,omitempty"`
	ExternalReference string          `json:"externalReference,omitempty"`
	CreatedByRole     string          `json:"createdByRole"`
	CreatedByUserID   string          `json:"createdByUserId,omitempty"`
	ApprovedByUserID  string          `json:"approvedByUserId,omitempty"`
	ProcessedByUserID string          `json:"processedByUserId,omitempty"`
	RejectionReason   string          `json:"rejectionReason,omitempty"`
	LinkedDisputeID   string          `json:"linkedDisputeId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// counts reports whether r still claims part of the trip fare.
func (r *Refund) counts() bool {
	return r.Status != StatusRejected && r.Status != StatusReversed
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	TripID  string
	RiderID string
	Status  Status
	Limit   int
	Cursor  *pagination.Cursor
}

// Store persists refunds.
type Store interface {
	Create(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	List(ctx context.Context, f Filter) ([]*Refund, error)

	// Transition moves the refund from → to only if its current status is
	// from. Any other current status fails with InvalidState.
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Refund)) (*Refund, error)
}
