// Package reconciliation compares provider settlement reports against the
// fares recorded for each trip, and sweeps wallet ledgers for invariant
// violations.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/pagination"
)

// Status is the classification of a reconciliation record.
type Status string

const (
	StatusMatched      Status = "matched"
	StatusMismatched   Status = "mismatched"
	StatusManualReview Status = "manual_review"
)

// ParseStatus converts raw input into a Status.
func ParseStatus(value string) (Status, error) {
	switch s := Status(value); s {
	case StatusMatched, StatusMismatched, StatusManualReview:
		return s, nil
	}
	return "", fmt.Errorf("invalid reconciliation status %q", value)
}

var transitions = map[Status][]Status{
	StatusManualReview: {StatusMatched, StatusMismatched},
	StatusMismatched:   {StatusMatched},
	StatusMatched:      {StatusMismatched},
}

// CanTransition reports whether a reviewer may move a record from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one expected-versus-actual comparison for a trip.
// ExpectedAmount and Variance are null when no fare was recorded.
type Record struct {
	ID               string              `json:"id"`
	TripID           string              `json:"tripId"`
	Provider         string              `json:"provider"`
	ExpectedAmount   decimal.NullDecimal `json:"expectedAmount"`
	ActualAmount     decimal.Decimal     `json:"actualAmount"`
	Variance         decimal.NullDecimal `json:"variance"`
	Status           Status              `json:"status"`
	ReviewedByUserID string              `json:"reviewedByUserId,omitempty"`
	Notes            string              `json:"notes,omitempty"`
	ReviewedAt       *time.Time          `json:"reviewedAt,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Filter narrows List.
type Filter struct {
	TripID string
	Status Status
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists reconciliation records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Record)) (*Record, error)
}

// Thresholds decide how a variance is classified.
type Thresholds struct {
	// Tolerance is the largest absolute variance still considered matched.
	Tolerance decimal.Decimal
	// Escalation is the absolute variance above which a human must decide.
	Escalation decimal.Decimal
}

// DefaultThresholds are one cent of tolerance and escalation above five.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Tolerance:  decimal.New(1, -2),
		Escalation: decimal.NewFromInt(5),
	}
}

// Classify returns the status for a variance.
func (t Thresholds) Classify(variance decimal.Decimal) Status {
	abs := variance.Abs()
	switch {
	case abs.LessThanOrEqual(t.Tolerance):
		return StatusMatched
	case abs.GreaterThan(t.Escalation):
		return StatusManualReview
	default:
		return StatusMismatched
	}
}
