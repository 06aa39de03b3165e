// Package earnings turns completed trips and incentive grants into wallet
// credits, and keeps the recorded fare of every trip for refunds and
// reconciliation.
//
// A completed trip is two independent credits (driver and platform). They
// are not one cross-wallet transaction: when one leg fails the other stays
// applied, the failure is logged and audited, and the trip can be replayed
// safely because every credit is idempotent on the trip id.
package earnings

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/wallet"
)

// TripFare is the fare recorded when a trip completes. Fare is what the
// rider paid; DriverAmount and PlatformAmount are its split.
type TripFare struct {
	TripID         string          `json:"tripId"`
	RiderID        string          `json:"riderId"`
	DriverID       string          `json:"driverId"`
	Fare           decimal.Decimal `json:"fare"`
	DriverAmount   decimal.Decimal `json:"driverAmount"`
	PlatformAmount decimal.Decimal `json:"platformAmount"`
	Currency       string          `json:"currency"`
	CompletedAt    time.Time       `json:"completedAt"`
}

// sameSplit reports whether two recordings of a trip agree on the money.
func (f *TripFare) sameSplit(o *TripFare) bool {
	return f.DriverID == o.DriverID &&
		f.Fare.Equal(o.Fare) &&
		f.DriverAmount.Equal(o.DriverAmount) &&
		f.PlatformAmount.Equal(o.PlatformAmount)
}

// TripCompleted is the event emitted by the trip subsystem.
type TripCompleted struct {
	TripID string
	// RiderID is optional; the trip subsystem does not always send it.
	RiderID        string
	DriverID       string
	DriverAmount   decimal.Decimal
	PlatformAmount decimal.Decimal
	// Fare defaults to DriverAmount + PlatformAmount.
	Fare        decimal.Decimal
	CompletedAt time.Time
}

// Settlement reports what OnTripCompleted applied. Partial is set when
// exactly one of the two credits failed.
type Settlement struct {
	Fare       *TripFare           `json:"fare"`
	DriverTx   *wallet.Transaction `json:"driverTransaction,omitempty"`
	PlatformTx *wallet.Transaction `json:"platformTransaction,omitempty"`
	Partial    bool                `json:"partial"`
	Errors     []string            `json:"errors,omitempty"`
}

// Incentive is a bonus credit granted to a driver.
type Incentive struct {
	IncentiveID string
	DriverID    string
	Amount      decimal.Decimal
	Description string
}

// FareStore persists recorded trip fares.
type FareStore interface {
	// Record inserts f, or returns the fare already stored for f.TripID
	// with created=false.
	Record(ctx context.Context, f *TripFare) (stored *TripFare, created bool, err error)
	Get(ctx context.Context, tripID string) (*TripFare, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]*TripFare, error)
}
