// Package gateway is the boundary to the external payment processor.
//
// The settlement workflows only ever see the Gateway interface. A returned
// error means the outcome is unknown (timeout, transport failure, open
// circuit) and the caller must not assume either way; a Result with
// Success=false is a definitive decline.
//
// Every call carries an idempotency key (the payout or refund id), so a
// retry after an unknown outcome can never move money twice.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotFound    = errors.New("gateway: no disbursement for idempotency key")
	ErrCircuitOpen = errors.New("gateway: circuit open")
	ErrInvalidKey  = errors.New("gateway: idempotency key is required")
)

// DisburseRequest pays a driver out to an external destination.
type DisburseRequest struct {
	IdempotencyKey string
	WalletID       string
	OwnerID        string
	Amount         decimal.Decimal
	Currency       string
	Method         string
	Destination    string // bank account or connected-account reference
	CountryCode    string
}

// RefundRequest returns money to the rider's original payment method.
type RefundRequest struct {
	IdempotencyKey   string
	TripID           string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
}

// Result is the gateway's definitive answer.
type Result struct {
	Success       bool   `json:"success"`
	Reference     string `json:"reference,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Gateway moves money outside the ledger.
type Gateway interface {
	Disburse(ctx context.Context, req DisburseRequest) (Result, error)
	RefundExternally(ctx context.Context, req RefundRequest) (Result, error)
	// LookupDisbursement returns ErrNotFound when the gateway never saw key.
	LookupDisbursement(ctx context.Context, idempotencyKey string) (Result, error)
}
