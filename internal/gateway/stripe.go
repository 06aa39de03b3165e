package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

const (
	stripeTestEnv = "test"
	stripeLiveEnv = "live"
)

var (
	errStripeKeyRequired = errors.New("stripe secret key is required")
	errStripeEnv         = fmt.Errorf("stripe environment must be %q or %q", stripeTestEnv, stripeLiveEnv)
)

// StripeGateway disburses through Stripe Connect transfers and refunds
// through the Refunds API. The idempotency key doubles as the transfer group
// so LookupDisbursement can find a transfer whose response was lost.
type StripeGateway struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripe creates a Stripe gateway. backends may be nil to use Stripe's
// production endpoints.
func NewStripe(secretKey, env string, backends *stripe.Backends, logger *slog.Logger) (*StripeGateway, error) {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = stripeTestEnv
	}
	if env != stripeTestEnv && env != stripeLiveEnv {
		return nil, errStripeEnv
	}
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errStripeKeyRequired
	}
	if err := validateStripeKey(env, secretKey); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := &client.API{}
	api.Init(secretKey, backends)
	logger.Info("stripe gateway initialized", "env", env)
	return &StripeGateway{api: api, logger: logger}, nil
}

func validateStripeKey(env, key string) error {
	switch env {
	case stripeTestEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", stripeTestEnv)
	default:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", stripeLiveEnv)
	}
}

func (g *StripeGateway) Disburse(ctx context.Context, req DisburseRequest) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, ErrInvalidKey
	}
	cents, err := minorUnits(req.Amount)
	if err != nil {
		return Result{Success: false, FailureReason: err.Error()}, nil
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.IdempotencyKey),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("payout_id", req.IdempotencyKey)
	params.AddMetadata("wallet_id", req.WalletID)
	params.AddMetadata("owner_id", req.OwnerID)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return classifyStripeError(err)
	}
	if tr.Reversed {
		return Result{Success: false, Reference: tr.ID, FailureReason: "transfer reversed"}, nil
	}
	return Result{Success: true, Reference: tr.ID}, nil
}

func (g *StripeGateway) RefundExternally(ctx context.Context, req RefundRequest) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, ErrInvalidKey
	}
	cents, err := minorUnits(req.Amount)
	if err != nil {
		return Result{Success: false, FailureReason: err.Error()}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(cents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("refund_id", req.IdempotencyKey)
	params.AddMetadata("trip_id", req.TripID)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return classifyStripeError(err)
	}
	switch string(rf.Status) {
	case "failed", "canceled":
		return Result{Success: false, Reference: rf.ID, FailureReason: "refund " + string(rf.Status)}, nil
	}
	return Result{Success: true, Reference: rf.ID}, nil
}

func (g *StripeGateway) LookupDisbursement(ctx context.Context, idempotencyKey string) (Result, error) {
	if idempotencyKey == "" {
		return Result{}, ErrInvalidKey
	}
	params := &stripe.TransferListParams{TransferGroup: stripe.String(idempotencyKey)}
	params.Context = ctx

	iter := g.api.Transfers.List(params)
	for iter.Next() {
		tr := iter.Transfer()
		if tr.Reversed {
			return Result{Success: false, Reference: tr.ID, FailureReason: "transfer reversed"}, nil
		}
		return Result{Success: true, Reference: tr.ID}, nil
	}
	if err := iter.Err(); err != nil {
		return Result{}, fmt.Errorf("stripe: list transfers: %w", err)
	}
	return Result{}, ErrNotFound
}

// classifyStripeError turns request and card errors into declines. Rate
// limits, API errors and transport failures leave the outcome unknown.
func classifyStripeError(err error) (Result, error) {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != http.StatusTooManyRequests {
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			reason := se.Msg
			if se.Code != "" {
				reason = string(se.Code) + ": " + se.Msg
			}
			return Result{Success: false, FailureReason: reason}, nil
		}
	}
	return Result{}, fmt.Errorf("stripe: %w", err)
}

// minorUnits converts a decimal amount into integer cents.
func minorUnits(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has sub-cent precision", amount.String())
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount.String())
	}
	return cents.IntPart(), nil
}
