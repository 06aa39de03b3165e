package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	opDisburse = "disburse"
	opRefund   = "refund"
	opLookup   = "lookup"
)

// Guarded wraps a Gateway with a per-call timeout, a circuit breaker and
// metrics. It is what the payout and refund services are given in production.
type Guarded struct {
	next    Gateway
	breaker *Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuarded wraps next. A zero timeout leaves the caller's deadline alone.
func NewGuarded(next Gateway, breaker *Breaker, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout, logger: logger}
}

// Breaker exposes the circuit state for health reporting.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

func (g *Guarded) Disburse(ctx context.Context, req DisburseRequest) (Result, error) {
	return g.call(ctx, opDisburse, req.IdempotencyKey, func(ctx context.Context) (Result, error) {
		return g.next.Disburse(ctx, req)
	})
}

func (g *Guarded) RefundExternally(ctx context.Context, req RefundRequest) (Result, error) {
	return g.call(ctx, opRefund, req.IdempotencyKey, func(ctx context.Context) (Result, error) {
		return g.next.RefundExternally(ctx, req)
	})
}

func (g *Guarded) LookupDisbursement(ctx context.Context, idempotencyKey string) (Result, error) {
	return g.call(ctx, opLookup, idempotencyKey, func(ctx context.Context) (Result, error) {
		return g.next.LookupDisbursement(ctx, idempotencyKey)
	})
}

func (g *Guarded) call(ctx context.Context, op, key string, fn func(context.Context) (Result, error)) (Result, error) {
	if !g.breaker.Allow(op) {
		requestsTotal.WithLabelValues(op, "circuit_open").Inc()
		g.logger.Warn("gateway circuit open", "operation", op, "key", key)
		return Result{}, ErrCircuitOpen
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := fn(ctx)
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNotFound):
		// A clean "never seen" answer means the gateway is healthy.
		g.breaker.RecordSuccess(op)
		requestsTotal.WithLabelValues(op, "not_found").Inc()
	case err != nil:
		g.breaker.RecordFailure(op)
		requestsTotal.WithLabelValues(op, "error").Inc()
		g.logger.Warn("gateway call failed", "operation", op, "key", key, "error", err)
	case !res.Success:
		g.breaker.RecordSuccess(op)
		requestsTotal.WithLabelValues(op, "declined").Inc()
		g.logger.Info("gateway declined", "operation", op, "key", key, "reason", res.FailureReason)
	default:
		g.breaker.RecordSuccess(op)
		requestsTotal.WithLabelValues(op, "success").Inc()
	}
	return res, err
}
