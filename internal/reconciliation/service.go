package reconciliation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/idgen"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/traces"
)

// FareSource looks up the fare recorded for a trip.
type FareSource interface {
	ExpectedFare(ctx context.Context, tripID string) (decimal.Decimal, bool, error)
}

// Service classifies provider settlement amounts against recorded fares.
type Service struct {
	store      Store
	fares      FareSource
	thresholds Thresholds
	audit      *audit.Recorder
	notifier   notify.Notifier
	logger     *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(store Store, fares FareSource, thresholds Thresholds,
	recorder *audit.Recorder, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:      store,
		fares:      fares,
		thresholds: thresholds,
		audit:      recorder,
		notifier:   notifier,
		logger:     logger,
	}
}

// RunRequest is one provider-reported settlement for a trip.
type RunRequest struct {
	TripID       string
	ActualAmount decimal.Decimal
	Provider     string
}

// Run records a comparison of the provider's amount against the trip fare.
// A trip with no recorded fare cannot be matched automatically and goes to
// manual review. Every run creates a new record.
func (s *Service) Run(ctx context.Context, req RunRequest, actor audit.Actor) (*Record, error) {
	id := idgen.WithPrefix("rc_")
	ctx, span := traces.StartSpan(ctx, "reconciliation.run", traces.ReconciliationID(id))
	defer span.End()

	md := audit.Metadata{audit.KeyActualAmount: req.ActualAmount.String()}
	fail := func(err error) (*Record, error) {
		traces.Fail(span, err, "reconciliation run failed")
		s.audit.Failure(ctx, audit.ActionReconciliationRun, audit.EntityReconciliation, id, actor, err, md)
		return nil, err
	}

	req.TripID = strings.TrimSpace(req.TripID)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.TripID == "" || req.Provider == "" {
		return fail(apperr.New(apperr.CodeValidation, "trip id and provider are required"))
	}
	if req.ActualAmount.IsNegative() {
		return fail(apperr.Newf(apperr.CodeInvalidAmount, "actual amount must not be negative, got %s", req.ActualAmount))
	}

	fare, known, err := s.fares.ExpectedFare(ctx, req.TripID)
	if err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	r := &Record{
		ID:           id,
		TripID:       req.TripID,
		Provider:     req.Provider,
		ActualAmount: req.ActualAmount,
		Status:       StatusManualReview,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if known {
		variance := req.ActualAmount.Sub(fare)
		r.ExpectedAmount = decimal.NullDecimal{Decimal: fare, Valid: true}
		r.Variance = decimal.NullDecimal{Decimal: variance, Valid: true}
		r.Status = s.thresholds.Classify(variance)
		md[audit.KeyExpectedAmount] = fare.String()
		md[audit.KeyVariance] = variance.String()
	} else {
		r.Notes = "no fare recorded for trip"
	}
	md[audit.KeyNewStatus] = string(r.Status)

	if err := s.store.Create(ctx, r); err != nil {
		return fail(err)
	}
	recordsTotal.WithLabelValues(string(r.Status)).Inc()
	s.audit.Success(ctx, audit.ActionReconciliationRun, audit.EntityReconciliation, id, actor, md)

	if r.Status == StatusManualReview {
		s.logger.Warn("reconciliation needs manual review",
			"reconciliation_id", id, "trip_id", r.TripID, "provider", r.Provider, "known_fare", known)
		data := map[string]any{"tripId": r.TripID, "provider": r.Provider, "actualAmount": money.Format(r.ActualAmount)}
		if known {
			data["variance"] = money.Format(r.Variance.Decimal)
		}
		s.notifier.Notify(ctx, notify.Event{Type: notify.EventReconciliationAlert, EntityID: id, Data: data})
	}
	return r, nil
}

// Review lets a human settle a record. manual_review can only be left
// this way, and matched and mismatched can each be overridden to the other.
func (s *Service) Review(ctx context.Context, id string, to Status, notes string, actor audit.Actor) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.review", traces.ReconciliationID(id))
	defer span.End()

	md := audit.Metadata{audit.KeyNewStatus: string(to)}
	if notes != "" {
		md[audit.KeyNotes] = notes
	}
	fail := func(err error) (*Record, error) {
		traces.Fail(span, err, "reconciliation review failed")
		s.audit.Failure(ctx, audit.ActionReconciliationReview, audit.EntityReconciliation, id, actor, err, md)
		return nil, err
	}

	if to != StatusMatched && to != StatusMismatched {
		return fail(apperr.Newf(apperr.CodeValidation, "review must settle on matched or mismatched, got %q", to))
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyPreviousStatus] = string(current.Status)

	done, err := s.store.Transition(ctx, id, current.Status, to, func(r *Record) {
		now := time.Now().UTC()
		r.ReviewedByUserID = actor.UserID
		r.ReviewedAt = &now
		if notes != "" {
			r.Notes = notes
		}
	})
	if err != nil {
		return fail(err)
	}
	s.audit.Success(ctx, audit.ActionReconciliationReview, audit.EntityReconciliation, id, actor, md)
	return done, nil
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// List returns records matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Record, error) {
	return s.store.List(ctx, f)
}
