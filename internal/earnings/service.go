package earnings

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/traces"
	"github.com/mbd888/ridewallet/internal/wallet"
)

// IncentiveGate is the risk check consulted before incentive credit.
type IncentiveGate interface {
	IsIncentiveAllowed(ctx context.Context, ownerID string) (bool, error)
}

// Service credits wallets for completed trips and incentives.
type Service struct {
	wallets         *wallet.Engine
	fares           FareStore
	gate            IncentiveGate
	audit           *audit.Recorder
	notifier        notify.Notifier
	logger          *slog.Logger
	platformOwnerID string
	currency        string
}

// NewService creates an earnings service. platformOwnerID names the owner
// of the platform commission wallet.
func NewService(wallets *wallet.Engine, fares FareStore, gate IncentiveGate, recorder *audit.Recorder,
	notifier notify.Notifier, platformOwnerID, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		wallets:         wallets,
		fares:           fares,
		gate:            gate,
		audit:           recorder,
		notifier:        notifier,
		logger:          logger,
		platformOwnerID: platformOwnerID,
		currency:        strings.ToUpper(currency),
	}
}

// OnTripCompleted records the trip fare and credits the driver and platform
// wallets. Each credit is keyed on the trip id, so replaying the event only
// applies the legs that are still missing. One failed leg is reported in
// the Settlement and audited as a partial failure; it is not returned as an
// error. Both legs failing is an error.
func (s *Service) OnTripCompleted(ctx context.Context, ev TripCompleted, actor audit.Actor) (*Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "earnings.trip_completed", traces.Source(string(wallet.SourceTrip), ev.TripID))
	defer span.End()

	md := audit.Metadata{
		audit.KeyDriverAmount:   ev.DriverAmount.String(),
		audit.KeyPlatformAmount: ev.PlatformAmount.String(),
	}

	fare, err := s.recordFare(ctx, ev)
	if err != nil {
		traces.Fail(span, err, "record fare failed")
		s.audit.Failure(ctx, audit.ActionTripSettle, audit.EntityTrip, ev.TripID, actor, err, md)
		return nil, err
	}

	result := &Settlement{Fare: fare}
	var failures []error

	driverTx, err := s.creditOwner(ctx, fare.DriverID, wallet.RoleDriver, fare.DriverAmount, fare.TripID, actor, "trip earnings")
	if err != nil {
		failures = append(failures, err)
		result.Errors = append(result.Errors, "driver: "+err.Error())
	}
	result.DriverTx = driverTx

	if fare.PlatformAmount.IsPositive() {
		platformTx, err := s.creditOwner(ctx, s.platformOwnerID, wallet.RolePlatform, fare.PlatformAmount, fare.TripID, actor, "trip commission")
		if err != nil {
			failures = append(failures, err)
			result.Errors = append(result.Errors, "platform: "+err.Error())
		}
		result.PlatformTx = platformTx
	}

	legs := 1
	if fare.PlatformAmount.IsPositive() {
		legs = 2
	}

	switch {
	case len(failures) == 0:
		s.audit.Success(ctx, audit.ActionTripSettle, audit.EntityTrip, fare.TripID, actor, md)
		s.notifier.Notify(ctx, notify.Event{
			Type:     notify.EventTripCredited,
			OwnerID:  fare.DriverID,
			EntityID: fare.TripID,
			Data:     map[string]any{"amount": money.Format(fare.DriverAmount)},
		})
		return result, nil

	case len(failures) < legs:
		result.Partial = true
		md[audit.KeyPartialFailure] = true
		joined := errors.Join(failures...)
		traces.Fail(span, joined, "partial trip settlement")
		s.logger.Error("trip settlement partially failed",
			"trip_id", fare.TripID,
			"errors", result.Errors,
			"alert", true,
		)
		s.audit.Failure(ctx, audit.ActionTripSettle, audit.EntityTrip, fare.TripID, actor, joined, md)
		return result, nil

	default:
		joined := errors.Join(failures...)
		traces.Fail(span, joined, "trip settlement failed")
		s.audit.Failure(ctx, audit.ActionTripSettle, audit.EntityTrip, fare.TripID, actor, failures[0], md)
		return nil, failures[0]
	}
}

func (s *Service) recordFare(ctx context.Context, ev TripCompleted) (*TripFare, error) {
	ev.TripID = strings.TrimSpace(ev.TripID)
	ev.DriverID = strings.TrimSpace(ev.DriverID)
	if ev.TripID == "" || ev.DriverID == "" {
		return nil, apperr.New(apperr.CodeValidation, "trip and driver ids are required")
	}
	if err := money.RequirePositive(ev.DriverAmount); err != nil {
		return nil, err
	}
	if ev.PlatformAmount.IsNegative() {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "platform amount must not be negative, got %s", ev.PlatformAmount)
	}
	split := ev.DriverAmount.Add(ev.PlatformAmount)
	fareAmount := ev.Fare
	if fareAmount.IsZero() {
		fareAmount = split
	}
	if fareAmount.LessThan(split) {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "fare %s is less than driver plus platform amount %s", fareAmount, split)
	}
	completedAt := ev.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	candidate := &TripFare{
		TripID:         ev.TripID,
		RiderID:        strings.TrimSpace(ev.RiderID),
		DriverID:       ev.DriverID,
		Fare:           fareAmount,
		DriverAmount:   ev.DriverAmount,
		PlatformAmount: ev.PlatformAmount,
		Currency:       s.currency,
		CompletedAt:    completedAt,
	}
	stored, created, err := s.fares.Record(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if !created && !stored.sameSplit(candidate) {
		return nil, apperr.Newf(apperr.CodeIdempotencyConflict,
			"trip %s already recorded with a different fare split", ev.TripID)
	}
	return stored, nil
}

func (s *Service) creditOwner(ctx context.Context, ownerID string, role wallet.Role, amount decimal.Decimal,
	tripID string, actor audit.Actor, description string) (*wallet.Transaction, error) {
	w, err := s.wallets.GetOrCreateWallet(ctx, ownerID, role)
	if err != nil {
		return nil, err
	}
	return s.wallets.Credit(ctx, wallet.Movement{
		WalletID:    w.ID,
		Amount:      amount,
		SourceType:  wallet.SourceTrip,
		SourceID:    tripID,
		Actor:       actor,
		Description: description,
	})
}

// CreditIncentive credits a driver bonus after the risk gate allows it.
// The credit is idempotent on the incentive id.
func (s *Service) CreditIncentive(ctx context.Context, in Incentive, actor audit.Actor) (*wallet.Transaction, error) {
	md := audit.Metadata{
		audit.KeyAmount:   in.Amount.String(),
		audit.KeySourceID: in.IncentiveID,
		audit.KeyOwnerID:  in.DriverID,
	}
	fail := func(err error) (*wallet.Transaction, error) {
		s.audit.Failure(ctx, audit.ActionIncentiveCredit, audit.EntityTrip, in.IncentiveID, actor, err, md)
		return nil, err
	}

	if strings.TrimSpace(in.IncentiveID) == "" || strings.TrimSpace(in.DriverID) == "" {
		return fail(apperr.New(apperr.CodeValidation, "incentive id and driver id are required"))
	}
	if err := money.RequirePositive(in.Amount); err != nil {
		return fail(err)
	}

	allowed, err := s.gate.IsIncentiveAllowed(ctx, in.DriverID)
	if err != nil {
		return fail(err)
	}
	if !allowed {
		return fail(apperr.Newf(apperr.CodeRiskBlocked, "incentive credit blocked for %s by risk policy", in.DriverID))
	}

	description := in.Description
	if description == "" {
		description = "incentive"
	}
	w, err := s.wallets.GetOrCreateWallet(ctx, in.DriverID, wallet.RoleDriver)
	if err != nil {
		return fail(err)
	}
	tx, err := s.wallets.Credit(ctx, wallet.Movement{
		WalletID:    w.ID,
		Amount:      in.Amount,
		SourceType:  wallet.SourceIncentive,
		SourceID:    in.IncentiveID,
		Actor:       actor,
		Description: description,
	})
	if err != nil {
		return fail(err)
	}

	md[audit.KeyTransactionID] = tx.ID
	s.audit.Success(ctx, audit.ActionIncentiveCredit, audit.EntityTrip, in.IncentiveID, actor, md)
	s.notifier.Notify(ctx, notify.Event{
		Type:     notify.EventIncentiveCredited,
		OwnerID:  in.DriverID,
		EntityID: in.IncentiveID,
		Data:     map[string]any{"amount": money.Format(in.Amount)},
	})
	return tx, nil
}

// Fare returns the recorded fare for tripID.
func (s *Service) Fare(ctx context.Context, tripID string) (*TripFare, error) {
	return s.fares.Get(ctx, tripID)
}

// ExpectedFare returns the fare the rider paid, or false when the trip was
// never recorded.
func (s *Service) ExpectedFare(ctx context.Context, tripID string) (decimal.Decimal, bool, error) {
	f, err := s.fares.Get(ctx, tripID)
	if errors.Is(err, apperr.ErrNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return f.Fare, true, nil
}

// DriverTrips lists a driver's recorded trips, newest first.
func (s *Service) DriverTrips(ctx context.Context, driverID string, limit int) ([]*TripFare, error) {
	return s.fares.ListByDriver(ctx, driverID, limit)
}
