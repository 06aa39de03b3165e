package chargeback

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/idgen"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/traces"
	"github.com/mbd888/ridewallet/internal/wallet"
)

var (
	reportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "chargebacks_reported_total",
			Help:      "Chargebacks reported, by payment provider.",
		},
		[]string{"provider"},
	)
	resolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "chargeback_transitions_total",
			Help:      "Chargeback status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(reportedTotal, resolvedTotal)
}

// maxResolveAttempts bounds the CAS retries when another resolver moves the
// chargeback between the read and the conditional update.
const maxResolveAttempts = 3

// Service runs the chargeback workflow.
type Service struct {
	store           Store
	wallets         *wallet.Engine
	liability       Liability
	platformOwnerID string
	currency        string
	audit           *audit.Recorder
	notifier        notify.Notifier
	logger          *slog.Logger
}

// NewService creates a chargeback service. Lost chargebacks are charged to
// the platform wallet unless liability is LiabilityDriver.
func NewService(store Store, wallets *wallet.Engine, liability Liability, platformOwnerID, currency string,
	recorder *audit.Recorder, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if liability == "" {
		liability = LiabilityPlatform
	}
	return &Service{
		store:           store,
		wallets:         wallets,
		liability:       liability,
		platformOwnerID: platformOwnerID,
		currency:        strings.ToUpper(currency),
		audit:           recorder,
		notifier:        notifier,
		logger:          logger,
	}
}

// ReportRequest records a dispute raised by a payment provider.
type ReportRequest struct {
	TripID            string
	DriverID          string
	PaymentProvider   string
	ExternalReference string
	Amount            decimal.Decimal
	Reason            string
}

// Report records a new chargeback in the reported state. No money moves
// until it is resolved as lost.
func (s *Service) Report(ctx context.Context, req ReportRequest, actor audit.Actor) (*Chargeback, error) {
	id := idgen.WithPrefix("cb_")
	ctx, span := traces.StartSpan(ctx, "chargeback.report", traces.ChargebackID(id))
	defer span.End()

	md := audit.Metadata{
		audit.KeyAmount:           req.Amount.String(),
		audit.KeyGatewayReference: req.ExternalReference,
		audit.KeyNewStatus:        string(StatusReported),
	}
	fail := func(err error) (*Chargeback, error) {
		traces.Fail(span, err, "report chargeback failed")
		s.audit.Failure(ctx, audit.ActionChargebackReport, audit.EntityChargeback, id, actor, err, md)
		return nil, err
	}

	req.TripID = strings.TrimSpace(req.TripID)
	req.PaymentProvider = strings.ToLower(strings.TrimSpace(req.PaymentProvider))
	req.ExternalReference = strings.TrimSpace(req.ExternalReference)
	if req.TripID == "" || req.PaymentProvider == "" || req.ExternalReference == "" {
		return fail(apperr.New(apperr.CodeValidation, "trip id, payment provider and external reference are required"))
	}
	if err := money.RequirePositive(req.Amount); err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	cb := &Chargeback{
		ID:                id,
		TripID:            req.TripID,
		DriverID:          strings.TrimSpace(req.DriverID),
		PaymentProvider:   req.PaymentProvider,
		ExternalReference: req.ExternalReference,
		Amount:            req.Amount,
		Currency:          s.currency,
		Reason:            strings.TrimSpace(req.Reason),
		Status:            StatusReported,
		ReportedAt:        now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, cb); err != nil {
		return fail(err)
	}
	reportedTotal.WithLabelValues(cb.PaymentProvider).Inc()
	s.audit.Success(ctx, audit.ActionChargebackReport, audit.EntityChargeback, id, actor, md)
	return cb, nil
}

// Resolve moves a chargeback to under_review, won, lost or reversed.
// Losing debits the liable wallet; reversing a loss credits it back. Both
// movements are keyed on the chargeback id, so a retried call never moves
// money twice.
func (s *Service) Resolve(ctx context.Context, id string, to Status, notes string, actor audit.Actor) (*Chargeback, error) {
	ctx, span := traces.StartSpan(ctx, "chargeback.resolve", traces.ChargebackID(id))
	defer span.End()

	md := audit.Metadata{audit.KeyNewStatus: string(to)}
	if notes != "" {
		md[audit.KeyNotes] = notes
	}
	fail := func(err error) (*Chargeback, error) {
		traces.Fail(span, err, "resolve chargeback failed")
		s.audit.Failure(ctx, audit.ActionChargebackResolve, audit.EntityChargeback, id, actor, err, md)
		return nil, err
	}

	if _, err := ParseStatus(string(to)); err != nil || to == StatusReported {
		return fail(apperr.Newf(apperr.CodeValidation, "cannot resolve a chargeback to %q", to))
	}
	cb, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyPreviousStatus] = string(cb.Status)
	md[audit.KeyAmount] = cb.Amount.String()
	if !CanTransition(cb.Status, to) {
		return fail(apperr.Newf(apperr.CodeInvalidTransition, "chargeback cannot move from %s to %s", cb.Status, to))
	}

	from := cb.Status
	var done *Chargeback
	switch to {
	case StatusLost:
		done, err = s.lose(ctx, cb, notes, actor, md)
	case StatusReversed:
		done, err = s.reverseLoss(ctx, cb, notes, actor, md)
	default:
		done, err = s.store.Transition(ctx, id, from, to, resolvedBy(actor, notes, to))
	}
	if err != nil {
		return fail(err)
	}

	resolvedTotal.WithLabelValues(string(from), string(to)).Inc()
	s.audit.Success(ctx, audit.ActionChargebackResolve, audit.EntityChargeback, id, actor, md)
	if to == StatusLost {
		s.notifier.Notify(ctx, notify.Event{
			Type:     notify.EventChargebackLost,
			OwnerID:  done.DriverID,
			EntityID: done.ID,
			Data: map[string]any{
				"amount":         money.Format(done.Amount),
				"tripId":         done.TripID,
				"liableWalletId": done.LiableWalletID,
			},
		})
	}
	return done, nil
}

// lose debits the liable wallet, then records the loss. If a concurrent
// resolver closed the chargeback as won in between, the debit is reversed.
func (s *Service) lose(ctx context.Context, cb *Chargeback, notes string, actor audit.Actor, md audit.Metadata) (*Chargeback, error) {
	liable, err := s.liableWallet(ctx, cb)
	if err != nil {
		return nil, err
	}
	tx, err := s.wallets.Debit(ctx, wallet.Movement{
		WalletID:    liable.ID,
		Amount:      cb.Amount,
		SourceType:  wallet.SourceChargeback,
		SourceID:    cb.ID,
		Actor:       actor,
		Description: "chargeback lost: " + cb.PaymentProvider + " " + cb.ExternalReference,
	})
	if err != nil {
		return nil, err
	}
	md[audit.KeyTransactionID] = tx.ID
	md[audit.KeyOwnerID] = liable.OwnerID

	mutate := func(c *Chargeback) {
		resolvedBy(actor, notes, StatusLost)(c)
		c.LiableWalletID = liable.ID
	}
	from := cb.Status
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		done, err := s.store.Transition(ctx, cb.ID, from, StatusLost, mutate)
		if err == nil {
			return done, nil
		}
		if apperr.CodeOf(err) != apperr.CodeInvalidState {
			return nil, err
		}
		current, getErr := s.store.Get(ctx, cb.ID)
		if getErr != nil {
			return nil, getErr
		}
		switch current.Status {
		case StatusLost:
			// The winner recorded the loss with the same debit key.
			return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s is already lost", cb.ID)
		case StatusReported, StatusUnderReview:
			from = current.Status
		default:
			if _, revErr := s.wallets.ReverseTransaction(ctx, tx.ID, "chargeback "+cb.ID+" resolved as "+string(current.Status), actor); revErr != nil {
				s.logger.Error("chargeback debit left without a loss record",
					"chargeback_id", cb.ID, "transaction_id", tx.ID, "error", revErr, "alert", true)
			}
			return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s was resolved as %s concurrently", cb.ID, current.Status)
		}
	}
	return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s kept changing while being resolved", cb.ID)
}

// reverseLoss credits the amount back to the wallet that absorbed the loss.
func (s *Service) reverseLoss(ctx context.Context, cb *Chargeback, notes string, actor audit.Actor, md audit.Metadata) (*Chargeback, error) {
	if cb.LiableWalletID == "" {
		return nil, apperr.Newf(apperr.CodeInvalidState, "chargeback %s has no liable wallet", cb.ID)
	}
	tx, err := s.wallets.Credit(ctx, wallet.Movement{
		WalletID:    cb.LiableWalletID,
		Amount:      cb.Amount,
		SourceType:  wallet.SourceChargeback,
		SourceID:    cb.ID,
		Actor:       actor,
		Description: "chargeback loss reversed: " + cb.PaymentProvider + " " + cb.ExternalReference,
	})
	if err != nil {
		return nil, err
	}
	md[audit.KeyTransactionID] = tx.ID
	return s.store.Transition(ctx, cb.ID, StatusLost, StatusReversed, resolvedBy(actor, notes, StatusReversed))
}

func (s *Service) liableWallet(ctx context.Context, cb *Chargeback) (*wallet.Wallet, error) {
	if s.liability == LiabilityDriver {
		if cb.DriverID != "" {
			return s.wallets.GetOrCreateWallet(ctx, cb.DriverID, wallet.RoleDriver)
		}
		s.logger.Warn("driver liability configured but chargeback has no driver, charging platform",
			"chargeback_id", cb.ID, "trip_id", cb.TripID)
	}
	return s.wallets.GetOrCreateWallet(ctx, s.platformOwnerID, wallet.RolePlatform)
}

func resolvedBy(actor audit.Actor, notes string, to Status) func(*Chargeback) {
	return func(c *Chargeback) {
		if notes != "" {
			c.Notes = notes
		}
		if to == StatusUnderReview {
			return
		}
		now := time.Now().UTC()
		c.ResolvedByUserID = actor.UserID
		c.ResolvedAt = &now
	}
}

// Get returns a chargeback by id.
func (s *Service) Get(ctx context.Context, id string) (*Chargeback, error) {
	return s.store.Get(ctx, id)
}

// List returns chargebacks matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Chargeback, error) {
	return s.store.List(ctx, f)
}
