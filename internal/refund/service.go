package refund

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/idgen"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/traces"
	"github.com/mbd888/ridewallet/internal/wallet"
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ridewallet",
		Name:      "refund_transitions_total",
		Help:      "Refund status transitions by from and to status.",
	},
	[]string{"from", "to"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// FareSource looks up what the rider paid for a trip.
type FareSource interface {
	ExpectedFare(ctx context.Context, tripID string) (decimal.Decimal, bool, error)
}

// Service runs the refund state machine.
type Service struct {
	store           Store
	wallets         *wallet.Engine
	gateway         gateway.Gateway
	fares           FareSource
	policy          Policy
	audit           *audit.Recorder
	notifier        notify.Notifier
	logger          *slog.Logger
	platformOwnerID string
	currency        string
	timeout         time.Duration
}

// Config groups the refund settings that come from configuration.
type Config struct {
	Policy          Policy
	PlatformOwnerID string
	Currency        string
	GatewayTimeout  time.Duration
}

// NewService creates a refund service. fares may be nil, in which case
// amounts are not checked against the trip fare.
func NewService(store Store, wallets *wallet.Engine, gw gateway.Gateway, fares FareSource, cfg Config,
	recorder *audit.Recorder, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 30 * time.Second
	}
	if cfg.Policy.LimitedMax.IsZero() {
		cfg.Policy = DefaultPolicy()
	}
	return &Service{
		store:           store,
		wallets:         wallets,
		gateway:         gw,
		fares:           fares,
		policy:          cfg.Policy,
		audit:           recorder,
		notifier:        notifier,
		logger:          logger,
		platformOwnerID: cfg.PlatformOwnerID,
		currency:        strings.ToUpper(cfg.Currency),
		timeout:         cfg.GatewayTimeout,
	}
}

// CreateRequest opens a refund.
type CreateRequest struct {
	TripID           string
	RiderID          string
	DriverID         string
	Amount           decimal.Decimal
	Type             Type
	Reason           string
	Destination      Destination
	PaymentReference string
	LinkedDisputeID  string
}

// Create records a pending refund. No money moves. When the trip fare is
// known, the refunds still open against the trip may not exceed it and a
// full refund must equal it.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor audit.Actor) (*Refund, error) {
	id := idgen.WithPrefix("rf_")
	ctx, span := traces.StartSpan(ctx, "refund.create", traces.RefundID(id))
	defer span.End()

	md := audit.Metadata{audit.KeyAmount: req.Amount.String(), audit.KeyNewStatus: string(StatusPending), audit.KeyReason: req.Reason}
	fail := func(err error) (*Refund, error) {
		traces.Fail(span, err, "create refund failed")
		s.audit.Failure(ctx, audit.ActionRefundCreate, audit.EntityRefund, id, actor, err, md)
		return nil, err
	}

	if err := s.validateCreate(&req); err != nil {
		return fail(err)
	}
	if err := s.checkFare(ctx, req); err != nil {
		return fail(err)
	}

	now := time.Now().UTC()
	r := &Refund{
		ID:               id,
		TripID:           req.TripID,
		RiderID:          req.RiderID,
		DriverID:         req.DriverID,
		Amount:           req.Amount,
		Currency:         s.currency,
		Type:             req.Type,
		Status:           StatusPending,
		Reason:           req.Reason,
		Destination:      req.Destination,
		PaymentReference: req.PaymentReference,
		CreatedByRole:    roleOf(actor),
		CreatedByUserID:  actor.UserID,
		LinkedDisputeID:  req.LinkedDisputeID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return fail(err)
	}
	s.audit.Success(ctx, audit.ActionRefundCreate, audit.EntityRefund, id, actor, md)
	return r, nil
}

func (s *Service) validateCreate(req *CreateRequest) error {
	req.TripID = strings.TrimSpace(req.TripID)
	req.RiderID = strings.TrimSpace(req.RiderID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.TripID == "" || req.RiderID == "" {
		return apperr.New(apperr.CodeValidation, "trip id and rider id are required")
	}
	if req.Reason == "" {
		return apperr.New(apperr.CodeValidation, "refund reason is required")
	}
	if err := money.RequirePositive(req.Amount); err != nil {
		return err
	}
	if _, err := ParseType(string(req.Type)); err != nil {
		return apperr.New(apperr.CodeValidation, err.Error())
	}
	if req.Destination == "" {
		req.Destination = DestinationWallet
	}
	if _, err := ParseDestination(string(req.Destination)); err != nil {
		return apperr.New(apperr.CodeValidation, err.Error())
	}
	if req.Destination == DestinationOriginalPayment && strings.TrimSpace(req.PaymentReference) == "" {
		return apperr.New(apperr.CodeValidation, "payment reference is required for original_payment refunds")
	}
	return nil
}

func (s *Service) checkFare(ctx context.Context, req CreateRequest) error {
	if s.fares == nil {
		return nil
	}
	fare, known, err := s.fares.ExpectedFare(ctx, req.TripID)
	if err != nil || !known {
		return err
	}
	if req.Type == TypeFull && !req.Amount.Equal(fare) {
		return apperr.Newf(apperr.CodeInvalidAmount, "full refund must equal the fare %s, got %s",
			money.Format(fare), money.Format(req.Amount))
	}

	existing, err := s.store.List(ctx, Filter{TripID: req.TripID})
	if err != nil {
		return err
	}
	open := decimal.Zero
	for _, r := range existing {
		if r.counts() {
			open = open.Add(r.Amount)
		}
	}
	if open.Add(req.Amount).GreaterThan(fare) {
		return apperr.Newf(apperr.CodeInvalidAmount, "refunds for trip %s would total %s, above the fare %s",
			req.TripID, money.Format(open.Add(req.Amount)), money.Format(fare))
	}
	return nil
}

// Approve moves a pending refund to approved if the caller's role has the
// authority for its amount.
func (s *Service) Approve(ctx context.Context, id string, actor audit.Actor) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "refund.approve", traces.RefundID(id))
	defer span.End()

	md := transitionMetadata(StatusPending, StatusApproved)
	fail := func(err error) (*Refund, error) {
		traces.Fail(span, err, "approve refund failed")
		s.audit.Failure(ctx, audit.ActionRefundApprove, audit.EntityRefund, id, actor, err, md)
		return nil, err
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyAmount] = r.Amount.String()
	if r.Status != StatusPending {
		md[audit.KeyPreviousStatus] = string(r.Status)
		return fail(apperr.Newf(apperr.CodeInvalidState, "refund %s is %s, not pending", id, r.Status))
	}
	if !s.policy.CanApprove(actor.Role, r.Amount) {
		if AuthorityOf(actor.Role) == AuthorityNone {
			return fail(apperr.Newf(apperr.CodeForbidden, "role %q cannot approve refunds", actor.Role))
		}
		return fail(apperr.Newf(apperr.CodeAuthorityExceeded, "%s approvers may approve up to %s, refund is %s",
			AuthorityOf(actor.Role), money.Format(s.policy.LimitedMax), money.Format(r.Amount)))
	}

	done, err := s.store.Transition(ctx, id, StatusPending, StatusApproved, func(r *Refund) {
		r.ApprovedByUserID = actor.UserID
	})
	if err != nil {
		return fail(err)
	}
	s.succeeded(ctx, audit.ActionRefundApprove, notify.EventRefundApproved, StatusPending, done, actor, md)
	return done, nil
}

// Reject closes a pending refund without moving money.
func (s *Service) Reject(ctx context.Context, id, reason string, actor audit.Actor) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "refund.reject", traces.RefundID(id))
	defer span.End()

	md := transitionMetadata(StatusPending, StatusRejected)
	md[audit.KeyReason] = reason
	fail := func(err error) (*Refund, error) {
		traces.Fail(span, err, "reject refund failed")
		s.audit.Failure(ctx, audit.ActionRefundReject, audit.EntityRefund, id, actor, err, md)
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		return fail(apperr.New(apperr.CodeValidation, "rejection reason is required"))
	}
	if AuthorityOf(actor.Role) == AuthorityNone {
		return fail(apperr.Newf(apperr.CodeForbidden, "role %q cannot reject refunds", actor.Role))
	}
	done, err := s.store.Transition(ctx, id, StatusPending, StatusRejected, func(r *Refund) {
		r.RejectionReason = reason
	})
	if err != nil {
		return fail(err)
	}
	s.succeeded(ctx, audit.ActionRefundReject, notify.EventRefundRejected, StatusPending, done, actor, md)
	return done, nil
}

// Process moves the money for an approved refund. Each leg is idempotent on
// the refund id: if any step fails the refund stays approved and calling
// Process again resumes where it stopped.
func (s *Service) Process(ctx context.Context, id string, actor audit.Actor) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "refund.process", traces.RefundID(id))
	defer span.End()

	md := transitionMetadata(StatusApproved, StatusProcessed)
	fail := func(err error) (*Refund, error) {
		traces.Fail(span, err, "process refund failed")
		s.audit.Failure(ctx, audit.ActionRefundProcess, audit.EntityRefund, id, actor, err, md)
		return nil, err
	}

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyAmount] = r.Amount.String()
	if r.Status != StatusApproved {
		md[audit.KeyPreviousStatus] = string(r.Status)
		return fail(apperr.Newf(apperr.CodeInvalidState, "refund %s is %s, not approved", id, r.Status))
	}

	platform, err := s.wallets.GetOrCreateWallet(ctx, s.platformOwnerID, wallet.RolePlatform)
	if err != nil {
		return fail(err)
	}

	var externalRef string
	switch r.Destination {
	case DestinationOriginalPayment:
		externalRef, err = s.refundExternally(ctx, r, platform)
		if err != nil {
			return fail(err)
		}
		if _, err := s.move(ctx, s.wallets.Debit, platform.ID, r, actor, "refund to original payment"); err != nil {
			return fail(err)
		}
	default:
		if _, err := s.move(ctx, s.wallets.Debit, platform.ID, r, actor, "refund to rider"); err != nil {
			return fail(err)
		}
		rider, err := s.wallets.GetOrCreateWallet(ctx, r.RiderID, wallet.RoleRider)
		if err != nil {
			return fail(err)
		}
		if _, err := s.move(ctx, s.wallets.Credit, rider.ID, r, actor, "trip refund"); err != nil {
			return fail(err)
		}
	}

	done, err := s.store.Transition(ctx, id, StatusApproved, StatusProcessed, func(r *Refund) {
		r.ProcessedByUserID = actor.UserID
		r.ExternalReference = externalRef
	})
	if err != nil {
		return fail(err)
	}
	if externalRef != "" {
		md[audit.KeyGatewayReference] = externalRef
	}
	s.succeeded(ctx, audit.ActionRefundProcess, notify.EventRefundProcessed, StatusApproved, done, actor, md)
	return done, nil
}

// refundExternally calls the gateway before any internal money moves, so a
// decline leaves both wallets untouched. The platform's available balance
// is checked first because the debit that follows cannot be skipped once
// the card has been refunded.
func (s *Service) refundExternally(ctx context.Context, r *Refund, platform *wallet.Wallet) (string, error) {
	if platform.Available().LessThan(r.Amount) {
		return "", apperr.Newf(apperr.CodeInsufficientFunds, "platform wallet available %s, refund %s",
			money.Format(platform.Available()), money.Format(r.Amount))
	}
	gwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	res, err := s.gateway.RefundExternally(gwCtx, gateway.RefundRequest{
		IdempotencyKey:   r.ID,
		TripID:           r.TripID,
		PaymentReference: r.PaymentReference,
		Amount:           r.Amount,
		Currency:         r.Currency,
	})
	if err != nil {
		s.logger.Warn("external refund outcome unknown, refund left approved", "refund_id", r.ID, "error", err)
		return "", apperr.Wrap(apperr.CodeInternal, err, "external refund outcome unknown")
	}
	if !res.Success {
		return "", apperr.Newf(apperr.CodeGatewayDeclined, "external refund declined: %s", res.FailureReason)
	}
	return res.Reference, nil
}

// Reverse undoes a processed wallet refund with compensating entries: the
// rider wallet is debited and the platform re-credited. A refund paid back to
// the original payment method cannot be reversed here because nothing
// recovers the money from the card; it needs a manual adjustment.
func (s *Service) Reverse(ctx context.Context, id, reason string, actor audit.Actor) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "refund.reverse", traces.RefundID(id))
	defer span.End()

	md := transitionMetadata(StatusProcessed, StatusReversed)
	md[audit.KeyReason] = reason
	fail := func(err error) (*Refund, error) {
		traces.Fail(span, err, "reverse refund failed")
		s.audit.Failure(ctx, audit.ActionRefundReverse, audit.EntityRefund, id, actor, err, md)
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		return fail(apperr.New(apperr.CodeValidation, "reversal reason is required"))
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyAmount] = r.Amount.String()
	if r.Status != StatusProcessed {
		md[audit.KeyPreviousStatus] = string(r.Status)
		return fail(apperr.Newf(apperr.CodeInvalidState, "only processed refunds can be reversed, %s is %s", id, r.Status))
	}

	if r.Destination != DestinationWallet {
		return fail(apperr.Newf(apperr.CodeInvalidState,
			"refund %s went to the original payment method and cannot be reversed; use a manual adjustment", id))
	}

	rider, err := s.wallets.GetWalletByOwner(ctx, r.RiderID, wallet.RoleRider)
	if err != nil {
		return fail(err)
	}
	if _, err := s.move(ctx, s.wallets.Debit, rider.ID, r, actor, "refund reversal: "+reason); err != nil {
		return fail(err)
	}
	platform, err := s.wallets.GetOrCreateWallet(ctx, s.platformOwnerID, wallet.RolePlatform)
	if err != nil {
		return fail(err)
	}
	if _, err := s.move(ctx, s.wallets.Credit, platform.ID, r, actor, "refund reversal: "+reason); err != nil {
		return fail(err)
	}

	done, err := s.store.Transition(ctx, id, StatusProcessed, StatusReversed, nil)
	if err != nil {
		return fail(err)
	}
	s.succeeded(ctx, audit.ActionRefundReverse, notify.EventRefundReversed, StatusProcessed, done, actor, md)
	return done, nil
}

func (s *Service) move(ctx context.Context, apply func(context.Context, wallet.Movement) (*wallet.Transaction, error),
	walletID string, r *Refund, actor audit.Actor, description string) (*wallet.Transaction, error) {
	return apply(ctx, wallet.Movement{
		WalletID:    walletID,
		Amount:      r.Amount,
		SourceType:  wallet.SourceRefund,
		SourceID:    r.ID,
		Actor:       actor,
		Description: description,
	})
}

func (s *Service) succeeded(ctx context.Context, action audit.Action, event notify.EventType, from Status,
	r *Refund, actor audit.Actor, md audit.Metadata) {
	transitionsTotal.WithLabelValues(string(from), string(r.Status)).Inc()
	s.audit.Success(ctx, action, audit.EntityRefund, r.ID, actor, md)
	s.notifier.Notify(ctx, notify.Event{
		Type:     event,
		OwnerID:  r.RiderID,
		EntityID: r.ID,
		Data:     map[string]any{"amount": money.Format(r.Amount), "tripId": r.TripID},
	})
}

// Get returns a refund by id.
func (s *Service) Get(ctx context.Context, id string) (*Refund, error) {
	return s.store.Get(ctx, id)
}

// List returns refunds matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Refund, error) {
	return s.store.List(ctx, f)
}

func transitionMetadata(from, to Status) audit.Metadata {
	return audit.Metadata{audit.KeyPreviousStatus: string(from), audit.KeyNewStatus: string(to)}
}

func roleOf(a audit.Actor) string {
	if a.Role == "" {
		return audit.SystemRole
	}
	return a.Role
}
