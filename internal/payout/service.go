package payout

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/idgen"
	"github.com/mbd888/ridewallet/internal/killswitch"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/traces"
	"github.com/mbd888/ridewallet/internal/wallet"
)

// Gate is the risk check consulted before a payout is initiated.
type Gate interface {
	IsPayoutAllowed(ctx context.Context, ownerID string) (bool, error)
}

// Service runs the payout state machine.
type Service struct {
	store    Store
	wallets  *wallet.Engine
	gateway  gateway.Gateway
	gate     Gate
	kill     killswitch.Switch
	audit    *audit.Recorder
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewService creates a payout service. gatewayTimeout bounds every gateway
// call; zero means 30 seconds.
func NewService(store Store, wallets *wallet.Engine, gw gateway.Gateway, gate Gate, kill killswitch.Switch,
	recorder *audit.Recorder, notifier notify.Notifier, gatewayTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = 30 * time.Second
	}
	return &Service{
		store:    store,
		wallets:  wallets,
		gateway:  gw,
		gate:     gate,
		kill:     kill,
		audit:    recorder,
		notifier: notifier,
		logger:   logger,
		timeout:  gatewayTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitiateRequest starts a payout for a driver wallet.
type InitiateRequest struct {
	WalletID    string
	Amount      decimal.Decimal
	Method      Method
	Destination string
	CountryCode string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// Initiate validates the request, checks the kill switch and risk gate,
// holds the amount on the wallet and records a pending payout.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest, actor audit.Actor) (*Payout, error) {
	id := idgen.WithPrefix("po_")
	ctx, span := traces.StartSpan(ctx, "payout.initiate", traces.PayoutID(id), traces.WalletID(req.WalletID))
	defer span.End()

	md := audit.Metadata{audit.KeyAmount: req.Amount.String(), audit.KeyNewStatus: string(StatusPending)}
	fail := func(err error) (*Payout, error) {
		traces.Fail(span, err, "initiate payout failed")
		s.audit.Failure(ctx, audit.ActionPayoutInitiate, audit.EntityPayout, id, actor, err, md)
		return nil, err
	}

	if err := money.RequirePositive(req.Amount); err != nil {
		return fail(err)
	}
	if _, err := ParseMethod(string(req.Method)); err != nil {
		return fail(apperr.New(apperr.CodeValidation, err.Error()))
	}
	if strings.TrimSpace(req.Destination) == "" {
		return fail(apperr.New(apperr.CodeValidation, "destination is required"))
	}
	req.CountryCode = strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if req.PeriodStart != nil && req.PeriodEnd != nil && req.PeriodEnd.Before(*req.PeriodStart) {
		return fail(apperr.New(apperr.CodeValidation, "period end is before period start"))
	}

	w, err := s.wallets.GetWallet(ctx, req.WalletID)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyOwnerID] = w.OwnerID
	if w.Role != wallet.RoleDriver {
		return fail(apperr.Newf(apperr.CodeValidation, "payouts are only made from driver wallets, %s is %s", w.ID, w.Role))
	}

	if err := s.checkKillSwitch(ctx, req.CountryCode); err != nil {
		return fail(err)
	}
	allowed, err := s.gate.IsPayoutAllowed(ctx, w.OwnerID)
	if err != nil {
		return fail(err)
	}
	if !allowed {
		return fail(apperr.Newf(apperr.CodeRiskBlocked, "payouts blocked for %s by risk policy", w.OwnerID))
	}

	held, err := s.wallets.Hold(ctx, w.ID, req.Amount, id, actor)
	if err != nil {
		return fail(err)
	}
	if !held {
		// The wallet's failed hold audit entry carries the balance seen under lock.
		return fail(apperr.Newf(apperr.CodeInsufficientFunds,
			"wallet %s cannot cover %s", w.ID, money.Format(req.Amount)))
	}

	now := s.now()
	p := &Payout{
		ID:                id,
		WalletID:          w.ID,
		OwnerID:           w.OwnerID,
		Amount:            req.Amount,
		Currency:          w.Currency,
		Method:            req.Method,
		Destination:       req.Destination,
		CountryCode:       req.CountryCode,
		Status:            StatusPending,
		PeriodStart:       req.PeriodStart,
		PeriodEnd:         req.PeriodEnd,
		InitiatedByUserID: actor.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if relErr := s.wallets.ReleaseHold(ctx, w.ID, req.Amount, id, actor); relErr != nil {
			s.logger.Error("failed to release hold after payout create failed",
				"payout_id", id, "wallet_id", w.ID, "error", relErr, "alert", true)
		}
		return fail(err)
	}

	s.audit.Success(ctx, audit.ActionPayoutInitiate, audit.EntityPayout, id, actor, md)
	s.notify(ctx, notify.EventPayoutInitiated, p)
	return p, nil
}

// Process claims a pending payout, disburses it through the gateway and
// settles or releases the hold. When the gateway outcome is unknown the
// payout is returned still processing together with the error; ResolveStuck
// finishes it later.
func (s *Service) Process(ctx context.Context, id string, actor audit.Actor) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.process", traces.PayoutID(id))
	defer span.End()

	md := audit.Metadata{audit.KeyPreviousStatus: string(StatusPending)}
	fail := func(p *Payout, err error) (*Payout, error) {
		traces.Fail(span, err, "process payout failed")
		s.audit.Failure(ctx, audit.ActionPayoutProcess, audit.EntityPayout, id, actor, err, md)
		return p, err
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(nil, err)
	}
	md[audit.KeyAmount] = p.Amount.String()
	if p.Status != StatusPending {
		return fail(nil, apperr.Newf(apperr.CodeInvalidState, "payout %s is %s, not pending", id, p.Status))
	}
	if err := s.checkKillSwitch(ctx, p.CountryCode); err != nil {
		return fail(nil, err)
	}

	started := s.now()
	p, err = s.store.Transition(ctx, id, StatusPending, StatusProcessing, func(p *Payout) {
		p.ProcessedByUserID = actor.UserID
		p.ProcessingStartedAt = &started
	})
	if err != nil {
		return fail(nil, err)
	}
	transitionsTotal.WithLabelValues(string(StatusPending), string(StatusProcessing)).Inc()

	// Once claimed, the caller going away must not strand the payout
	// between the gateway and the ledger.
	ctx = context.WithoutCancel(ctx)
	res, err := s.disburse(ctx, p)
	if err != nil {
		md[audit.KeyNewStatus] = string(StatusProcessing)
		s.logger.Warn("payout gateway outcome unknown, left processing",
			"payout_id", id, "error", err)
		return fail(p, apperr.Wrap(apperr.CodeInternal, err, "gateway outcome unknown, payout left processing"))
	}

	done, err := s.finish(ctx, p, res, actor)
	if err != nil {
		return fail(p, err)
	}
	md[audit.KeyNewStatus] = string(done.Status)
	md[audit.KeyGatewayReference] = done.GatewayReference
	if done.FailureReason != "" {
		md[audit.KeyReason] = done.FailureReason
	}
	s.audit.Success(ctx, audit.ActionPayoutProcess, audit.EntityPayout, id, actor, md)
	return done, nil
}

// disburse calls the gateway detached from the caller's cancellation.
func (s *Service) disburse(ctx context.Context, p *Payout) (gateway.Result, error) {
	gwCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.gateway.Disburse(gwCtx, gateway.DisburseRequest{
		IdempotencyKey: p.ID,
		WalletID:       p.WalletID,
		OwnerID:        p.OwnerID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         string(p.Method),
		Destination:    p.Destination,
		CountryCode:    p.CountryCode,
	})
}

// finish applies a definitive gateway result to a processing payout.
// Settle and release are idempotent on the payout id, so a failure here
// leaves the payout processing and a later call completes it.
func (s *Service) finish(ctx context.Context, p *Payout, res gateway.Result, actor audit.Actor) (*Payout, error) {
	completed := s.now()
	if res.Success {
		if _, err := s.wallets.SettleHold(ctx, p.WalletID, p.Amount, p.ID, actor); err != nil {
			return nil, err
		}
		done, err := s.store.Transition(ctx, p.ID, StatusProcessing, StatusPaid, func(p *Payout) {
			p.GatewayReference = res.Reference
			p.CompletedAt = &completed
		})
		if err != nil {
			return nil, err
		}
		transitionsTotal.WithLabelValues(string(StatusProcessing), string(StatusPaid)).Inc()
		s.notify(ctx, notify.EventPayoutPaid, done)
		return done, nil
	}

	reason := res.FailureReason
	if reason == "" {
		reason = "declined by gateway"
	}
	if err := s.wallets.ReleaseHold(ctx, p.WalletID, p.Amount, p.ID, actor); err != nil {
		return nil, err
	}
	done, err := s.store.Transition(ctx, p.ID, StatusProcessing, StatusFailed, func(p *Payout) {
		p.FailureReason = reason
		p.GatewayReference = res.Reference
		p.CompletedAt = &completed
	})
	if err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StatusProcessing), string(StatusFailed)).Inc()
	s.notify(ctx, notify.EventPayoutFailed, done)
	return done, nil
}

// Reverse claws back a paid payout by debiting the driver wallet. The
// debit goes through the normal path, so a wallet that can no longer cover
// the amount fails with InsufficientFunds and the payout stays paid.
func (s *Service) Reverse(ctx context.Context, id, reason string, actor audit.Actor) (*Payout, error) {
	ctx, span := traces.StartSpan(ctx, "payout.reverse", traces.PayoutID(id))
	defer span.End()

	md := audit.Metadata{
		audit.KeyReason:         reason,
		audit.KeyPreviousStatus: string(StatusPaid),
		audit.KeyNewStatus:      string(StatusReversed),
	}
	fail := func(err error) (*Payout, error) {
		traces.Fail(span, err, "reverse payout failed")
		s.audit.Failure(ctx, audit.ActionPayoutReverse, audit.EntityPayout, id, actor, err, md)
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		return fail(apperr.New(apperr.CodeValidation, "reversal reason is required"))
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	md[audit.KeyAmount] = p.Amount.String()
	if p.Status != StatusPaid {
		md[audit.KeyPreviousStatus] = string(p.Status)
		return fail(apperr.Newf(apperr.CodeInvalidState, "only paid payouts can be reversed, %s is %s", id, p.Status))
	}

	tx, err := s.wallets.Debit(ctx, wallet.Movement{
		WalletID:    p.WalletID,
		Amount:      p.Amount,
		SourceType:  wallet.SourcePayout,
		SourceID:    p.ID,
		Actor:       actor,
		Description: "payout reversal: " + reason,
	})
	if err != nil {
		return fail(err)
	}
	md[audit.KeyTransactionID] = tx.ID

	done, err := s.store.Transition(ctx, id, StatusPaid, StatusReversed, func(p *Payout) {
		p.ReversalReason = reason
		p.ReversedByUserID = actor.UserID
	})
	if err != nil {
		return fail(err)
	}
	transitionsTotal.WithLabelValues(string(StatusPaid), string(StatusReversed)).Inc()
	s.audit.Success(ctx, audit.ActionPayoutReverse, audit.EntityPayout, id, actor, md)
	s.notify(ctx, notify.EventPayoutReversed, done)
	return done, nil
}

// ResolveReport summarises one ResolveStuck run.
type ResolveReport struct {
	Checked    int      `json:"checked"`
	Paid       int      `json:"paid"`
	Failed     int      `json:"failed"`
	Unresolved int      `json:"unresolved"`
	Errors     []string `json:"errors,omitempty"`
}

// ResolveStuck asks the gateway for the real outcome of payouts that have
// been processing since before olderThan ago. A payout the gateway never
// saw is disbursed again under the same idempotency key.
func (s *Service) ResolveStuck(ctx context.Context, olderThan time.Duration, limit int) (*ResolveReport, error) {
	ctx, span := traces.StartSpan(ctx, "payout.resolve_stuck")
	defer span.End()

	stuck, err := s.store.ListStuck(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		traces.Fail(span, err, "list stuck payouts failed")
		return nil, err
	}

	report := &ResolveReport{}
	actor := audit.System()
	for _, p := range stuck {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		done, err := s.resolve(ctx, p, actor)
		md := audit.Metadata{audit.KeyAmount: p.Amount.String(), audit.KeyPreviousStatus: string(StatusProcessing)}
		if err != nil {
			report.Unresolved++
			report.Errors = append(report.Errors, p.ID+": "+err.Error())
			resolverRuns.WithLabelValues("unresolved").Inc()
			s.logger.Warn("stuck payout still unresolved", "payout_id", p.ID, "error", err)
			s.audit.Failure(ctx, audit.ActionPayoutResolve, audit.EntityPayout, p.ID, actor, err, md)
			continue
		}
		switch done.Status {
		case StatusPaid:
			report.Paid++
		case StatusFailed:
			report.Failed++
		}
		resolverRuns.WithLabelValues(string(done.Status)).Inc()
		md[audit.KeyNewStatus] = string(done.Status)
		md[audit.KeyGatewayReference] = done.GatewayReference
		s.audit.Success(ctx, audit.ActionPayoutResolve, audit.EntityPayout, p.ID, actor, md)
	}

	stuckPayouts.Set(float64(report.Unresolved))
	if report.Checked > 0 {
		s.logger.Info("stuck payout resolver finished",
			"checked", report.Checked,
			"paid", report.Paid,
			"failed", report.Failed,
			"unresolved", report.Unresolved,
		)
	}
	return report, nil
}

func (s *Service) resolve(ctx context.Context, p *Payout, actor audit.Actor) (*Payout, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	res, err := s.gateway.LookupDisbursement(lookupCtx, p.ID)
	cancel()
	if errors.Is(err, gateway.ErrNotFound) {
		res, err = s.disburse(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, p, res, actor)
}

// Get returns a payout by id.
func (s *Service) Get(ctx context.Context, id string) (*Payout, error) {
	return s.store.Get(ctx, id)
}

// List returns payouts matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Payout, error) {
	return s.store.List(ctx, f)
}

// checkKillSwitch fails closed: a switch that cannot be read blocks payouts.
func (s *Service) checkKillSwitch(ctx context.Context, countryCode string) error {
	disabled, err := s.kill.PayoutsDisabled(ctx, countryCode)
	if err != nil {
		s.logger.Error("kill switch unreadable, blocking payout", "country", countryCode, "error", err)
		return apperr.Wrap(apperr.CodeKillSwitchActive, err, "kill switch state unknown")
	}
	if disabled {
		scope := "globally"
		if countryCode != "" {
			scope = "for " + countryCode
		}
		return apperr.Newf(apperr.CodeKillSwitchActive, "payouts are disabled %s", scope)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, t notify.EventType, p *Payout) {
	data := map[string]any{"amount": money.Format(p.Amount), "status": string(p.Status)}
	if p.FailureReason != "" {
		data["reason"] = p.FailureReason
	}
	s.notifier.Notify(ctx, notify.Event{Type: t, OwnerID: p.OwnerID, EntityID: p.ID, Data: data})
}
