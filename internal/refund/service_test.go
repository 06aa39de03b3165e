package refund

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/wallet"
)

var (
	support = audit.Actor{UserID: "sup-1", Role: "support"}
	limited = audit.Actor{UserID: "fin-l", Role: "finance_limited"}
	full    = audit.Actor{UserID: "fin-f", Role: "finance_full"}
)

type fares map[string]decimal.Decimal

func (f fares) ExpectedFare(_ context.Context, tripID string) (decimal.Decimal, bool, error) {
	v, ok := f[tripID]
	return v, ok, nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	wallets  *wallet.Engine
	gw       *gateway.Fake
	logs     *audit.MemoryLogger
	notifier *notify.Memory
	fares    fares
}

func newFixture(t *testing.T, platformFunds string) *fixture {
	t.Helper()
	logs := audit.NewMemoryLogger()
	recorder := audit.NewRecorder(logs, logging.Discard())
	f := &fixture{
		store:    NewMemoryStore(),
		wallets:  wallet.NewEngine(wallet.NewMemoryStore(), recorder, logging.Discard()),
		gw:       gateway.NewFake(),
		logs:     logs,
		notifier: notify.NewMemory(),
		fares:    fares{},
	}
	f.svc = NewService(f.store, f.wallets, f.gw, f.fares, Config{
		Policy:          DefaultPolicy(),
		PlatformOwnerID: "platform",
		Currency:        "usd",
	}, recorder, f.notifier, logging.Discard())

	ctx := context.Background()
	p, err := f.wallets.GetOrCreateWallet(ctx, "platform", wallet.RolePlatform)
	require.NoError(t, err)
	if platformFunds != "0" {
		_, err = f.wallets.Credit(ctx, wallet.Movement{
			WalletID: p.ID, Amount: money.MustParse(platformFunds), SourceType: wallet.SourceTrip, SourceID: "seed",
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) create(t *testing.T, amount string, dest Destination) *Refund {
	t.Helper()
	req := CreateRequest{
		TripID:      "trip-1",
		RiderID:     "rider-1",
		Amount:      money.MustParse(amount),
		Type:        TypePartial,
		Reason:      "driver took a long route",
		Destination: dest,
	}
	if dest == DestinationOriginalPayment {
		req.PaymentReference = "pi_123"
	}
	r, err := f.svc.Create(context.Background(), req, support)
	require.NoError(t, err)
	return r
}

func (f *fixture) balance(t *testing.T, owner string, role wallet.Role) string {
	t.Helper()
	w, err := f.wallets.GetWalletByOwner(context.Background(), owner, role)
	require.NoError(t, err)
	return money.Format(w.Balance)
}

func (f *fixture) lastEntry(action audit.Action) *audit.Entry {
	var last *audit.Entry
	for _, e := range f.logs.Entries() {
		if e.Action == action {
			last = e
		}
	}
	return last
}

func TestRefund_CreateMovesNoMoney(t *testing.T) {
	f := newFixture(t, "100")
	r := f.create(t, "12.50", DestinationWallet)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, "support", r.CreatedByRole)
	assert.Equal(t, "100.00", f.balance(t, "platform", wallet.RolePlatform))
	_, err := f.wallets.GetWalletByOwner(context.Background(), "rider-1", wallet.RoleRider)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRefund_LimitedApproverAuthority(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	over := f.create(t, "25.00", DestinationWallet)
	_, err := f.svc.Approve(ctx, over.ID, limited)
	require.ErrorIs(t, err, apperr.ErrAuthorityExceeded)
	got, err := f.svc.Get(ctx, over.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	atLimit := f.create(t, "20.00", DestinationWallet)
	approved, err := f.svc.Approve(ctx, atLimit.ID, limited)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "fin-l", approved.ApprovedByUserID)

	approved, err = f.svc.Approve(ctx, over.ID, full)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	_, err = f.svc.Approve(ctx, f.create(t, "1", DestinationWallet).ID, support)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestRefund_ApproveOnlyFromPending(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	r := f.create(t, "5", DestinationWallet)

	_, err := f.svc.Reject(ctx, r.ID, "not eligible", full)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, r.ID, full)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.Process(ctx, r.ID, full)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	e := f.lastEntry(audit.ActionRefundReject)
	require.NotNil(t, e)
	assert.Equal(t, "pending", e.Metadata[audit.KeyPreviousStatus])
	assert.Equal(t, "rejected", e.Metadata[audit.KeyNewStatus])
}

func TestRefund_ProcessToWalletAndReverse(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	r := f.create(t, "15", DestinationWallet)
	_, err := f.svc.Approve(ctx, r.ID, limited)
	require.NoError(t, err)

	done, err := f.svc.Process(ctx, r.ID, full)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, done.Status)
	assert.Equal(t, "fin-f", done.ProcessedByUserID)
	assert.Equal(t, "85.00", f.balance(t, "platform", wallet.RolePlatform))
	assert.Equal(t, "15.00", f.balance(t, "rider-1", wallet.RoleRider))
	assert.Equal(t, 0, f.gw.RefundCalls())

	e := f.lastEntry(audit.ActionRefundProcess)
	require.NotNil(t, e)
	assert.Equal(t, audit.OutcomeSuccess, e.Outcome)
	assert.Equal(t, "approved", e.Metadata[audit.KeyPreviousStatus])
	assert.Equal(t, "processed", e.Metadata[audit.KeyNewStatus])

	_, err = f.svc.Process(ctx, r.ID, full)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	reversed, err := f.svc.Reverse(ctx, r.ID, "fraudulent claim", full)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, reversed.Status)
	assert.Equal(t, "100.00", f.balance(t, "platform", wallet.RolePlatform))
	assert.Equal(t, "0.00", f.balance(t, "rider-1", wallet.RoleRider))

	_, err = f.svc.Reverse(ctx, r.ID, "again", full)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, []notify.EventType{notify.EventRefundApproved, notify.EventRefundProcessed, notify.EventRefundReversed},
		f.notifier.Types())
}

func TestRefund_ProcessRetriesForward(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	r := f.create(t, "10", DestinationWallet)
	_, err := f.svc.Approve(ctx, r.ID, full)
	require.NoError(t, err)

	rider, err := f.wallets.GetOrCreateWallet(ctx, "rider-1", wallet.RoleRider)
	require.NoError(t, err)
	_, err = f.wallets.Freeze(ctx, rider.ID, "kyc", full)
	require.NoError(t, err)

	// Platform debit lands, rider credit fails.
	_, err = f.svc.Process(ctx, r.ID, full)
	require.ErrorIs(t, err, apperr.ErrWalletFrozen)
	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform))

	_, err = f.wallets.Unfreeze(ctx, rider.ID, full)
	require.NoError(t, err)
	done, err := f.svc.Process(ctx, r.ID, full)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, done.Status)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform), "platform debited once")
	assert.Equal(t, "10.00", f.balance(t, "rider-1", wallet.RoleRider))
}

func TestRefund_OriginalPayment(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	r := f.create(t, "10", DestinationOriginalPayment)
	_, err := f.svc.Approve(ctx, r.ID, full)
	require.NoError(t, err)
	done, err := f.svc.Process(ctx, r.ID, full)
	require.NoError(t, err)
	assert.NotEmpty(t, done.ExternalReference)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform))
	assert.Equal(t, 1, f.gw.RefundCalls())

	// A decline moves no internal money.
	declined := f.create(t, "10", DestinationOriginalPayment)
	_, err = f.svc.Approve(ctx, declined.ID, full)
	require.NoError(t, err)
	f.gw.DeclineNext("card expired")
	_, err = f.svc.Process(ctx, declined.ID, full)
	require.ErrorIs(t, err, apperr.ErrGatewayDeclined)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform))

	// An unknown outcome leaves the refund approved; the retry reuses the key.
	unknown := f.create(t, "10", DestinationOriginalPayment)
	_, err = f.svc.Approve(ctx, unknown.ID, full)
	require.NoError(t, err)
	f.gw.Script(gateway.Response{Err: errors.New("timeout"), Applied: true})
	_, err = f.svc.Process(ctx, unknown.ID, full)
	require.Error(t, err)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform))
	done, err = f.svc.Process(ctx, unknown.ID, full)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, done.Status)
	assert.Equal(t, "80.00", f.balance(t, "platform", wallet.RolePlatform))
	assert.Equal(t, 3, f.gw.RefundCalls())
}

func TestRefund_OriginalPaymentCannotBeReversed(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	r := f.create(t, "10", DestinationOriginalPayment)
	_, err := f.svc.Approve(ctx, r.ID, full)
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, r.ID, full)
	require.NoError(t, err)
	require.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform))

	_, err = f.svc.Reverse(ctx, r.ID, "rider disputed twice", full)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.Equal(t, "90.00", f.balance(t, "platform", wallet.RolePlatform), "platform not re-credited")
	assert.Equal(t, 1, f.gw.RefundCalls())

	entry := f.lastEntry(audit.ActionRefundReverse)
	require.NotNil(t, entry)
	assert.Equal(t, audit.OutcomeFailed, entry.Outcome)
}

func TestRefund_OriginalPaymentNeedsPlatformFunds(t *testing.T) {
	f := newFixture(t, "5")
	ctx := context.Background()
	r := f.create(t, "10", DestinationOriginalPayment)
	_, err := f.svc.Approve(ctx, r.ID, full)
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, r.ID, full)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, 0, f.gw.RefundCalls())
}

func TestRefund_CreateChecksFare(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	f.fares["trip-1"] = money.MustParse("30")

	base := CreateRequest{TripID: "trip-1", RiderID: "rider-1", Type: TypePartial, Reason: "late"}

	req := base
	req.Amount = money.MustParse("20")
	first, err := f.svc.Create(ctx, req, support)
	require.NoError(t, err)

	req.Amount = money.MustParse("15")
	_, err = f.svc.Create(ctx, req, support)
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	// A rejected refund releases its share of the fare.
	_, err = f.svc.Reject(ctx, first.ID, "duplicate", full)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, req, support)
	assert.NoError(t, err)

	whole := base
	whole.Type = TypeFull
	whole.Amount = money.MustParse("29")
	_, err = f.svc.Create(ctx, whole, support)
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)
}

func TestRefund_CreateValidation(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"no trip", CreateRequest{RiderID: "r", Amount: money.MustParse("1"), Type: TypePartial, Reason: "x"}, apperr.ErrValidation},
		{"no reason", CreateRequest{TripID: "t", RiderID: "r", Amount: money.MustParse("1"), Type: TypePartial}, apperr.ErrValidation},
		{"zero amount", CreateRequest{TripID: "t", RiderID: "r", Type: TypePartial, Reason: "x"}, apperr.ErrInvalidAmount},
		{"bad type", CreateRequest{TripID: "t", RiderID: "r", Amount: money.MustParse("1"), Type: "goodwill", Reason: "x"}, apperr.ErrValidation},
		{"card without reference", CreateRequest{TripID: "t", RiderID: "r", Amount: money.MustParse("1"), Type: TypePartial, Reason: "x", Destination: DestinationOriginalPayment}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req, support)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPolicy_CanApprove(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.CanApprove("finance_limited", money.MustParse("20.00")))
	assert.False(t, p.CanApprove("finance_limited", money.MustParse("20.01")))
	assert.True(t, p.CanApprove("finance_full", money.MustParse("5000")))
	assert.True(t, p.CanApprove("admin", money.MustParse("5000")))
	assert.False(t, p.CanApprove("support", money.MustParse("1")))
	assert.False(t, CanTransition(StatusRejected, StatusApproved))
	assert.False(t, CanTransition(StatusApproved, StatusReversed))
}
