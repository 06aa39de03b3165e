package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/gateway"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/risk"
	"github.com/mbd888/ridewallet/internal/wallet"
)

var finance = audit.Actor{UserID: "fin-1", Role: "finance_full"}

// stubSwitch is a kill switch tests can flip.
type stubSwitch struct {
	mu       sync.Mutex
	disabled bool
	err      error
}

func (s *stubSwitch) set(disabled bool, err error) {
	s.mu.Lock()
	s.disabled, s.err = disabled, err
	s.mu.Unlock()
}

func (s *stubSwitch) PayoutsDisabled(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled, s.err
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	wallets  *wallet.Engine
	gw       *gateway.Fake
	gate     *risk.Gate
	kill     *stubSwitch
	logs     *audit.MemoryLogger
	notifier *notify.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := audit.NewMemoryLogger()
	recorder := audit.NewRecorder(logs, logging.Discard())
	f := &fixture{
		store:    NewMemoryStore(),
		wallets:  wallet.NewEngine(wallet.NewMemoryStore(), recorder, logging.Discard()),
		gw:       gateway.NewFake(),
		gate:     risk.NewGate(risk.NewMemoryStore(), risk.DefaultPolicy(), recorder, logging.Discard()),
		kill:     &stubSwitch{},
		logs:     logs,
		notifier: notify.NewMemory(),
	}
	f.svc = NewService(f.store, f.wallets, f.gw, f.gate, f.kill, recorder, f.notifier, time.Second, logging.Discard())
	return f
}

func (f *fixture) driverWallet(t *testing.T, owner, amount string) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := f.wallets.GetOrCreateWallet(ctx, owner, wallet.RoleDriver)
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, wallet.Movement{
		WalletID: w.ID, Amount: money.MustParse(amount), SourceType: wallet.SourceTrip, SourceID: "seed-" + owner,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) wallet(t *testing.T, id string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (f *fixture) initiate(t *testing.T, walletID, amount string) *Payout {
	t.Helper()
	p, err := f.svc.Initiate(context.Background(), InitiateRequest{
		WalletID:    walletID,
		Amount:      money.MustParse(amount),
		Method:      MethodBankTransfer,
		Destination: "acct_123",
		CountryCode: "ke",
	}, finance)
	require.NoError(t, err)
	return p
}

func (f *fixture) count(action audit.Action, outcome audit.Outcome) int {
	n := 0
	for _, e := range f.logs.Entries() {
		if e.Action == action && e.Outcome == outcome {
			n++
		}
	}
	return n
}

func TestPayout_InitiateHoldsAndProcessSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	p := f.initiate(t, w.ID, "60")
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "KE", p.CountryCode)
	assert.Equal(t, "driver-1", p.OwnerID)
	assert.Equal(t, "60.00", money.Format(f.wallet(t, w.ID).LockedBalance))
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Available()))

	paid, err := f.svc.Process(ctx, p.ID, finance)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.NotEmpty(t, paid.GatewayReference)
	assert.NotNil(t, paid.CompletedAt)
	assert.Equal(t, "fin-1", paid.ProcessedByUserID)

	got := f.wallet(t, w.ID)
	assert.Equal(t, "40.00", money.Format(got.Balance))
	assert.True(t, got.LockedBalance.IsZero())

	check, err := f.wallets.VerifyLedger(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent, "%v", check.Problems)

	assert.Equal(t, 1, f.count(audit.ActionPayoutInitiate, audit.OutcomeSuccess))
	assert.Equal(t, 1, f.count(audit.ActionPayoutProcess, audit.OutcomeSuccess))
	assert.Equal(t, []notify.EventType{notify.EventPayoutInitiated, notify.EventPayoutPaid}, f.notifier.Types())
}

// spendingGate debits the wallet while the risk check runs, so the wallet
// read by Initiate is stale by the time it holds funds.
type spendingGate struct {
	wallets  *wallet.Engine
	walletID string
	amount   string
}

func (g *spendingGate) IsPayoutAllowed(ctx context.Context, _ string) (bool, error) {
	_, err := g.wallets.Debit(ctx, wallet.Movement{
		WalletID: g.walletID, Amount: money.MustParse(g.amount), SourceType: wallet.SourceAdjustment, SourceID: "adj-1",
	})
	return true, err
}

func TestPayout_InitiateInsufficientFundsAfterConcurrentDebit(t *testing.T) {
	f := newFixture(t)
	w := f.driverWallet(t, "driver-1", "100")
	gate := &spendingGate{wallets: f.wallets, walletID: w.ID, amount: "50"}
	svc := NewService(f.store, f.wallets, f.gw, gate, f.kill, audit.NewRecorder(f.logs, logging.Discard()),
		f.notifier, time.Second, logging.Discard())

	_, err := svc.Initiate(context.Background(), InitiateRequest{
		WalletID: w.ID, Amount: money.MustParse("80"), Method: MethodBankTransfer, Destination: "acct_123",
	}, finance)
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.NotContains(t, err.Error(), "100.00", "must not report the pre-hold snapshot")
	assert.Contains(t, err.Error(), "80.00")

	got := f.wallet(t, w.ID)
	assert.Equal(t, "50.00", money.Format(got.Balance))
	assert.True(t, got.LockedBalance.IsZero())
}

func TestPayout_ReversalCannotDriveBalanceNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	p := f.initiate(t, w.ID, "60")
	_, err := f.svc.Process(ctx, p.ID, finance)
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, p.ID, "bank returned funds", audit.Actor{UserID: "admin-1", Role: "admin"})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))
	assert.Equal(t, 1, f.count(audit.ActionPayoutReverse, audit.OutcomeFailed))
}

func TestPayout_ReverseWritesCompensatingDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	p := f.initiate(t, w.ID, "30")
	_, err := f.svc.Process(ctx, p.ID, finance)
	require.NoError(t, err)

	reversed, err := f.svc.Reverse(ctx, p.ID, "duplicate payout", audit.Actor{UserID: "admin-1", Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, reversed.Status)
	assert.Equal(t, "duplicate payout", reversed.ReversalReason)
	assert.Equal(t, "admin-1", reversed.ReversedByUserID)
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))

	history, err := f.wallets.History(ctx, w.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, wallet.KindDebit, history[0].Kind)
	assert.Equal(t, wallet.SourcePayout, history[0].SourceType)
	assert.Equal(t, p.ID, history[0].SourceID)
	assert.Equal(t, "-30.00", money.Format(history[0].Amount))

	_, err = f.svc.Reverse(ctx, p.ID, "again", audit.Actor{UserID: "admin-1", Role: "admin"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))
}

func TestPayout_ReverseOnlyFromPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	pending := f.initiate(t, w.ID, "10")
	_, err := f.svc.Reverse(ctx, pending.ID, "nope", finance)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.gw.DeclineNext("account closed")
	failed := f.initiate(t, w.ID, "20")
	done, err := f.svc.Process(ctx, failed.ID, finance)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, done.Status)
	_, err = f.svc.Reverse(ctx, failed.ID, "nope", finance)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.Reverse(ctx, pending.ID, " ", finance)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPayout_PendingCannotJumpToPaid(t *testing.T) {
	f := newFixture(t)
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "10")

	assert.False(t, CanTransition(StatusPending, StatusPaid))
	_, err := f.store.Transition(context.Background(), p.ID, StatusPending, StatusPaid, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestPayout_ConcurrentProcessHasOneWinner(t *testing.T) {
	f := newFixture(t)
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Process(context.Background(), p.ID, finance)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, apperr.ErrInvalidState):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, lost)
	assert.Equal(t, 1, f.gw.DisburseCalls())
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))
}

func TestPayout_KillSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	f.kill.set(true, nil)
	_, err := f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: money.MustParse("10"), Method: MethodMobileMoney, Destination: "+254700000000",
	}, finance)
	assert.ErrorIs(t, err, apperr.ErrKillSwitchActive)
	assert.True(t, f.wallet(t, w.ID).LockedBalance.IsZero())

	f.kill.set(false, errors.New("redis down"))
	_, err = f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: money.MustParse("10"), Method: MethodMobileMoney, Destination: "+254700000000",
	}, finance)
	assert.ErrorIs(t, err, apperr.ErrKillSwitchActive)

	f.kill.set(false, nil)
	p := f.initiate(t, w.ID, "10")
	f.kill.set(true, nil)
	_, err = f.svc.Process(ctx, p.ID, finance)
	assert.ErrorIs(t, err, apperr.ErrKillSwitchActive)
	assert.Equal(t, 0, f.gw.DisburseCalls())

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestPayout_RiskBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")

	_, err := f.gate.SetProfile(ctx, risk.ProfileUpdate{OwnerID: "driver-1", Level: risk.LevelHigh, Reason: "velocity"}, audit.System())
	require.NoError(t, err)

	_, err = f.svc.Initiate(ctx, InitiateRequest{
		WalletID: w.ID, Amount: money.MustParse("10"), Method: MethodBankTransfer, Destination: "acct",
	}, finance)
	assert.ErrorIs(t, err, apperr.ErrRiskBlocked)
	assert.True(t, f.wallet(t, w.ID).LockedBalance.IsZero())
	assert.Equal(t, 1, f.count(audit.ActionPayoutInitiate, audit.OutcomeFailed))
}

func TestPayout_InitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")
	rider, err := f.wallets.GetOrCreateWallet(ctx, "rider-1", wallet.RoleRider)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  InitiateRequest
		want error
	}{
		{"zero amount", InitiateRequest{WalletID: w.ID, Method: MethodBankTransfer, Destination: "a"}, apperr.ErrInvalidAmount},
		{"bad method", InitiateRequest{WalletID: w.ID, Amount: money.MustParse("1"), Method: "cheque", Destination: "a"}, apperr.ErrValidation},
		{"no destination", InitiateRequest{WalletID: w.ID, Amount: money.MustParse("1"), Method: MethodBankTransfer}, apperr.ErrValidation},
		{"rider wallet", InitiateRequest{WalletID: rider.ID, Amount: money.MustParse("1"), Method: MethodBankTransfer, Destination: "a"}, apperr.ErrValidation},
		{"unknown wallet", InitiateRequest{WalletID: "nope", Amount: money.MustParse("1"), Method: MethodBankTransfer, Destination: "a"}, apperr.ErrNotFound},
		{"insufficient", InitiateRequest{WalletID: w.ID, Amount: money.MustParse("150"), Method: MethodBankTransfer, Destination: "a"}, apperr.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(ctx, tt.req, finance)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := f.svc.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, f.wallet(t, w.ID).LockedBalance.IsZero())
}

func TestPayout_DeclineReleasesHold(t *testing.T) {
	f := newFixture(t)
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	f.gw.DeclineNext("account closed")
	done, err := f.svc.Process(context.Background(), p.ID, finance)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "account closed", done.FailureReason)

	got := f.wallet(t, w.ID)
	assert.Equal(t, "100.00", money.Format(got.Balance))
	assert.True(t, got.LockedBalance.IsZero())
	assert.Contains(t, f.notifier.Types(), notify.EventPayoutFailed)
}

func TestPayout_CallerCancellationDoesNotStrandPayout(t *testing.T) {
	f := newFixture(t)
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	ctx, cancel := context.WithCancel(context.Background())
	var gatewayCtxErr error
	f.gw.OnCall(func(gwCtx context.Context) {
		cancel()
		gatewayCtxErr = gwCtx.Err()
	})

	done, err := f.svc.Process(ctx, p.ID, finance)
	require.NoError(t, err)
	assert.NoError(t, gatewayCtxErr)
	assert.Equal(t, StatusPaid, done.Status)
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))
}

func TestPayout_GatewayErrorLeavesProcessingThenResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	f.gw.ErrorNext(errors.New("connection reset"))
	got, err := f.svc.Process(ctx, p.ID, finance)
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "60.00", money.Format(f.wallet(t, w.ID).LockedBalance))

	// Nothing is old enough yet.
	report, err := f.svc.ResolveStuck(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err = f.svc.ResolveStuck(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, 2, f.gw.DisburseCalls())

	done, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, done.Status)
	assert.Equal(t, "40.00", money.Format(f.wallet(t, w.ID).Balance))
	assert.Equal(t, 1, f.count(audit.ActionPayoutResolve, audit.OutcomeSuccess))
}

func TestPayout_LostResponseResolvedByLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	f.gw.Script(gateway.Response{Err: context.DeadlineExceeded, Applied: true})
	got, err := f.svc.Process(ctx, p.ID, finance)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusProcessing, got.Status)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err := f.svc.ResolveStuck(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, 1, f.gw.DisburseCalls(), "money moved once, lookup must not re-disburse")

	done, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, done.Status)
	assert.NotEmpty(t, done.GatewayReference)
}

func TestPayout_ResolveStuckKeepsUnknownOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, w.ID, "60")

	f.gw.ErrorNext(errors.New("connection reset"))
	_, err := f.svc.Process(ctx, p.ID, finance)
	require.Error(t, err)

	f.gw.ErrorNext(errors.New("still down"))
	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err := f.svc.ResolveStuck(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unresolved)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], p.ID)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "60.00", money.Format(f.wallet(t, w.ID).LockedBalance))
	assert.Equal(t, 1, f.count(audit.ActionPayoutResolve, audit.OutcomeFailed))
}

func TestPayout_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w1 := f.driverWallet(t, "driver-1", "100")
	w2 := f.driverWallet(t, "driver-2", "100")
	p1 := f.initiate(t, w1.ID, "10")
	f.initiate(t, w2.ID, "10")
	_, err := f.svc.Process(ctx, p1.ID, finance)
	require.NoError(t, err)

	byOwner, err := f.svc.List(ctx, Filter{OwnerID: "driver-1"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, p1.ID, byOwner[0].ID)

	pending, err := f.svc.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, w2.ID, pending[0].WalletID)
}
