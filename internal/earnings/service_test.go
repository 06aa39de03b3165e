package earnings

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/notify"
	"github.com/mbd888/ridewallet/internal/risk"
	"github.com/mbd888/ridewallet/internal/wallet"
)

var admin = audit.Actor{UserID: "admin-1", Role: "admin"}

type fixture struct {
	svc      *Service
	wallets  *wallet.Engine
	gate     *risk.Gate
	logs     *audit.MemoryLogger
	notifier *notify.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := audit.NewMemoryLogger()
	recorder := audit.NewRecorder(logs, logging.Discard())
	wallets := wallet.NewEngine(wallet.NewMemoryStore(), recorder, logging.Discard())
	gate := risk.NewGate(risk.NewMemoryStore(), risk.DefaultPolicy(), recorder, logging.Discard())
	n := notify.NewMemory()
	svc := NewService(wallets, NewMemoryStore(), gate, recorder, n, "platform", "usd", logging.Discard())
	return &fixture{svc: svc, wallets: wallets, gate: gate, logs: logs, notifier: n}
}

func (f *fixture) balance(t *testing.T, owner string, role wallet.Role) string {
	t.Helper()
	w, err := f.wallets.GetWalletByOwner(context.Background(), owner, role)
	require.NoError(t, err)
	return money.Format(w.Balance)
}

func (f *fixture) entries(action audit.Action) []*audit.Entry {
	var out []*audit.Entry
	for _, e := range f.logs.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func trip(id string) TripCompleted {
	return TripCompleted{
		TripID:         id,
		RiderID:        "rider-1",
		DriverID:       "driver-1",
		DriverAmount:   money.MustParse("16.00"),
		PlatformAmount: money.MustParse("4.00"),
	}
}

func TestOnTripCompleted_CreditsBothWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	require.NoError(t, err)
	assert.False(t, s.Partial)
	require.NotNil(t, s.DriverTx)
	require.NotNil(t, s.PlatformTx)
	assert.Equal(t, "20.00", money.Format(s.Fare.Fare))
	assert.Equal(t, "USD", s.Fare.Currency)

	assert.Equal(t, "16.00", f.balance(t, "driver-1", wallet.RoleDriver))
	assert.Equal(t, "4.00", f.balance(t, "platform", wallet.RolePlatform))

	settles := f.entries(audit.ActionTripSettle)
	require.Len(t, settles, 1)
	assert.Equal(t, audit.OutcomeSuccess, settles[0].Outcome)
	assert.Equal(t, []notify.EventType{notify.EventTripCredited}, f.notifier.Types())
}

func TestOnTripCompleted_WithoutRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := trip("trip-norider")
	ev.RiderID = ""
	s, err := f.svc.OnTripCompleted(ctx, ev, audit.System())
	require.NoError(t, err)
	assert.False(t, s.Partial)
	assert.Empty(t, s.Fare.RiderID)
	assert.Equal(t, "16.00", f.balance(t, "driver-1", wallet.RoleDriver))
	assert.Equal(t, "4.00", f.balance(t, "platform", wallet.RolePlatform))
}

func TestOnTripCompleted_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	require.NoError(t, err)
	again, err := f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	require.NoError(t, err)

	assert.Equal(t, first.DriverTx.ID, again.DriverTx.ID)
	assert.Equal(t, first.PlatformTx.ID, again.PlatformTx.ID)
	assert.Equal(t, "16.00", f.balance(t, "driver-1", wallet.RoleDriver))

	changed := trip("trip-1")
	changed.DriverAmount = money.MustParse("17.00")
	_, err = f.svc.OnTripCompleted(ctx, changed, audit.System())
	assert.ErrorIs(t, err, apperr.ErrIdempotencyConflict)
}

func TestOnTripCompleted_PartialFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	platform, err := f.wallets.GetOrCreateWallet(ctx, "platform", wallet.RolePlatform)
	require.NoError(t, err)
	_, err = f.wallets.Freeze(ctx, platform.ID, "audit hold", admin)
	require.NoError(t, err)

	s, err := f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	require.NoError(t, err)
	assert.True(t, s.Partial)
	assert.NotNil(t, s.DriverTx)
	assert.Nil(t, s.PlatformTx)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "platform")

	settles := f.entries(audit.ActionTripSettle)
	require.Len(t, settles, 1)
	assert.Equal(t, audit.OutcomeFailed, settles[0].Outcome)
	assert.Equal(t, true, settles[0].Metadata[audit.KeyPartialFailure])

	// Replaying after the fix applies only the missing leg.
	_, err = f.wallets.Unfreeze(ctx, platform.ID, admin)
	require.NoError(t, err)
	s, err = f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	require.NoError(t, err)
	assert.False(t, s.Partial)
	assert.Equal(t, "16.00", f.balance(t, "driver-1", wallet.RoleDriver))
	assert.Equal(t, "4.00", f.balance(t, "platform", wallet.RolePlatform))
}

func TestOnTripCompleted_BothLegsFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, owner := range []struct {
		id   string
		role wallet.Role
	}{{"driver-1", wallet.RoleDriver}, {"platform", wallet.RolePlatform}} {
		w, err := f.wallets.GetOrCreateWallet(ctx, owner.id, owner.role)
		require.NoError(t, err)
		_, err = f.wallets.Freeze(ctx, w.ID, "hold", admin)
		require.NoError(t, err)
	}

	_, err := f.svc.OnTripCompleted(ctx, trip("trip-1"), audit.System())
	assert.ErrorIs(t, err, apperr.ErrWalletFrozen)
}

func TestOnTripCompleted_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := trip("trip-1")
	bad.DriverAmount = money.Zero
	_, err := f.svc.OnTripCompleted(ctx, bad, audit.System())
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	bad = trip("trip-2")
	bad.Fare = money.MustParse("10")
	_, err = f.svc.OnTripCompleted(ctx, bad, audit.System())
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	bad = trip("")
	_, err = f.svc.OnTripCompleted(ctx, bad, audit.System())
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// Zero commission credits the driver only.
	noCommission := trip("trip-3")
	noCommission.PlatformAmount = money.Zero
	s, err := f.svc.OnTripCompleted(ctx, noCommission, audit.System())
	require.NoError(t, err)
	assert.Nil(t, s.PlatformTx)
}

func TestCreditIncentive_RiskGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := Incentive{IncentiveID: "inc-1", DriverID: "driver-1", Amount: money.MustParse("5")}

	tx, err := f.svc.CreditIncentive(ctx, in, admin)
	require.NoError(t, err)
	assert.Equal(t, wallet.SourceIncentive, tx.SourceType)

	replay, err := f.svc.CreditIncentive(ctx, in, admin)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)

	_, err = f.gate.SetProfile(ctx, risk.ProfileUpdate{OwnerID: "driver-1", Level: risk.LevelHigh, Reason: "fraud ring"}, admin)
	require.NoError(t, err)

	in.IncentiveID = "inc-2"
	_, err = f.svc.CreditIncentive(ctx, in, admin)
	assert.ErrorIs(t, err, apperr.ErrRiskBlocked)
	assert.Equal(t, "5.00", f.balance(t, "driver-1", wallet.RoleDriver))

	credits := f.entries(audit.ActionIncentiveCredit)
	require.Len(t, credits, 3)
	assert.Equal(t, audit.OutcomeFailed, credits[2].Outcome)
	assert.Equal(t, string(apperr.CodeRiskBlocked), credits[2].Metadata[audit.KeyErrorCode])
}

func TestExpectedFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.svc.ExpectedFare(ctx, "trip-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ev := trip("trip-1")
	ev.Fare = money.MustParse("22.50")
	_, err = f.svc.OnTripCompleted(ctx, ev, audit.System())
	require.NoError(t, err)

	fare, ok, err := f.svc.ExpectedFare(ctx, "trip-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "22.50", money.Format(fare))

	trips, err := f.svc.DriverTrips(ctx, "driver-1", 10)
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}

func TestPostgresStore_RecordConflictReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	f := &TripFare{TripID: "trip-1", RiderID: "r", DriverID: "d", Fare: money.MustParse("20"),
		DriverAmount: money.MustParse("16"), PlatformAmount: money.MustParse("4"), Currency: "USD"}

	mock.ExpectExec("INSERT INTO trip_fares").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM trip_fares WHERE trip_id").
		WithArgs("trip-1").
		WillReturnRows(sqlmock.NewRows([]string{"trip_id", "rider_id", "driver_id", "fare", "driver_amount",
			"platform_amount", "currency", "completed_at"}).
			AddRow("trip-1", "r", "d", "20", "16", "4", "USD", f.CompletedAt))

	stored, created, err := store.Record(context.Background(), f)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, stored.sameSplit(f))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordWithoutRider(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	f := &TripFare{TripID: "trip-2", DriverID: "d", Fare: money.MustParse("20"),
		DriverAmount: money.MustParse("16"), PlatformAmount: money.MustParse("4"), Currency: "USD"}

	mock.ExpectExec("INSERT INTO trip_fares").
		WithArgs("trip-2", nil, "d", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "USD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stored, created, err := NewPostgresStore(db).Record(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, stored.RiderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM trip_fares").
		WillReturnRows(sqlmock.NewRows([]string{"trip_id"}))

	_, err = NewPostgresStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
