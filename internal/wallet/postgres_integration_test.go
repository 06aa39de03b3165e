//go:build integration

package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/apperr"
	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/testutil"
)

func newPostgresEngine(t *testing.T) *Engine {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	recorder := audit.NewRecorder(audit.NewPostgresLogger(db), logging.Discard())
	return NewEngine(NewPostgresStore(db), recorder, logging.Discard())
}

func TestPostgresEngine_PayoutLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newPostgresEngine(t)

	w, err := e.GetOrCreateWallet(ctx, "driver-1", RoleDriver)
	require.NoError(t, err)
	again, err := e.GetOrCreateWallet(ctx, "driver-1", RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	_, err = e.Credit(ctx, Movement{WalletID: w.ID, Amount: d("100"), SourceType: SourceTrip, SourceID: "trip-1"})
	require.NoError(t, err)
	_, err = e.Credit(ctx, Movement{WalletID: w.ID, Amount: d("100"), SourceType: SourceTrip, SourceID: "trip-1"})
	require.NoError(t, err)

	ok, err := e.Hold(ctx, w.ID, d("60"), "po_1", admin)
	require.NoError(t, err)
	require.True(t, ok)

	settle, err := e.SettleHold(ctx, w.ID, d("60"), "po_1", admin)
	require.NoError(t, err)
	replay, err := e.SettleHold(ctx, w.ID, d("60"), "po_1", admin)
	require.NoError(t, err)
	assert.Equal(t, settle.ID, replay.ID)

	got, err := e.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("40")))
	assert.True(t, got.LockedBalance.IsZero())

	history, err := e.History(ctx, w.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, KindSettle, history[0].Kind)

	check, err := e.VerifyLedger(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent, "%v", check.Problems)
}

func TestPostgresEngine_ReversalUniqueness(t *testing.T) {
	ctx := context.Background()
	e := newPostgresEngine(t)

	w, err := e.GetOrCreateWallet(ctx, "driver-2", RoleDriver)
	require.NoError(t, err)
	tx, err := e.Credit(ctx, Movement{WalletID: w.ID, Amount: d("25"), SourceType: SourceAdjustment, SourceID: "adj-1"})
	require.NoError(t, err)

	rev, err := e.ReverseTransaction(ctx, tx.ID, "duplicate", admin)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, rev.ReversesID)

	_, err = e.ReverseTransaction(ctx, tx.ID, "duplicate", admin)
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)
}

func TestPostgresEngine_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	e := newPostgresEngine(t)

	w, err := e.GetOrCreateWallet(ctx, "driver-3", RoleDriver)
	require.NoError(t, err)
	_, err = e.Credit(ctx, Movement{WalletID: w.ID, Amount: d("10"), SourceType: SourceTrip, SourceID: "trip-x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Debit(ctx, Movement{WalletID: w.ID, Amount: d("1"), SourceType: SourceAdjustment, SourceID: fmt.Sprintf("adj-%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, short int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.CodeOf(err) == apperr.CodeInsufficientFunds:
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, short)

	check, err := e.VerifyLedger(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.True(t, check.Balance.IsZero())
}
