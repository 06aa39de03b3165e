package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/audit"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/money"
	"github.com/mbd888/ridewallet/internal/wallet"
)

func TestSweepLedger_ConsistentWallets(t *testing.T) {
	ctx := context.Background()
	engine := wallet.NewEngine(wallet.NewMemoryStore(), audit.NewRecorder(audit.NewMemoryLogger(), logging.Discard()), logging.Discard())
	for i := 0; i < 3; i++ {
		w, err := engine.GetOrCreateWallet(ctx, fmt.Sprintf("driver-%d", i), wallet.RoleDriver)
		require.NoError(t, err)
		_, err = engine.Credit(ctx, wallet.Movement{WalletID: w.ID, Amount: money.MustParse("10"), SourceType: wallet.SourceTrip, SourceID: "t"})
		require.NoError(t, err)
		ok, err := engine.Hold(ctx, w.ID, money.MustParse("4"), "po_1", audit.System())
		require.NoError(t, err)
		require.True(t, ok)
	}

	report, err := NewSweeper(engine, logging.Discard()).SweepLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.WalletsChecked)
	assert.Zero(t, report.LedgerMismatches)
	assert.Zero(t, report.OrphanedHolds)
	assert.Empty(t, report.Inconsistent)
}

type stubLedger struct {
	wallets []*wallet.Wallet
	checks  map[string]*wallet.LedgerCheck
	fail    map[string]bool
}

func (s *stubLedger) ListWallets(_ context.Context, f wallet.WalletFilter) ([]*wallet.Wallet, error) {
	if f.Cursor != nil {
		return nil, nil
	}
	return s.wallets, nil
}

func (s *stubLedger) VerifyLedger(_ context.Context, id string) (*wallet.LedgerCheck, error) {
	if s.fail[id] {
		return nil, errors.New("store unavailable")
	}
	return s.checks[id], nil
}

func TestSweepLedger_CountsProblems(t *testing.T) {
	d := money.MustParse
	stub := &stubLedger{
		wallets: []*wallet.Wallet{{ID: "w1"}, {ID: "w2"}, {ID: "w3"}, {ID: "w4"}},
		checks: map[string]*wallet.LedgerCheck{
			"w1": {WalletID: "w1", Balance: d("5"), LedgerSum: d("5"), Consistent: true},
			"w2": {WalletID: "w2", Balance: d("5"), LedgerSum: d("4"), Consistent: false},
			"w3": {WalletID: "w3", Balance: d("5"), LedgerSum: d("5"), Locked: d("2"), ActiveHolds: d("0")},
		},
		fail: map[string]bool{"w4": true},
	}

	report, err := NewSweeper(stub, logging.Discard()).SweepLedger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.WalletsChecked)
	assert.Equal(t, 1, report.LedgerMismatches)
	assert.Equal(t, 1, report.OrphanedHolds)
	assert.Equal(t, 1, report.Errors)
	assert.Len(t, report.Inconsistent, 2)
}
