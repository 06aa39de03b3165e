package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ridewallet/internal/pagination"
	"github.com/mbd888/ridewallet/internal/wallet"
)

const sweepPageSize = 200

// LedgerVerifier replays wallet ledgers.
type LedgerVerifier interface {
	ListWallets(ctx context.Context, f wallet.WalletFilter) ([]*wallet.Wallet, error)
	VerifyLedger(ctx context.Context, walletID string) (*wallet.LedgerCheck, error)
}

// SweepReport summarizes one pass over every wallet.
type SweepReport struct {
	WalletsChecked   int                   `json:"walletsChecked"`
	LedgerMismatches int                   `json:"ledgerMismatches"`
	OrphanedHolds    int                   `json:"orphanedHolds"`
	Errors           int                   `json:"errors"`
	Inconsistent     []*wallet.LedgerCheck `json:"inconsistent,omitempty"`
	Duration         time.Duration         `json:"duration"`
}

// Sweeper checks ledger invariants across all wallets.
type Sweeper struct {
	wallets LedgerVerifier
	logger  *slog.Logger
}

// NewSweeper creates a ledger sweeper.
func NewSweeper(wallets LedgerVerifier, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{wallets: wallets, logger: logger}
}

// SweepLedger verifies every wallet and publishes the counts as gauges.
// A wallet that cannot be checked is counted as an error and skipped.
func (s *Sweeper) SweepLedger(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{}
	defer func() {
		report.Duration = time.Since(start)
		sweepDuration.Observe(report.Duration.Seconds())
	}()

	var cursor *pagination.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.wallets.ListWallets(ctx, wallet.WalletFilter{Limit: sweepPageSize, Cursor: cursor})
		if err != nil {
			sweepErrors.Inc()
			return report, fmt.Errorf("failed to list wallets: %w", err)
		}
		for _, w := range page {
			s.check(ctx, w.ID, report)
		}
		if len(page) < sweepPageSize {
			break
		}
		last := page[len(page)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	sweepWalletsChecked.Set(float64(report.WalletsChecked))
	sweepLedgerMismatches.Set(float64(report.LedgerMismatches))
	sweepOrphanedHolds.Set(float64(report.OrphanedHolds))

	s.logger.Info("ledger sweep complete",
		"wallets", report.WalletsChecked,
		"ledger_mismatches", report.LedgerMismatches,
		"orphaned_holds", report.OrphanedHolds,
		"errors", report.Errors)
	return report, nil
}

func (s *Sweeper) check(ctx context.Context, walletID string, report *SweepReport) {
	check, err := s.wallets.VerifyLedger(ctx, walletID)
	if err != nil {
		report.Errors++
		sweepErrors.Inc()
		s.logger.Warn("ledger check failed", "wallet_id", walletID, "error", err)
		return
	}
	report.WalletsChecked++
	if check.Consistent {
		return
	}
	if !check.Balance.Equal(check.LedgerSum) {
		report.LedgerMismatches++
	}
	if !check.Locked.Equal(check.ActiveHolds) {
		report.OrphanedHolds++
	}
	report.Inconsistent = append(report.Inconsistent, check)
}
