package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ridewallet/internal/payout"
	"github.com/mbd888/ridewallet/internal/reconciliation"
)

// StuckPayoutResolver is the part of the payout service the job needs.
type StuckPayoutResolver interface {
	ResolveStuck(ctx context.Context, olderThan time.Duration, limit int) (*payout.ResolveReport, error)
}

// StuckPayoutJob asks the gateway about payouts left in processing.
type StuckPayoutJob struct {
	Payouts   StuckPayoutResolver
	OlderThan time.Duration
	Limit     int
	Logger    *slog.Logger
}

func (j *StuckPayoutJob) Name() string { return "resolve-stuck-payouts" }

func (j *StuckPayoutJob) Run(ctx context.Context) error {
	report, err := j.Payouts.ResolveStuck(ctx, j.OlderThan, j.Limit)
	if err != nil {
		return err
	}
	if report.Checked > 0 && j.Logger != nil {
		j.Logger.Info("stuck payouts resolved",
			"checked", report.Checked, "paid", report.Paid, "failed", report.Failed, "unresolved", report.Unresolved)
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d payouts could not be resolved: %s", len(report.Errors), report.Errors[0])
	}
	return nil
}

// LedgerSweeper is the part of the reconciliation sweeper the job needs.
type LedgerSweeper interface {
	SweepLedger(ctx context.Context) (*reconciliation.SweepReport, error)
}

// LedgerSweepJob replays every wallet ledger.
type LedgerSweepJob struct {
	Sweeper LedgerSweeper
}

func (j *LedgerSweepJob) Name() string { return "ledger-sweep" }

func (j *LedgerSweepJob) Run(ctx context.Context) error {
	report, err := j.Sweeper.SweepLedger(ctx)
	if err != nil {
		return err
	}
	if bad := report.LedgerMismatches + report.OrphanedHolds; bad > 0 {
		return fmt.Errorf("ledger sweep found %d inconsistent wallets", len(report.Inconsistent))
	}
	return nil
}
