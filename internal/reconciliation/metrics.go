package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "records_total",
		Help:      "Trip reconciliations by initial classification.",
	}, []string{"status"})

	sweepWalletsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Number of wallets replayed in the last ledger sweep.",
	})

	sweepLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of wallets whose balance differs from the sum of their entries in the last sweep.",
	})

	sweepOrphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Number of wallets whose locked balance differs from their active holds in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of ledger sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total ledger sweep check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		recordsTotal,
		sweepWalletsChecked,
		sweepLedgerMismatches,
		sweepOrphanedHolds,
		sweepDuration,
		sweepErrors,
	)
}
