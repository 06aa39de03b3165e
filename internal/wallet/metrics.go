package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/ridewallet/internal/apperr"
)

var (
	// OpsTotal counts wallet operations by operation and error code
	// ("ok" on success).
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "wallet_operations_total",
			Help:      "Total wallet operations by operation and result code.",
		},
		[]string{"op", "code"},
	)

	// OpDuration observes operation latency, lock wait included.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridewallet",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// IdempotentReplays counts movements answered from an earlier entry.
	IdempotentReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "wallet_idempotent_replays_total",
			Help:      "Credits and debits deduplicated by source id.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, IdempotentReplays)
}

func observe(op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = string(apperr.CodeOf(err))
	}
	OpsTotal.WithLabelValues(op, code).Inc()
	OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
