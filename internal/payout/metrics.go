package payout

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "payout_transitions_total",
			Help:      "Payout status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	stuckPayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ridewallet",
		Name:      "payouts_stuck",
		Help:      "Processing payouts whose outcome is still unknown after the last resolver run.",
	})

	resolverRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ridewallet",
			Name:      "payout_resolver_outcomes_total",
			Help:      "Stuck payouts seen by the resolver, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, stuckPayouts, resolverRuns)
}
