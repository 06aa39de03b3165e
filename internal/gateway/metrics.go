package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"}) // "success", "declined", "not_found", "error", "circuit_open"

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ridewallet",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Gateway call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridewallet",
		Subsystem: "gateway",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions by operation.",
	}, []string{"operation", "from_state", "to_state"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, breakerTransitions)
}
