package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_requests_total",
			Help: "Requests through a circuit breaker, by state and result",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_failures_total",
			Help: "Failures observed by a circuit breaker",
		},
		[]string{"name", "service"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service"},
	)
)

func recordState(name, service string, state State) {
	breakerState.WithLabelValues(name, service).Set(float64(state))
}

func recordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

func recordFailure(name, service string) {
	breakerFailures.WithLabelValues(name, service).Inc()
}

func recordStateChange(name, service string) {
	breakerStateChanges.WithLabelValues(name, service).Inc()
}
