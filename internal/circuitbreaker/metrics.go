package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imai_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers, by name and outcome",
		},
		[]string{"name", "outcome"},
	)
)

func recordRequest(name string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	breakerRequests.WithLabelValues(name, outcome).Inc()
}
