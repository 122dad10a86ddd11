package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is the breaker state per provider (0=closed, 1=open, 2=half_open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "foundry",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state by provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)

	// RetryAttempts counts individual attempts.
	// Labels: result (success, failure)
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "resilience",
			Name:      "retry_attempts_total",
			Help:      "Total number of attempts made by the retrier by result",
		},
		[]string{"result"},
	)
)
