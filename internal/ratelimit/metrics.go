package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsTotal counts admission checks.
	// Labels: provider, result (admitted, refused)
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "ratelimit",
			Name:      "admissions_total",
			Help:      "Total number of rate limit admission checks by provider and result",
		},
		[]string{"provider", "result"},
	)

	// WindowOccupancy is the number of recorded calls in the trailing window.
	WindowOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "foundry",
			Subsystem: "ratelimit",
			Name:      "window_occupancy",
			Help:      "Calls recorded in the trailing 60s window by provider",
		},
		[]string{"provider"},
	)

	// PermitsInFlight is the number of held concurrency permits.
	PermitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "foundry",
			Subsystem: "ratelimit",
			Name:      "permits_in_flight",
			Help:      "Concurrency permits currently held across all projects",
		},
	)
)
