package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnitsTotal counts finished work units.
	// Labels: result (success, failure, cancelled)
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "engine",
			Name:      "units_total",
			Help:      "Total number of work units executed by result",
		},
		[]string{"result"},
	)

	// UnitDuration measures wall time per unit including retries.
	UnitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "foundry",
			Subsystem: "engine",
			Name:      "unit_duration_seconds",
			Help:      "Work unit duration in seconds including retries",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
	)
)
