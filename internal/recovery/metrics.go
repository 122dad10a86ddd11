package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsRecorded counts error records by kind and severity.
	ErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "recovery",
			Name:      "errors_recorded_total",
			Help:      "Total number of error records written, labeled by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	// PersistFailures counts error log writes that failed.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "foundry",
			Subsystem: "recovery",
			Name:      "persist_failures_total",
			Help:      "Total number of failed error log writes",
		},
	)
)
