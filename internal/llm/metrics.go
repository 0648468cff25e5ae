package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// newMetrics builds the call collectors. A nil registerer leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autograder",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of remote model calls",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"model", "stage"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autograder",
			Subsystem: "llm",
			Name:      "call_failures_total",
			Help:      "Number of failed remote model calls",
		}, []string{"model", "stage", "reason"}),
	}
}
