package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// newMetrics registers the pipeline collectors with reg. A nil reg leaves
// them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autograder_stage_duration_seconds",
			Help:    "Duration of pipeline stages including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "outcome"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autograder_runs_total",
			Help: "Grading runs by final status.",
		}, []string{"status"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autograder_cache_lookups_total",
			Help: "Memoization cache lookups by stage and result.",
		}, []string{"stage", "result"}),
	}
}
