package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// evaluations counts evaluateRun calls by outcome (passed, failed, cached, error)
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_run_evaluations_total",
		Help: "Run evaluations by outcome",
	}, []string{"outcome"})

	// evaluationDuration tracks capture, diff and evaluation latency
	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandbox_run_evaluation_duration_seconds",
		Help:    "Time to capture, diff and evaluate a run in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// diffRows tracks changed rows per computed diff by kind
	diffRows = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_run_diff_rows",
		Help:    "Rows per diff by change kind",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 1000},
	}, []string{"kind"})
)
