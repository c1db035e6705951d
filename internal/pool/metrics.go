package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pooledEnvironments tracks ready-to-claim environments per template
	pooledEnvironments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sandbox_pool_pooled_environments",
		Help: "Pooled environments ready to be claimed, by template",
	}, []string{"template"})

	// allocations counts allocations by template and outcome (hit, miss, error)
	allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_pool_allocations_total",
		Help: "Environment allocations by template and outcome",
	}, []string{"template", "outcome"})

	// cloneDuration tracks template clone latency
	cloneDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_pool_clone_duration_seconds",
		Help:    "Template clone duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"template", "result"})

	// releases counts environments released, by reason
	releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_pool_releases_total",
		Help: "Environments released by reason",
	}, []string{"reason"})

	// buildFailures counts failed background pool builds
	buildFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_pool_build_failures_total",
		Help: "Failed pooled environment builds by template",
	}, []string{"template"})
)
