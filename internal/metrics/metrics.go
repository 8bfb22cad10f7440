// Package metrics exposes Prometheus metrics for the offload pipeline:
// partition counts, candidate measurements, and fallback events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PartitionsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_partitions_detected_total",
		Help: "Subgraphs matched by a fusion template and extracted into partitions",
	})

	PartitionsOffloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_partitions_offloaded_total",
		Help: "Partitions whose specialized kernel was built and merged into an artifact",
	})

	PartitionsFallback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_partitions_fallback_total",
		Help: "Partitions that fell back to the generic implementation",
	}, []string{"reason"})

	CandidateMeasurements = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offload_candidate_latency_seconds",
		Help:    "Measured latency of kernel candidates during exhaustive tuning",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"arch"})

	TuningFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_tuning_failures_total",
		Help: "Candidate measurements that failed or were cancelled",
	})

	BuildFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_build_failures_total",
		Help: "Selected kernels whose code generation or compilation failed",
	})

	TuningCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_tuning_cache_hits_total",
		Help: "Partitions whose tuning record was reused by signature",
	})
)
