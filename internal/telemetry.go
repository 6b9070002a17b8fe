package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeAborted = "aborted"
)

var (
	syncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esbind",
			Name:      "sync_operations_total",
			Help:      "Live and bulk sync operations by tracked type, operation and outcome",
		},
		[]string{"type", "operation", "outcome"},
	)

	bulkItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esbind",
			Name:      "bulk_items_total",
			Help:      "Bulk request items by tracked type, operation and outcome",
		},
		[]string{"type", "operation", "outcome"},
	)

	bulkRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "esbind",
			Name:      "bulk_request_duration_seconds",
			Help:      "Duration of bulk requests sent to the search engine",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type", "operation"},
	)

	rebuildChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esbind",
			Name:      "rebuild_chunks_total",
			Help:      "Chunks streamed into new indices during rebuilds",
		},
		[]string{"type"},
	)

	rebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "esbind",
			Name:      "rebuild_duration_seconds",
			Help:      "Wall time of rebuilds by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"type", "outcome"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esbind",
			Name:      "lifecycle_transitions_total",
			Help:      "Alias transitions applied by the index lifecycle manager",
		},
		[]string{"type", "transition"},
	)

	breakerOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "esbind",
			Name:      "circuit_breaker_opened_total",
			Help:      "Times a circuit breaker tripped open",
		},
		[]string{"breaker"},
	)
)

func outcomeOf(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}

func recordSyncOperation(typeName, operation string, err error) {
	syncOperations.WithLabelValues(typeName, operation, outcomeOf(err)).Inc()
}

func recordBulkItems(typeName, operation string, succeeded, failed int) {
	if succeeded > 0 {
		bulkItems.WithLabelValues(typeName, operation, outcomeSuccess).Add(float64(succeeded))
	}
	if failed > 0 {
		bulkItems.WithLabelValues(typeName, operation, outcomeFailure).Add(float64(failed))
	}
}

func observeBulkRequest(typeName, operation string, start time.Time) {
	bulkRequestDuration.WithLabelValues(typeName, operation).Observe(time.Since(start).Seconds())
}

func recordRebuildChunk(typeName string) {
	rebuildChunks.WithLabelValues(typeName).Inc()
}

func observeRebuild(typeName, outcome string, start time.Time) {
	rebuildDuration.WithLabelValues(typeName, outcome).Observe(time.Since(start).Seconds())
}

func recordTransition(typeName, transition string) {
	lifecycleTransitions.WithLabelValues(typeName, transition).Inc()
}

func recordBreakerOpened(name string) {
	breakerOpened.WithLabelValues(name).Inc()
}
