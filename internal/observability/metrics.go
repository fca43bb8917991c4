// Package observability holds the Prometheus collectors shared by backends.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values for FetchesTotal.
const (
	ResultHit     = "hit"
	ResultFetched = "fetched"
	ResultFailed  = "failed"
)

// Format label values.
const (
	FormatV2     = "v2"
	FormatLegacy = "legacy"
)

var (
	// FetchesTotal counts category reads by outcome.
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelref_fetches_total",
			Help: "Category reads by backend, format and outcome (hit, fetched, failed)",
		},
		[]string{"backend", "format", "category", "result"},
	)

	// FetchDuration observes the I/O portion of a fetch.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelref_fetch_duration_seconds",
			Help:    "Duration of backend I/O for a category fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "format"},
	)

	// InvalidationsTotal counts mark-stale and post-write invalidations.
	InvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelref_invalidations_total",
			Help: "Cache invalidations by backend and category",
		},
		[]string{"backend", "category"},
	)

	// WritesTotal counts model writes by operation.
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelref_writes_total",
			Help: "Model writes by backend, format and operation",
		},
		[]string{"backend", "format", "operation"},
	)
)
