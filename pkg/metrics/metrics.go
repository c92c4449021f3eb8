// Package metrics exposes Prometheus instrumentation for the dashboard
// server: upstream API traffic, window-cache efficiency and enrichment
// throughput, scraped via the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests counts calls against the upstream fitness API.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_api_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"endpoint", "status"},
	)

	// UpstreamRetries counts the automatic one-shot retries after a
	// transient upstream failure.
	UpstreamRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_api_retries_total",
			Help: "Total number of automatic upstream retries",
		},
	)

	// WindowCacheHits counts composite requests served from an already
	// cached year window.
	WindowCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_window_cache_hits_total",
			Help: "Total number of activity window cache hits",
		},
	)

	// WindowCacheMisses counts year windows that had to be fetched and
	// enriched.
	WindowCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_window_cache_misses_total",
			Help: "Total number of activity window cache misses",
		},
	)

	// EnrichmentBatchSize observes how many raw records each enrichment
	// batch carries.
	EnrichmentBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrichment_batch_size",
			Help:    "Number of raw activity records per enrichment batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. 16384
		},
	)

	// HTTPRequestDuration observes API endpoint latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)
