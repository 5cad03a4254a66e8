package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Citation task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_citation_tasks_created_total",
			Help: "Total number of citation tasks created",
		},
		[]string{"source"}, // "new" or "cache"
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_citation_tasks_completed_total",
			Help: "Total number of citation tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	ChunksProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citewatch_citation_chunks_processed_total",
			Help: "Total number of query chunks processed",
		},
	)

	ChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citewatch_citation_chunk_duration_seconds",
			Help:    "Chunk processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueriesValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_citation_queries_validated_total",
			Help: "Total number of per-provider query validations",
		},
		[]string{"provider", "outcome"}, // outcome: found, not_found, error, unavailable
	)

	InFlightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citewatch_dispatch_inflight_jobs",
			Help: "Number of jobs currently executing in the dispatch pool",
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_provider_calls_total",
			Help: "Total number of outbound LLM provider calls",
		},
		[]string{"provider", "status"},
	)

	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_breaker_trips_total",
			Help: "Total number of provider failure gate trips",
		},
		[]string{"provider"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Enrichment metrics
	EnrichmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citewatch_enrichment_failures_total",
			Help: "Total number of backlink enrichment step failures",
		},
		[]string{"service"},
	)

	BacklinksEnriched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citewatch_backlinks_enriched_total",
			Help: "Total number of backlinks run through the enrichment pipeline",
		},
	)
)
