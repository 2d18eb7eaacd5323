package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	RoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_routes_total",
			Help: "Total number of routing lookups by outcome",
		},
		[]string{"outcome"}, // primary, fallback, unavailable
	)

	RouterRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_router_rebuilds_total",
			Help: "Router rebuilds triggered by membership changes",
		},
		[]string{"result"},
	)

	RouterPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexd_router_partitions",
			Help: "Number of partitions in the current routing ring",
		},
	)

	RouterEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexd_router_endpoints",
			Help: "Number of endpoints in the current routing ring",
		},
	)

	// Ingestion metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_events_ingested_total",
			Help: "Events pulled from the stream and cached",
		},
		[]string{"partition"},
	)

	EventsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_events_replayed_total",
			Help: "Events replayed from the persistent cache at start",
		},
		[]string{"partition"},
	)

	BatchCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_batch_commits_total",
			Help: "Cache + index + source commits performed",
		},
		[]string{"partition"},
	)

	BatchCommitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexd_batch_commit_latency_seconds",
			Help:    "Latency of a full batch flush in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"partition"},
	)

	IndexedVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexd_last_event_version",
			Help: "Version of the last event handed to the indexer",
		},
		[]string{"partition"},
	)

	// SwallowedErrors counts errors that were deliberately logged and not
	// returned: stream read failures turned into end-of-stream, per-file
	// promotion copy failures, optimize failures, per-record index failures.
	SwallowedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_swallowed_errors_total",
			Help: "Errors logged and converted instead of propagated",
		},
		[]string{"component"},
	)

	// Promotion metrics
	FilesPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_promoted_files_total",
			Help: "Index files copied into permanent shard storage",
		},
		[]string{"shard", "result"}, // copied, skipped
	)

	PromotionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexd_promotion_latency_seconds",
			Help:    "Latency of shard writer close + promotion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ShardGeneration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexd_shard_generation",
			Help: "Current generation of each shard",
		},
		[]string{"shard"},
	)

	// Persistent cache metrics
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexd_cache_operations_total",
			Help: "Total number of persistent cache operations",
		},
		[]string{"cache", "operation"},
	)
)
