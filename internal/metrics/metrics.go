package metrics

import "github.com/prometheus/client_golang/prometheus"

// Search, cache, rate-limit, sync, and embedding metrics.
var (
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "search_requests_total",
			Help:      "Total number of search requests by outcome",
		},
		[]string{"outcome"}, // "ok" / "degraded" / "unavailable" / "invalid"
	)

	SearchDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "search_degraded_total",
			Help:      "Searches served without one backend",
		},
		[]string{"backend"}, // "keyword" / "vector"
	)

	ResultCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "result_cache_total",
			Help:      "Result cache hits, misses, and expiries",
		},
		[]string{"result"}, // "hit" / "miss" / "expired"
	)

	ResultCacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "result_cache_invalidations_total",
			Help:      "Cache entries removed by entity invalidation",
		},
	)

	RateLimitAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "rate_limit_acquired_total",
			Help:      "Permits granted by the structured store rate limiter",
		},
	)

	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "rate_limit_rejected_total",
			Help:      "Permit requests rejected or cancelled",
		},
	)

	RateLimitThrottleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "rate_limit_throttle_total",
			Help:      "Upstream 429 responses triggering adaptive backoff",
		},
	)

	RateLimitWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "legisearch",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time callers spent waiting for a permit",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	SyncJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "sync_jobs_total",
			Help:      "Sync jobs by terminal outcome",
		},
		[]string{"outcome"}, // "completed" / "retried" / "dead_lettered" / "superseded"
	)

	SyncJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "legisearch",
			Name:      "sync_job_duration_seconds",
			Help:      "Time to process one sync job",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "legisearch",
			Name:      "sync_queue_depth",
			Help:      "Pending sync jobs",
		},
	)

	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "legisearch",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	EmbeddingTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "embedding_tokens_total",
			Help:      "Total embedding tokens consumed",
		},
		[]string{"provider", "model"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legisearch",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var engineMetricsRegistered bool

// RegisterEngineMetrics registers the engine metrics. Must be called once
// from main (no init side effects).
func RegisterEngineMetrics() {
	if engineMetricsRegistered {
		return
	}
	prometheus.MustRegister(
		SearchRequestsTotal,
		SearchDegradedTotal,
		ResultCacheTotal,
		ResultCacheInvalidationsTotal,
		RateLimitAcquiredTotal,
		RateLimitRejectedTotal,
		RateLimitThrottleTotal,
		RateLimitWaitSeconds,
		SyncJobsTotal,
		SyncJobDuration,
		SyncQueueDepth,
		EmbeddingRequestsTotal,
		EmbeddingRequestDuration,
		EmbeddingTokensTotal,
		EmbeddingCacheTotal,
		httpRequestDuration,
		httpRequestsTotal,
	)
	engineMetricsRegistered = true
}
