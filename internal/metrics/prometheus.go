package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Search pipeline metrics
	SearchesTotal  *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec
	SearchErrors   *prometheus.CounterVec
	SlowQueries    prometheus.Counter

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	AdaptiveTTL    *prometheus.GaugeVec

	// Deduplication metrics
	InflightRequests prometheus.Gauge
	DedupAttached    prometheus.Counter
	DedupTimeouts    prometheus.Counter

	// Batch metrics
	BatchSize    prometheus.Histogram
	BatchFlushes *prometheus.CounterVec

	// Source fan-out metrics
	SourceRequests *prometheus.CounterVec
	SourceErrors   *prometheus.CounterVec

	// Strategy metrics
	StrategyEscalations *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SearchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_requests_total",
				Help: "Total number of search requests processed",
			},
			[]string{"query_class", "strategy", "cache"},
		),

		SearchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_request_duration_seconds",
				Help:    "Duration of search request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query_class", "cache"},
		),

		SearchErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_request_errors_total",
				Help: "Total number of search request errors",
			},
			[]string{"query_class", "error_code"},
		),

		SlowQueries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_slow_queries_total",
				Help: "Total number of executions over the slow query threshold",
			},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_hits_total",
				Help: "Total number of result cache hits",
			},
			[]string{"backend"},
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_misses_total",
				Help: "Total number of result cache misses",
			},
			[]string{"backend"},
		),

		CacheEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_evictions_total",
				Help: "Total number of result cache evictions",
			},
			[]string{"backend", "reason"},
		),

		AdaptiveTTL: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "search_adaptive_ttl_seconds",
				Help: "Most recently estimated cache TTL per request pattern",
			},
			[]string{"pattern"},
		),

		InflightRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "search_inflight_requests",
				Help: "Number of deduplicated requests currently in flight",
			},
		),

		DedupAttached: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_dedup_attached_total",
				Help: "Total number of callers attached to an existing in-flight request",
			},
		),

		DedupTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_dedup_timeouts_total",
				Help: "Total number of in-flight requests settled by the dedup timeout",
			},
		),

		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_batch_size",
				Help:    "Number of members per processed batch",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		BatchFlushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_batch_flushes_total",
				Help: "Total number of batch flushes by trigger",
			},
			[]string{"reason"},
		),

		SourceRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_source_requests_total",
				Help: "Total number of upstream source requests",
			},
			[]string{"source", "status"},
		),

		SourceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_source_errors_total",
				Help: "Total number of upstream source failures",
			},
			[]string{"source", "error_code"},
		),

		StrategyEscalations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_strategy_escalations_total",
				Help: "Total number of tier escalations in the strategy selector",
			},
			[]string{"from", "to"},
		),
	}
}

// RecordSearch records one completed search request
func (m *Metrics) RecordSearch(queryClass, strategy, cache string, seconds float64) {
	m.SearchesTotal.WithLabelValues(queryClass, strategy, cache).Inc()
	m.SearchDuration.WithLabelValues(queryClass, cache).Observe(seconds)
}

// RecordSearchError records a fatal search error
func (m *Metrics) RecordSearchError(queryClass, errorCode string) {
	m.SearchErrors.WithLabelValues(queryClass, errorCode).Inc()
}

// RecordSlowQuery records an execution over the slow query threshold
func (m *Metrics) RecordSlowQuery() {
	m.SlowQueries.Inc()
}

// RecordCacheHit records a result cache hit
func (m *Metrics) RecordCacheHit(backend string) {
	m.CacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss records a result cache miss
func (m *Metrics) RecordCacheMiss(backend string) {
	m.CacheMisses.WithLabelValues(backend).Inc()
}

// RecordCacheEviction records evicted or expired cache entries
func (m *Metrics) RecordCacheEviction(backend, reason string, count int) {
	m.CacheEvictions.WithLabelValues(backend, reason).Add(float64(count))
}

// RecordAdaptiveTTL records the latest TTL estimate for a pattern
func (m *Metrics) RecordAdaptiveTTL(pattern string, seconds float64) {
	m.AdaptiveTTL.WithLabelValues(pattern).Set(seconds)
}

// UpdateInflight updates the dedup in-flight gauge
func (m *Metrics) UpdateInflight(count int) {
	m.InflightRequests.Set(float64(count))
}

// RecordDedupAttached records a caller joining an in-flight request
func (m *Metrics) RecordDedupAttached() {
	m.DedupAttached.Inc()
}

// RecordDedupTimeout records an in-flight request settled by timeout
func (m *Metrics) RecordDedupTimeout() {
	m.DedupTimeouts.Inc()
}

// RecordBatch records a processed batch and its flush trigger
func (m *Metrics) RecordBatch(size int, reason string) {
	m.BatchSize.Observe(float64(size))
	m.BatchFlushes.WithLabelValues(reason).Inc()
}

// RecordSourceRequest records one upstream source call outcome
func (m *Metrics) RecordSourceRequest(source, status string) {
	m.SourceRequests.WithLabelValues(source, status).Inc()
}

// RecordSourceError records an upstream source failure by code
func (m *Metrics) RecordSourceError(source, errorCode string) {
	m.SourceErrors.WithLabelValues(source, errorCode).Inc()
}

// RecordStrategyEscalation records a tier escalation
func (m *Metrics) RecordStrategyEscalation(from, to string) {
	m.StrategyEscalations.WithLabelValues(from, to).Inc()
}
