package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueryMetric tracks the running aggregates of one named query. Never reset
// except by explicit administrative action.
type QueryMetric struct {
	QueryID         string        `json:"query_id"`
	TotalExecutions int64         `json:"total_executions"`
	TotalDuration   time.Duration `json:"total_duration"`
	CacheHits       int64         `json:"cache_hits"`
	Errors          int64         `json:"errors"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`

	alerted bool
}

// AvgDuration returns the mean execution duration.
func (m *QueryMetric) AvgDuration() time.Duration {
	if m.TotalExecutions == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalExecutions)
}

// CacheHitRate returns the fraction of executions served from cache.
func (m *QueryMetric) CacheHitRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(m.TotalExecutions)
}

// ErrorRate returns the fraction of executions that errored.
func (m *QueryMetric) ErrorRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.TotalExecutions)
}

// SlowQueryRecord is appended whenever an execution exceeds the slow-query
// threshold; pruned after the retention window.
type SlowQueryRecord struct {
	QueryID     string        `json:"query_id"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	Suggestions []string      `json:"suggestions"`
}

// QueryStat is the externally visible snapshot of one query's aggregates.
type QueryStat struct {
	QueryID       string        `json:"query_id"`
	Executions    int64         `json:"executions"`
	CacheHits     int64         `json:"cache_hits"`
	Errors        int64         `json:"errors"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecution time.Time     `json:"last_execution"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	ErrorRate     float64       `json:"error_rate"`
}

// Stats aggregates recorder state for the admin surface.
type Stats struct {
	TotalExecutions   int64             `json:"total_executions"`
	UniqueQueries     int               `json:"unique_queries"`
	OverallHitRate    float64           `json:"overall_cache_hit_rate"`
	OverallAvg        time.Duration     `json:"overall_avg_duration"`
	TopSlowest        []QueryStat       `json:"top_slowest"`
	TopFrequent       []QueryStat       `json:"top_frequent"`
	SlowQueryCount    int               `json:"slow_query_count"`
	RecentSlowQueries []SlowQueryRecord `json:"recent_slow_queries"`
}

// Recommendation is one actionable optimization hint derived from observed
// traffic.
type Recommendation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	QueryID  string `json:"query_id,omitempty"`
	Message  string `json:"message"`
}

// Recommendation thresholds. These mirror the tuning of the reference
// deployment; the alert rate and floors are configurable.
const (
	lowHitRateThreshold  = 0.30
	slowAvgThreshold     = 500 * time.Millisecond
	highFrequencyShare   = 0.10
	highFrequencyMinimum = 10
)

// RecorderConfig holds query telemetry configuration
type RecorderConfig struct {
	SlowQueryThreshold time.Duration
	VerySlowThreshold  time.Duration
	SlowRetention      time.Duration
	PruneInterval      time.Duration
	ErrorAlertRate     float64
	ErrorAlertFloor    int
	TopN               int
}

// Recorder observes the duration, cache outcome and error outcome of every
// named query, and derives slow-query flags, aggregate statistics and
// optimization recommendations.
type Recorder struct {
	cfg    RecorderConfig
	logger *zap.Logger
	prom   *Metrics

	mu      sync.RWMutex
	queries map[string]*QueryMetric
	slow    []SlowQueryRecord

	stopCh chan struct{}
}

// NewRecorder creates a new query metrics recorder. prom may be nil when
// Prometheus exposition is disabled.
func NewRecorder(cfg RecorderConfig, prom *Metrics, logger *zap.Logger) *Recorder {
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
	if cfg.VerySlowThreshold <= 0 {
		cfg.VerySlowThreshold = 5 * time.Second
	}
	if cfg.SlowRetention <= 0 {
		cfg.SlowRetention = time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if cfg.ErrorAlertRate <= 0 {
		cfg.ErrorAlertRate = 0.05
	}
	if cfg.ErrorAlertFloor <= 0 {
		cfg.ErrorAlertFloor = 20
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}

	return &Recorder{
		cfg:     cfg,
		logger:  logger,
		prom:    prom,
		queries: make(map[string]*QueryMetric),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the slow-query retention pruning loop
func (r *Recorder) Start() {
	r.logger.Info("Starting query metrics recorder",
		zap.Duration("slow_query_threshold", r.cfg.SlowQueryThreshold),
		zap.Duration("slow_retention", r.cfg.SlowRetention),
		zap.Float64("error_alert_rate", r.cfg.ErrorAlertRate))

	ticker := time.NewTicker(r.cfg.PruneInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				r.pruneSlowRecords()
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the pruning loop
func (r *Recorder) Stop() {
	close(r.stopCh)
	r.logger.Info("Query metrics recorder stopped")
}

// Record observes one query execution. Cache hits count as executions; err
// marks the execution failed.
func (r *Recorder) Record(queryID string, duration time.Duration, cacheHit bool, err error) {
	now := time.Now()

	r.mu.Lock()
	m, ok := r.queries[queryID]
	if !ok {
		m = &QueryMetric{QueryID: queryID, MinDuration: duration}
		r.queries[queryID] = m
	}

	m.TotalExecutions++
	m.TotalDuration += duration
	m.LastExecution = now
	if duration < m.MinDuration || m.TotalExecutions == 1 {
		m.MinDuration = duration
	}
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
	if cacheHit {
		m.CacheHits++
	}
	if err != nil {
		m.Errors++
	}

	slow := duration > r.cfg.SlowQueryThreshold
	if slow {
		r.slow = append(r.slow, SlowQueryRecord{
			QueryID:     queryID,
			Duration:    duration,
			Timestamp:   now,
			Suggestions: r.buildSuggestions(queryID, duration),
		})
	}

	alert := false
	if err != nil && m.TotalExecutions >= int64(r.cfg.ErrorAlertFloor) &&
		m.ErrorRate() > r.cfg.ErrorAlertRate && !m.alerted {
		m.alerted = true
		alert = true
	}
	if err == nil && m.alerted && m.ErrorRate() <= r.cfg.ErrorAlertRate {
		m.alerted = false
	}
	errorRate := m.ErrorRate()
	r.mu.Unlock()

	if slow {
		if r.prom != nil {
			r.prom.RecordSlowQuery()
		}
		r.logger.Warn("Slow query detected",
			zap.String("query_id", queryID),
			zap.Duration("duration", duration),
			zap.Duration("threshold", r.cfg.SlowQueryThreshold))
	}
	if alert {
		r.logger.Error("Query error rate above alert threshold",
			zap.String("query_id", queryID),
			zap.Float64("error_rate", errorRate),
			zap.Float64("threshold", r.cfg.ErrorAlertRate))
	}
}

// buildSuggestions derives remediation hints for a slow execution.
func (r *Recorder) buildSuggestions(queryID string, duration time.Duration) []string {
	var suggestions []string
	if duration > r.cfg.SlowQueryThreshold {
		suggestions = append(suggestions, "add caching for this query")
	}
	if duration > r.cfg.VerySlowThreshold {
		suggestions = append(suggestions,
			"add indexes for the filtered columns",
			"consider paginating large result sets")
	}
	if strings.Contains(queryID, "search") {
		suggestions = append(suggestions, "narrow the searched fields or use the precomputed view")
	}
	return suggestions
}

// pruneSlowRecords drops slow-query records older than the retention window.
func (r *Recorder) pruneSlowRecords() {
	cutoff := time.Now().Add(-r.cfg.SlowRetention)

	r.mu.Lock()
	kept := r.slow[:0]
	for _, rec := range r.slow {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	pruned := len(r.slow) - len(kept)
	r.slow = kept
	r.mu.Unlock()

	if pruned > 0 {
		r.logger.Debug("Pruned slow query records", zap.Int("pruned", pruned))
	}
}

// snapshot converts a metric to its external view. Caller holds the lock.
func snapshot(m *QueryMetric) QueryStat {
	return QueryStat{
		QueryID:       m.QueryID,
		Executions:    m.TotalExecutions,
		CacheHits:     m.CacheHits,
		Errors:        m.Errors,
		AvgDuration:   m.AvgDuration(),
		MinDuration:   m.MinDuration,
		MaxDuration:   m.MaxDuration,
		LastExecution: m.LastExecution,
		CacheHitRate:  m.CacheHitRate(),
		ErrorRate:     m.ErrorRate(),
	}
}

// GetStats returns aggregate statistics over every recorded query.
func (r *Recorder) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		UniqueQueries:  len(r.queries),
		SlowQueryCount: len(r.slow),
	}

	all := make([]QueryStat, 0, len(r.queries))
	var totalHits int64
	var totalDuration time.Duration
	for _, m := range r.queries {
		stats.TotalExecutions += m.TotalExecutions
		totalHits += m.CacheHits
		totalDuration += m.TotalDuration
		all = append(all, snapshot(m))
	}
	if stats.TotalExecutions > 0 {
		stats.OverallHitRate = float64(totalHits) / float64(stats.TotalExecutions)
		stats.OverallAvg = totalDuration / time.Duration(stats.TotalExecutions)
	}

	topN := r.cfg.TopN

	slowest := make([]QueryStat, len(all))
	copy(slowest, all)
	sort.Slice(slowest, func(i, j int) bool { return slowest[i].AvgDuration > slowest[j].AvgDuration })
	if len(slowest) > topN {
		slowest = slowest[:topN]
	}
	stats.TopSlowest = slowest

	frequent := make([]QueryStat, len(all))
	copy(frequent, all)
	sort.Slice(frequent, func(i, j int) bool { return frequent[i].Executions > frequent[j].Executions })
	if len(frequent) > topN {
		frequent = frequent[:topN]
	}
	stats.TopFrequent = frequent

	recent := topN
	if recent > len(r.slow) {
		recent = len(r.slow)
	}
	stats.RecentSlowQueries = make([]SlowQueryRecord, recent)
	copy(stats.RecentSlowQueries, r.slow[len(r.slow)-recent:])

	return stats
}

// GetOptimizationRecommendations derives actionable recommendations from the
// recorded traffic.
func (r *Recorder) GetOptimizationRecommendations() []Recommendation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var recs []Recommendation

	var total, totalHits int64
	var totalDuration time.Duration
	for _, m := range r.queries {
		total += m.TotalExecutions
		totalHits += m.CacheHits
		totalDuration += m.TotalDuration
	}
	if total == 0 {
		return recs
	}

	overallHitRate := float64(totalHits) / float64(total)
	if overallHitRate < lowHitRateThreshold {
		recs = append(recs, Recommendation{
			Type:     "caching",
			Severity: "high",
			Message:  "overall cache hit rate is below 30%; review cache TTLs and key granularity",
		})
	}

	overallAvg := totalDuration / time.Duration(total)
	if overallAvg > slowAvgThreshold {
		recs = append(recs, Recommendation{
			Type:     "indexing",
			Severity: "high",
			Message:  "average query duration exceeds 500ms; review indexes on the searched columns",
		})
	}

	for _, m := range r.queries {
		share := float64(m.TotalExecutions) / float64(total)
		if m.TotalExecutions >= highFrequencyMinimum && share >= highFrequencyShare &&
			m.CacheHitRate() < lowHitRateThreshold {
			recs = append(recs, Recommendation{
				Type:     "query-caching",
				Severity: "medium",
				QueryID:  m.QueryID,
				Message:  "high-frequency query with a low cache hit rate; consider a longer TTL or a dedicated cache entry",
			})
		}
		if m.TotalExecutions >= int64(r.cfg.ErrorAlertFloor) && m.ErrorRate() > r.cfg.ErrorAlertRate {
			recs = append(recs, Recommendation{
				Type:     "error-rate",
				Severity: "critical",
				QueryID:  m.QueryID,
				Message:  "error rate exceeds the alert threshold; inspect upstream source availability",
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Type != recs[j].Type {
			return recs[i].Type < recs[j].Type
		}
		return recs[i].QueryID < recs[j].QueryID
	})
	return recs
}

// GetQueryMetric returns the snapshot for one query, if recorded.
func (r *Recorder) GetQueryMetric(queryID string) (QueryStat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.queries[queryID]
	if !ok {
		return QueryStat{}, false
	}
	return snapshot(m), true
}

// Reset clears the aggregates of one query. Administrative action only.
func (r *Recorder) Reset(queryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queries[queryID]; !ok {
		return false
	}
	delete(r.queries, queryID)

	kept := r.slow[:0]
	for _, rec := range r.slow {
		if rec.QueryID != queryID {
			kept = append(kept, rec)
		}
	}
	r.slow = kept
	return true
}

// ResetAll clears every aggregate and slow record. Administrative action only.
func (r *Recorder) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queries = make(map[string]*QueryMetric)
	r.slow = nil
}
