package ttl

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
)

// Temperature classifies how frequently a query pattern is being requested.
type Temperature string

const (
	// TemperatureHot marks patterns above the hot request threshold.
	TemperatureHot Temperature = "hot"
	// TemperatureWarm marks patterns above the warm request threshold.
	TemperatureWarm Temperature = "warm"
	// TemperatureCold marks everything else.
	TemperatureCold Temperature = "cold"
)

// EstimatorConfig holds adaptive TTL tuning
type EstimatorConfig struct {
	BaseTTL          time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
	HotThreshold     int64
	WarmThreshold    int64
	HotFactor        float64
	WarmFactor       float64
	ColdFactor       float64
	PatternWindow    time.Duration
	PatternRetention time.Duration
	PruneInterval    time.Duration
}

// PatternStat is the externally visible state of one observed pattern.
type PatternStat struct {
	Pattern       string        `json:"pattern"`
	TrailingCount int64         `json:"trailing_count"`
	Temperature   Temperature   `json:"temperature"`
	TTL           time.Duration `json:"ttl"`
}

type bucketKey struct {
	pattern string
	hour    int64
}

// Estimator tracks request counts per query pattern in hourly buckets and
// derives cache TTLs from the trailing window. Hot patterns get longer TTLs,
// cold patterns shorter ones, always clamped to the configured bounds.
type Estimator struct {
	cfg    EstimatorConfig
	logger *zap.Logger
	prom   *metrics.Metrics

	mu      sync.RWMutex
	buckets map[bucketKey]int64

	stopCh chan struct{}
}

// NewEstimator creates a new adaptive TTL estimator. prom may be nil when
// Prometheus exposition is disabled.
func NewEstimator(cfg EstimatorConfig, prom *metrics.Metrics, logger *zap.Logger) *Estimator {
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = 5 * time.Minute
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 30 * time.Minute
	}
	if cfg.HotThreshold <= 0 {
		cfg.HotThreshold = 100
	}
	if cfg.WarmThreshold <= 0 {
		cfg.WarmThreshold = 10
	}
	if cfg.HotFactor <= 0 {
		cfg.HotFactor = 2.0
	}
	if cfg.WarmFactor <= 0 {
		cfg.WarmFactor = 1.0
	}
	if cfg.ColdFactor <= 0 {
		cfg.ColdFactor = 0.5
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 6 * time.Hour
	}
	if cfg.PatternRetention <= 0 {
		cfg.PatternRetention = 24 * time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	return &Estimator{
		cfg:     cfg,
		logger:  logger,
		prom:    prom,
		buckets: make(map[bucketKey]int64),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the bucket retention pruning loop
func (e *Estimator) Start() {
	e.logger.Info("Starting adaptive TTL estimator",
		zap.Duration("base_ttl", e.cfg.BaseTTL),
		zap.Duration("pattern_window", e.cfg.PatternWindow),
		zap.Int64("hot_threshold", e.cfg.HotThreshold),
		zap.Int64("warm_threshold", e.cfg.WarmThreshold))

	ticker := time.NewTicker(e.cfg.PruneInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				e.pruneBuckets()
			case <-e.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the pruning loop
func (e *Estimator) Stop() {
	close(e.stopCh)
	e.logger.Info("Adaptive TTL estimator stopped")
}

func hourSlot(t time.Time) int64 {
	return t.Unix() / 3600
}

// Observe records one request for the given pattern in the current hourly
// bucket.
func (e *Estimator) Observe(pattern string) {
	slot := hourSlot(time.Now())

	e.mu.Lock()
	e.buckets[bucketKey{pattern: pattern, hour: slot}]++
	e.mu.Unlock()
}

// TrailingCount returns the number of requests for pattern within the
// trailing window.
func (e *Estimator) TrailingCount(pattern string) int64 {
	now := hourSlot(time.Now())
	windowSlots := int64(e.cfg.PatternWindow / time.Hour)
	if windowSlots < 1 {
		windowSlots = 1
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var count int64
	for slot := now - windowSlots + 1; slot <= now; slot++ {
		count += e.buckets[bucketKey{pattern: pattern, hour: slot}]
	}
	return count
}

// EstimateTTL derives the cache TTL for pattern from its trailing request
// count, clamped to the configured minimum and maximum.
func (e *Estimator) EstimateTTL(pattern string) time.Duration {
	count := e.TrailingCount(pattern)
	_, ttl := e.classify(count)

	if e.prom != nil {
		e.prom.RecordAdaptiveTTL(pattern, ttl.Seconds())
	}
	return ttl
}

// classify maps a trailing count to its temperature and clamped TTL.
func (e *Estimator) classify(count int64) (Temperature, time.Duration) {
	var temp Temperature
	var factor float64
	switch {
	case count > e.cfg.HotThreshold:
		temp, factor = TemperatureHot, e.cfg.HotFactor
	case count > e.cfg.WarmThreshold:
		temp, factor = TemperatureWarm, e.cfg.WarmFactor
	default:
		temp, factor = TemperatureCold, e.cfg.ColdFactor
	}

	ttl := time.Duration(float64(e.cfg.BaseTTL) * factor)
	if ttl < e.cfg.MinTTL {
		ttl = e.cfg.MinTTL
	}
	if ttl > e.cfg.MaxTTL {
		ttl = e.cfg.MaxTTL
	}
	return temp, ttl
}

// Snapshot returns the current state of every pattern observed within the
// trailing window, sorted by pattern name.
func (e *Estimator) Snapshot() []PatternStat {
	now := hourSlot(time.Now())
	windowSlots := int64(e.cfg.PatternWindow / time.Hour)
	if windowSlots < 1 {
		windowSlots = 1
	}

	e.mu.RLock()
	counts := make(map[string]int64)
	for key, n := range e.buckets {
		if key.hour > now-windowSlots && key.hour <= now {
			counts[key.pattern] += n
		}
	}
	e.mu.RUnlock()

	stats := make([]PatternStat, 0, len(counts))
	for pattern, count := range counts {
		temp, ttl := e.classify(count)
		stats = append(stats, PatternStat{
			Pattern:       pattern,
			TrailingCount: count,
			Temperature:   temp,
			TTL:           ttl,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Pattern < stats[j].Pattern })
	return stats
}

// pruneBuckets drops hourly buckets older than the retention window.
func (e *Estimator) pruneBuckets() {
	cutoff := hourSlot(time.Now().Add(-e.cfg.PatternRetention))

	e.mu.Lock()
	pruned := 0
	for key := range e.buckets {
		if key.hour < cutoff {
			delete(e.buckets, key)
			pruned++
		}
	}
	e.mu.Unlock()

	if pruned > 0 {
		e.logger.Debug("Pruned pattern buckets", zap.Int("pruned", pruned))
	}
}
