package ttl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestEstimator(cfg EstimatorConfig) *Estimator {
	return NewEstimator(cfg, nil, zap.NewNop())
}

func TestEstimator_EstimateTTL_Cold(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL: 5 * time.Minute,
		MinTTL:  time.Minute,
		MaxTTL:  30 * time.Minute,
	})

	// Nothing observed yet
	ttl := estimator.EstimateTTL("search:fulltext-search")

	assert.Equal(t, 150*time.Second, ttl) // 5m * 0.5
}

func TestEstimator_EstimateTTL_Warm(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL:       5 * time.Minute,
		WarmThreshold: 10,
	})

	for i := 0; i < 11; i++ {
		estimator.Observe("search:fulltext-search")
	}

	ttl := estimator.EstimateTTL("search:fulltext-search")

	assert.Equal(t, 5*time.Minute, ttl)
}

func TestEstimator_EstimateTTL_Hot(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL:      5 * time.Minute,
		HotThreshold: 100,
	})

	for i := 0; i < 101; i++ {
		estimator.Observe("search:identifier-exact")
	}

	ttl := estimator.EstimateTTL("search:identifier-exact")

	assert.Equal(t, 10*time.Minute, ttl) // 5m * 2
}

func TestEstimator_EstimateTTL_ClampedToMax(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL:      20 * time.Minute,
		MaxTTL:       30 * time.Minute,
		HotThreshold: 1,
	})

	estimator.Observe("hot-pattern")
	estimator.Observe("hot-pattern")

	ttl := estimator.EstimateTTL("hot-pattern")

	assert.Equal(t, 30*time.Minute, ttl) // 40m clamped to max
}

func TestEstimator_EstimateTTL_ClampedToMin(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL: 90 * time.Second,
		MinTTL:  time.Minute,
	})

	ttl := estimator.EstimateTTL("cold-pattern")

	assert.Equal(t, time.Minute, ttl) // 45s clamped to min
}

func TestEstimator_TrailingCount_ExcludesOldBuckets(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{PatternWindow: 6 * time.Hour})

	now := hourSlot(time.Now())
	estimator.mu.Lock()
	estimator.buckets[bucketKey{pattern: "p", hour: now}] = 3
	estimator.buckets[bucketKey{pattern: "p", hour: now - 5}] = 4
	estimator.buckets[bucketKey{pattern: "p", hour: now - 6}] = 100 // outside the 6h window
	estimator.buckets[bucketKey{pattern: "other", hour: now}] = 50
	estimator.mu.Unlock()

	assert.Equal(t, int64(7), estimator.TrailingCount("p"))
	assert.Equal(t, int64(50), estimator.TrailingCount("other"))
}

func TestEstimator_PruneBuckets(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{PatternRetention: 24 * time.Hour})

	now := hourSlot(time.Now())
	estimator.mu.Lock()
	estimator.buckets[bucketKey{pattern: "p", hour: now}] = 1
	estimator.buckets[bucketKey{pattern: "p", hour: now - 25}] = 1
	estimator.buckets[bucketKey{pattern: "q", hour: now - 48}] = 1
	estimator.mu.Unlock()

	estimator.pruneBuckets()

	estimator.mu.RLock()
	defer estimator.mu.RUnlock()
	assert.Len(t, estimator.buckets, 1)
	_, ok := estimator.buckets[bucketKey{pattern: "p", hour: now}]
	assert.True(t, ok)
}

func TestEstimator_Snapshot(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{
		BaseTTL:       5 * time.Minute,
		WarmThreshold: 10,
		HotThreshold:  100,
	})

	for i := 0; i < 15; i++ {
		estimator.Observe("search:fulltext-search")
	}
	estimator.Observe("search:identifier-exact")

	stats := estimator.Snapshot()

	assert.Len(t, stats, 2)
	assert.Equal(t, "search:fulltext-search", stats[0].Pattern)
	assert.Equal(t, TemperatureWarm, stats[0].Temperature)
	assert.Equal(t, int64(15), stats[0].TrailingCount)
	assert.Equal(t, "search:identifier-exact", stats[1].Pattern)
	assert.Equal(t, TemperatureCold, stats[1].Temperature)
}

func TestEstimator_StartStop(t *testing.T) {
	estimator := newTestEstimator(EstimatorConfig{PruneInterval: 10 * time.Millisecond})

	estimator.Start()
	time.Sleep(30 * time.Millisecond)
	estimator.Stop()
}
