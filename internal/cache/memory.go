package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

type memoryItem struct {
	response  *model.SearchResponse
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore implements Store using an in-memory map with size-bounded
// eviction and periodic expiry sweeping.
type MemoryStore struct {
	mu         sync.RWMutex
	data       map[string]*memoryItem
	maxEntries int

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	prom   *metrics.Metrics
	logger *zap.Logger
	stopCh chan struct{}
}

// NewMemoryStore creates a new in-memory result cache and starts its sweep
// loop. prom may be nil when Prometheus exposition is disabled.
func NewMemoryStore(maxEntries int, sweepInterval time.Duration, prom *metrics.Metrics, logger *zap.Logger) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	store := &MemoryStore{
		data:       make(map[string]*memoryItem),
		maxEntries: maxEntries,
		prom:       prom,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	go store.sweep(sweepInterval)

	return store
}

// Get retrieves a cached response. Expired entries count as misses.
func (s *MemoryStore) Get(ctx context.Context, key string) (*model.SearchResponse, bool, error) {
	s.mu.RLock()
	item, exists := s.data[key]
	s.mu.RUnlock()

	if !exists || time.Now().After(item.expiresAt) {
		s.misses.Add(1)
		if s.prom != nil {
			s.prom.RecordCacheMiss("memory")
		}
		return nil, false, nil
	}

	s.hits.Add(1)
	if s.prom != nil {
		s.prom.RecordCacheHit("memory")
	}
	return item.response.Clone(), true, nil
}

// Set stores a response under key for ttl, evicting the oldest entries when
// the store exceeds its size bound.
func (s *MemoryStore) Set(ctx context.Context, key string, response *model.SearchResponse, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	s.data[key] = &memoryItem{
		response:  response.Clone(),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	evicted := 0
	if len(s.data) > s.maxEntries {
		evicted = s.evictLocked(now)
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.evictions.Add(int64(evicted))
		if s.prom != nil {
			s.prom.RecordCacheEviction("memory", "capacity", evicted)
		}
		s.logger.Debug("Evicted cache entries",
			zap.Int("evicted", evicted),
			zap.Int("max_entries", s.maxEntries))
	}
	return nil
}

// evictLocked removes expired entries first, then the oldest entries until
// the store is back under 80% of its size bound. Caller holds the lock.
func (s *MemoryStore) evictLocked(now time.Time) int {
	evicted := 0
	for key, item := range s.data {
		if now.After(item.expiresAt) {
			delete(s.data, key)
			evicted++
		}
	}

	target := s.maxEntries - s.maxEntries/5
	if len(s.data) <= target {
		return evicted
	}

	type aged struct {
		key       string
		createdAt time.Time
	}
	entries := make([]aged, 0, len(s.data))
	for key, item := range s.data {
		entries = append(entries, aged{key: key, createdAt: item.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].createdAt.Before(entries[j].createdAt) })

	for _, entry := range entries {
		if len(s.data) <= target {
			break
		}
		delete(s.data, entry.key)
		evicted++
	}
	return evicted
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (s *MemoryStore) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	removed := 0
	for key := range s.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.data, key)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("Invalidated cache entries",
			zap.String("prefix", prefix),
			zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats reports the store counters.
func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	entries := len(s.data)
	s.mu.RUnlock()

	return StoreStats{
		Backend:     "memory",
		Entries:     entries,
		MaxEntries:  s.maxEntries,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}, nil
}

// Ping always succeeds for the memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	close(s.stopCh)
	return nil
}

// sweep periodically removes expired entries
func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			expired := 0
			for key, item := range s.data {
				if now.After(item.expiresAt) {
					delete(s.data, key)
					expired++
				}
			}
			s.mu.Unlock()

			if expired > 0 {
				s.expirations.Add(int64(expired))
				if s.prom != nil {
					s.prom.RecordCacheEviction("memory", "expired", expired)
				}
				s.logger.Debug("Swept expired cache entries", zap.Int("expired", expired))
			}
		case <-s.stopCh:
			return
		}
	}
}
