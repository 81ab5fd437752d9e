package cache

import (
	"context"
	"time"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// Store is the result cache backend. A miss is reported through the found
// flag, not an error; backend failures must never fail a search.
type Store interface {
	// Get returns the cached response for key, or found=false on a miss.
	Get(ctx context.Context, key string) (*model.SearchResponse, bool, error)
	// Set stores response under key for ttl.
	Set(ctx context.Context, key string, response *model.SearchResponse, ttl time.Duration) error
	// InvalidatePrefix removes every entry whose key starts with prefix and
	// returns the number of entries removed.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
	// Stats reports backend counters for the admin surface.
	Stats(ctx context.Context) (StoreStats, error)
	// Ping checks backend liveness.
	Ping(ctx context.Context) error
	// Close releases the backend. For the memory backend this also stops the
	// sweep loop.
	Close() error
}

// StoreStats reports cache backend counters.
type StoreStats struct {
	Backend     string `json:"backend"`
	Entries     int    `json:"entries"`
	MaxEntries  int    `json:"max_entries,omitempty"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Evictions   int64  `json:"evictions"`
	Expirations int64  `json:"expirations"`
}

// HitRate returns the fraction of lookups served from this backend.
func (s StoreStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
