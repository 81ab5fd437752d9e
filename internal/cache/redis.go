package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// RedisStore implements Store on Redis. Responses are stored as JSON under
// a configurable key prefix so several applications can share one instance.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string

	hits   atomic.Int64
	misses atomic.Int64

	prom   *metrics.Metrics
	logger *zap.Logger
}

// RedisOptions configures the client behind the store.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// NewRedisStore creates a new Redis-backed result cache. prom may be nil
// when Prometheus exposition is disabled.
func NewRedisStore(opts RedisOptions, prom *metrics.Metrics, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		prom:      prom,
		logger:    logger,
	}, nil
}

func (s *RedisStore) fullKey(key string) string {
	return s.keyPrefix + key
}

// Get retrieves a cached response.
func (s *RedisStore) Get(ctx context.Context, key string) (*model.SearchResponse, bool, error) {
	data, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		if s.prom != nil {
			s.prom.RecordCacheMiss("redis")
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var response model.SearchResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}

	s.hits.Add(1)
	if s.prom != nil {
		s.prom.RecordCacheHit("redis")
	}
	return &response, true, nil
}

// Set stores a response under key for ttl.
func (s *RedisStore) Set(ctx context.Context, key string, response *model.SearchResponse, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	return s.client.Set(ctx, s.fullKey(key), data, ttl).Err()
}

// InvalidatePrefix removes every entry whose key starts with prefix, using
// SCAN to stay non-blocking on large keyspaces.
func (s *RedisStore) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := s.fullKey(prefix) + "*"
	removed := 0

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(deleted)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("Invalidated cache entries",
			zap.String("prefix", prefix),
			zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats reports the store counters. Entries is counted with SCAN over the
// key prefix.
func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	entries := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 1000).Result()
		if err != nil {
			return StoreStats{}, fmt.Errorf("redis scan: %w", err)
		}
		entries += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return StoreStats{
		Backend: "redis",
		Entries: entries,
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
	}, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
