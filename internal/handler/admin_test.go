package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cache"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/ttl"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/util/workerpool"
)

type fakeCluster struct {
	mu        sync.Mutex
	broadcast []string
}

func (c *fakeCluster) NodeID() string    { return "node-1" }
func (c *fakeCluster) Members() []string { return []string{"node-1", "node-2"} }

func (c *fakeCluster) BroadcastInvalidation(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, prefix)
}

func (c *fakeCluster) Broadcasts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.broadcast...)
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshActiveView(context.Context) error {
	f.calls++
	return f.err
}

type fakeBatchStats struct {
	stats workerpool.Stats
}

func (f *fakeBatchStats) BatchStats() workerpool.Stats { return f.stats }

type adminFixture struct {
	handlers  *AdminHandlers
	recorder  *metrics.Recorder
	estimator *ttl.Estimator
	store     cache.Store
	cluster   *fakeCluster
	refresher *fakeRefresher
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := zap.NewNop()

	recorder := metrics.NewRecorder(metrics.RecorderConfig{}, nil, logger)
	estimator := ttl.NewEstimator(ttl.EstimatorConfig{}, nil, logger)
	store := cache.NewMemoryStore(100, time.Minute, nil, logger)
	t.Cleanup(func() { _ = store.Close() })

	cluster := &fakeCluster{}
	refresher := &fakeRefresher{}
	batches := &fakeBatchStats{stats: workerpool.Stats{Name: "batch-flush", Workers: 4, Completed: 7}}

	return &adminFixture{
		handlers:  NewAdminHandlers(recorder, estimator, store, cluster, refresher, batches, apperrors.NewHandler(logger), logger),
		recorder:  recorder,
		estimator: estimator,
		store:     store,
		cluster:   cluster,
		refresher: refresher,
	}
}

func TestAdminQueryStats(t *testing.T) {
	fx := newAdminFixture(t)
	fx.recorder.Record("search:fulltext-search:acme", 40*time.Millisecond, false, nil)
	fx.recorder.Record("search:fulltext-search:acme", 2*time.Millisecond, true, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/queries", nil)
	w := httptest.NewRecorder()
	fx.handlers.QueryStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats metrics.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalExecutions)
	assert.Equal(t, 1, stats.UniqueQueries)
	assert.InDelta(t, 0.5, stats.OverallHitRate, 0.001)
}

func TestAdminQueryMetric(t *testing.T) {
	fx := newAdminFixture(t)
	fx.recorder.Record("search:identifier-exact:552100554", 10*time.Millisecond, false, nil)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/queries/x", nil)
		req = mux.SetURLVars(req, map[string]string{"queryID": "search:identifier-exact:552100554"})
		w := httptest.NewRecorder()
		fx.handlers.QueryMetric(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var stat metrics.QueryStat
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stat))
		assert.Equal(t, int64(1), stat.Executions)
	})

	t.Run("unknown query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/queries/x", nil)
		req = mux.SetURLVars(req, map[string]string{"queryID": "search:fulltext-search:nothing"})
		w := httptest.NewRecorder()
		fx.handlers.QueryMetric(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	})
}

func TestAdminResetQueryMetric(t *testing.T) {
	fx := newAdminFixture(t)
	fx.recorder.Record("search:fulltext-search:acme", 10*time.Millisecond, false, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/metrics/queries/x", nil)
	req = mux.SetURLVars(req, map[string]string{"queryID": "search:fulltext-search:acme"})
	w := httptest.NewRecorder()
	fx.handlers.ResetQueryMetric(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"reset"`)

	_, ok := fx.recorder.GetQueryMetric("search:fulltext-search:acme")
	assert.False(t, ok)

	w = httptest.NewRecorder()
	fx.handlers.ResetQueryMetric(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminResetAllQueryMetrics(t *testing.T) {
	fx := newAdminFixture(t)
	fx.recorder.Record("search:fulltext-search:acme", 10*time.Millisecond, false, nil)
	fx.recorder.Record("search:partial-match:ab", 10*time.Millisecond, false, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/metrics/queries", nil)
	w := httptest.NewRecorder()
	fx.handlers.ResetAllQueryMetrics(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, fx.recorder.GetStats().TotalExecutions)
}

func TestAdminRecommendations(t *testing.T) {
	fx := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/metrics/recommendations", nil)
	w := httptest.NewRecorder()
	fx.handlers.Recommendations(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count           int                      `json:"count"`
		Recommendations []metrics.Recommendation `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestAdminTTLPatterns(t *testing.T) {
	fx := newAdminFixture(t)
	fx.estimator.Observe("search:fulltext-search")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/ttl/patterns", nil)
	w := httptest.NewRecorder()
	fx.handlers.TTLPatterns(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Patterns []ttl.PatternStat `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, "search:fulltext-search", resp.Patterns[0].Pattern)
	assert.Equal(t, int64(1), resp.Patterns[0].TrailingCount)
}

func TestAdminCacheStats(t *testing.T) {
	fx := newAdminFixture(t)
	require.NoError(t, fx.store.Set(context.Background(), "search:v1:acme:20:0:false", &model.SearchResponse{Success: true}, time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/cache/stats", nil)
	w := httptest.NewRecorder()
	fx.handlers.CacheStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats cache.StoreStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, 1, stats.Entries)
}

func TestAdminInvalidateCache(t *testing.T) {
	seed := func(t *testing.T, fx *adminFixture) {
		ctx := context.Background()
		require.NoError(t, fx.store.Set(ctx, "search:v1:acme:20:0:false", &model.SearchResponse{}, time.Minute))
		require.NoError(t, fx.store.Set(ctx, "search:v1:acme:5:0:true", &model.SearchResponse{}, time.Minute))
		require.NoError(t, fx.store.Set(ctx, "warm:v1:acme", &model.SearchResponse{}, time.Minute))
	}

	t.Run("explicit prefix", func(t *testing.T) {
		fx := newAdminFixture(t)
		seed(t, fx)

		body := bytes.NewBufferString(`{"prefix":"search:v1:"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", body)
		w := httptest.NewRecorder()
		fx.handlers.InvalidateCache(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp invalidateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "invalidated", resp.Status)
		assert.Equal(t, 2, resp.Removed)
		assert.Equal(t, []string{"search:v1:"}, fx.cluster.Broadcasts())

		stats, err := fx.store.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Entries)
	})

	t.Run("empty body uses default prefix", func(t *testing.T) {
		fx := newAdminFixture(t)
		seed(t, fx)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
		w := httptest.NewRecorder()
		fx.handlers.InvalidateCache(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var resp invalidateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, defaultInvalidatePrefix, resp.Prefix)
		assert.Equal(t, 2, resp.Removed)
	})

	t.Run("malformed body", func(t *testing.T) {
		fx := newAdminFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		fx.handlers.InvalidateCache(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, fx.cluster.Broadcasts())
	})
}

func TestAdminClusterMembers(t *testing.T) {
	fx := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/cluster/members", nil)
	w := httptest.NewRecorder()
	fx.handlers.ClusterMembers(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		NodeID  string   `json:"node_id"`
		Members []string `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "node-1", resp.NodeID)
	assert.Equal(t, []string{"node-1", "node-2"}, resp.Members)
}

func TestAdminBatchStats(t *testing.T) {
	fx := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/batch/stats", nil)
	w := httptest.NewRecorder()
	fx.handlers.BatchStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var stats workerpool.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "batch-flush", stats.Name)
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, int64(7), stats.Completed)
}

func TestAdminSystemInfo(t *testing.T) {
	fx := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/system", nil)
	w := httptest.NewRecorder()
	fx.handlers.SystemInfo(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var info metrics.SystemMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Positive(t, info.Process.GoRoutines)
	assert.False(t, info.Timestamp.IsZero())
}

func TestAdminRefreshSearchView(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fx := newAdminFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/search-view/refresh", nil)
		w := httptest.NewRecorder()
		fx.handlers.RefreshSearchView(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"refreshed"`)
		assert.Equal(t, 1, fx.refresher.calls)
	})

	t.Run("refresh failure", func(t *testing.T) {
		fx := newAdminFixture(t)
		fx.refresher.err = errors.New("materialized view is locked")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/search-view/refresh", nil)
		w := httptest.NewRecorder()
		fx.handlers.RefreshSearchView(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})
}
