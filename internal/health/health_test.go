package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func healthyChecker(context.Context) error { return nil }

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthCheck(nil, time.Second, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hc.LivenessHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadinessHandler_AllDependenciesHealthy(t *testing.T) {
	hc := NewHealthCheck(map[string]Checker{
		"postgres": healthyChecker,
		"cache":    healthyChecker,
	}, time.Second, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"postgres": "healthy", "cache": "healthy"}, resp.Checks)
	assert.True(t, hc.IsReady())
}

func TestReadinessHandler_DependencyDown(t *testing.T) {
	hc := NewHealthCheck(map[string]Checker{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
		"cache":    healthyChecker,
	}, time.Second, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["postgres"])
	assert.Equal(t, "healthy", resp.Checks["cache"])
	assert.Contains(t, resp.Error, "postgres")
	assert.False(t, hc.IsReady())
}

func TestReadinessHandler_ServesCachedVerdictWhenReady(t *testing.T) {
	var probes atomic.Int64
	hc := NewHealthCheck(map[string]Checker{
		"postgres": func(context.Context) error {
			probes.Add(1)
			return nil
		},
	}, time.Second, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)

	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(1), probes.Load())

	w = httptest.NewRecorder()
	hc.ReadinessHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), probes.Load(), "ready service should not probe inline")
}

func TestHealthCheck_BackgroundLoopTracksRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	hc := NewHealthCheck(map[string]Checker{
		"postgres": func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
	}, 10*time.Millisecond, zap.NewNop())

	hc.Start()
	defer hc.Stop()

	assert.Eventually(t, func() bool { return !hc.IsReady() }, time.Second, 5*time.Millisecond)

	failing.Store(false)
	assert.Eventually(t, hc.IsReady, time.Second, 5*time.Millisecond)

	failing.Store(true)
	assert.Eventually(t, func() bool { return !hc.IsReady() }, time.Second, 5*time.Millisecond)
}

func TestHealthCheck_StopTerminatesLoop(t *testing.T) {
	hc := NewHealthCheck(map[string]Checker{"postgres": healthyChecker}, 10*time.Millisecond, zap.NewNop())
	hc.Start()

	done := make(chan struct{})
	go func() {
		hc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSetReady(t *testing.T) {
	hc := NewHealthCheck(nil, time.Second, zap.NewNop())
	assert.False(t, hc.IsReady())

	hc.SetReady(true)
	assert.True(t, hc.IsReady())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
