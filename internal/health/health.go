// Package health exposes liveness and readiness probes for the search
// service.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one dependency. A nil error means the dependency can serve
// traffic.
type Checker func(ctx context.Context) error

const (
	defaultCheckInterval = 5 * time.Second
	checkTimeout         = 5 * time.Second
)

// HealthCheck tracks readiness of the service's dependencies. A background
// loop re-probes them on an interval; the readiness endpoint serves the
// cached verdict and only probes inline while the service is not ready.
type HealthCheck struct {
	checkers      map[string]Checker
	checkInterval time.Duration
	logger        *zap.Logger

	mu        sync.RWMutex
	ready     bool
	checks    map[string]string
	lastCheck time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthCheck creates a health checker over the named dependency probes.
// The checker map must not be mutated after construction.
func NewHealthCheck(checkers map[string]Checker, checkInterval time.Duration, logger *zap.Logger) *HealthCheck {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}

	return &HealthCheck{
		checkers:      checkers,
		checkInterval: checkInterval,
		logger:        logger,
		checks:        make(map[string]string),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (hc *HealthCheck) Start() {
	go hc.backgroundCheck()
	hc.logger.Info("Health check loop started", zap.Duration("interval", hc.checkInterval))
}

// Stop terminates the background probe loop and waits for it to exit.
func (hc *HealthCheck) Stop() {
	close(hc.stopCh)
	<-hc.doneCh
}

// LivenessResponse is the body served by the liveness endpoint.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse is the body served by the readiness endpoint.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests. It returns 200 whenever the
// process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests. It returns 200 while every
// dependency check passes and 503 otherwise.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	isReady := hc.ready
	checks := copyChecks(hc.checks)
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ReadinessResponse{Status: "ready", Checks: checks})
		return
	}

	// Not ready per the cached verdict. Probe inline so a recovered
	// dependency flips the service back without waiting for the next tick.
	checks, err := hc.refresh(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadinessResponse{Status: "ready", Checks: checks})
}

// refresh runs every checker and stores the verdict.
func (hc *HealthCheck) refresh(ctx context.Context) (map[string]string, error) {
	checks := make(map[string]string, len(hc.checkers))
	var firstErr error

	for name, check := range hc.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(probeCtx)
		cancel()

		if err != nil {
			checks[name] = "unhealthy"
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			continue
		}
		checks[name] = "healthy"
	}

	hc.mu.Lock()
	hc.ready = firstErr == nil
	hc.checks = checks
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	return copyChecks(checks), firstErr
}

// backgroundCheck re-probes the dependencies until Stop is called.
func (hc *HealthCheck) backgroundCheck() {
	defer close(hc.doneCh)

	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := hc.refresh(context.Background()); err != nil {
				hc.logger.Warn("Readiness check failed", zap.Error(err))
			}
		case <-hc.stopCh:
			return
		}
	}
}

// IsReady returns the cached readiness verdict.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady overrides the readiness verdict. Intended for tests.
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

func copyChecks(checks map[string]string) map[string]string {
	out := make(map[string]string, len(checks))
	for name, status := range checks {
		out[name] = status
	}
	return out
}
