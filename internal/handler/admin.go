package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cache"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/middleware"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/ttl"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/util/workerpool"
)

// defaultInvalidatePrefix clears every cached search response.
const defaultInvalidatePrefix = "search:v1:"

// Cluster is the gossip surface the admin endpoints use to propagate cache
// invalidations.
type Cluster interface {
	NodeID() string
	Members() []string
	BroadcastInvalidation(prefix string)
}

// ViewRefresher rebuilds the precomputed active-company search view.
type ViewRefresher interface {
	RefreshActiveView(ctx context.Context) error
}

// BatchStatsProvider reports the batch aggregator's worker pool counters.
type BatchStatsProvider interface {
	BatchStats() workerpool.Stats
}

// AdminHandlers serves the operational endpoints: query metrics, TTL
// patterns, cache control, cluster membership and system resources.
type AdminHandlers struct {
	recorder     *metrics.Recorder
	estimator    *ttl.Estimator
	store        cache.Store
	cluster      Cluster
	refresher    ViewRefresher
	batches      BatchStatsProvider
	errorHandler *apperrors.Handler
	logger       *zap.Logger
}

// NewAdminHandlers creates the admin endpoint handlers.
func NewAdminHandlers(
	recorder *metrics.Recorder,
	estimator *ttl.Estimator,
	store cache.Store,
	cluster Cluster,
	refresher ViewRefresher,
	batches BatchStatsProvider,
	errorHandler *apperrors.Handler,
	logger *zap.Logger,
) *AdminHandlers {
	return &AdminHandlers{
		recorder:     recorder,
		estimator:    estimator,
		store:        store,
		cluster:      cluster,
		refresher:    refresher,
		batches:      batches,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// QueryStats handles GET /api/v1/admin/metrics/queries requests.
func (h *AdminHandlers) QueryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.GetStats(), h.logger)
}

// QueryMetric handles GET /api/v1/admin/metrics/queries/{queryID} requests.
func (h *AdminHandlers) QueryMetric(w http.ResponseWriter, r *http.Request) {
	queryID := mux.Vars(r)["queryID"]

	stat, ok := h.recorder.GetQueryMetric(queryID)
	if !ok {
		h.errorHandler.WriteNotFound(w, "no metrics recorded for this query", middleware.GetRequestID(r))
		return
	}

	writeJSON(w, http.StatusOK, stat, h.logger)
}

// ResetQueryMetric handles DELETE /api/v1/admin/metrics/queries/{queryID}
// requests.
func (h *AdminHandlers) ResetQueryMetric(w http.ResponseWriter, r *http.Request) {
	queryID := mux.Vars(r)["queryID"]

	if !h.recorder.Reset(queryID) {
		h.errorHandler.WriteNotFound(w, "no metrics recorded for this query", middleware.GetRequestID(r))
		return
	}

	h.logger.Info("Query metrics reset", zap.String("query_id", queryID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "query_id": queryID}, h.logger)
}

// ResetAllQueryMetrics handles DELETE /api/v1/admin/metrics/queries requests.
func (h *AdminHandlers) ResetAllQueryMetrics(w http.ResponseWriter, r *http.Request) {
	h.recorder.ResetAll()
	h.logger.Info("All query metrics reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"}, h.logger)
}

// Recommendations handles GET /api/v1/admin/metrics/recommendations requests.
func (h *AdminHandlers) Recommendations(w http.ResponseWriter, r *http.Request) {
	recommendations := h.recorder.GetOptimizationRecommendations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":           len(recommendations),
		"recommendations": recommendations,
	}, h.logger)
}

// TTLPatterns handles GET /api/v1/admin/ttl/patterns requests.
func (h *AdminHandlers) TTLPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": h.estimator.Snapshot(),
	}, h.logger)
}

// CacheStats handles GET /api/v1/admin/cache/stats requests.
func (h *AdminHandlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats, h.logger)
}

type invalidateRequest struct {
	Prefix string `json:"prefix"`
}

type invalidateResponse struct {
	Status  string `json:"status"`
	Prefix  string `json:"prefix"`
	Removed int    `json:"removed"`
}

// InvalidateCache handles POST /api/v1/admin/cache/invalidate requests. The
// purge is applied locally, then gossiped to the rest of the cluster.
func (h *AdminHandlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errorHandler.WriteValidationError(w, "invalid JSON body", requestID)
		return
	}
	if req.Prefix == "" {
		req.Prefix = defaultInvalidatePrefix
	}

	removed, err := h.store.InvalidatePrefix(r.Context(), req.Prefix)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.cluster.BroadcastInvalidation(req.Prefix)
	h.logger.Info("Cache invalidated",
		zap.String("prefix", req.Prefix),
		zap.Int("removed", removed),
		zap.String("request_id", requestID))

	writeJSON(w, http.StatusOK, invalidateResponse{
		Status:  "invalidated",
		Prefix:  req.Prefix,
		Removed: removed,
	}, h.logger)
}

// ClusterMembers handles GET /api/v1/admin/cluster/members requests.
func (h *AdminHandlers) ClusterMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": h.cluster.NodeID(),
		"members": h.cluster.Members(),
	}, h.logger)
}

// BatchStats handles GET /api/v1/admin/batch/stats requests.
func (h *AdminHandlers) BatchStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.batches.BatchStats(), h.logger)
}

// SystemInfo handles GET /api/v1/admin/system requests.
func (h *AdminHandlers) SystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.CollectSystemMetrics(r.Context()), h.logger)
}

// RefreshSearchView handles POST /api/v1/admin/search-view/refresh requests.
func (h *AdminHandlers) RefreshSearchView(w http.ResponseWriter, r *http.Request) {
	if err := h.refresher.RefreshActiveView(r.Context()); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.Info("Search view refreshed", zap.String("request_id", middleware.GetRequestID(r)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"}, h.logger)
}
