// Package server provides the HTTP server for the company search service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/config"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/handler"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/health"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/middleware"
)

// Server hosts the public search API and, on a separate listener, the
// Prometheus exposition endpoint.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	metricsServer *http.Server
	search        *handler.SearchHandlers
	admin         *handler.AdminHandlers
	healthCheck   *health.HealthCheck
	errorHandler  *apperrors.Handler
	logger        *zap.Logger
	cfg           *config.Config
}

// NewServer creates the HTTP server around the prepared handlers.
func NewServer(
	cfg *config.Config,
	search *handler.SearchHandlers,
	admin *handler.AdminHandlers,
	healthCheck *health.HealthCheck,
	errorHandler *apperrors.Handler,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		search:       search,
		admin:        admin,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
	}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return s
}

// SetupRoutes configures the middleware chain and all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS([]string{"*"}),
	}

	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.Server.RateLimitRPS,
			s.cfg.Server.RateLimitBurst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}
	if s.cfg.Server.RequestTimeout > 0 {
		middlewareChain = append(middlewareChain, middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// The static search path must be registered before the identifier
	// pattern, which would otherwise capture it.
	v1.HandleFunc("/companies/search", s.search.Search).Methods(http.MethodGet)
	v1.HandleFunc("/companies/{identifier}", s.search.GetCompany).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/metrics/queries", s.admin.QueryStats).Methods(http.MethodGet)
	admin.HandleFunc("/metrics/queries", s.admin.ResetAllQueryMetrics).Methods(http.MethodDelete)
	admin.HandleFunc("/metrics/queries/{queryID}", s.admin.QueryMetric).Methods(http.MethodGet)
	admin.HandleFunc("/metrics/queries/{queryID}", s.admin.ResetQueryMetric).Methods(http.MethodDelete)
	admin.HandleFunc("/metrics/recommendations", s.admin.Recommendations).Methods(http.MethodGet)
	admin.HandleFunc("/ttl/patterns", s.admin.TTLPatterns).Methods(http.MethodGet)
	admin.HandleFunc("/cache/stats", s.admin.CacheStats).Methods(http.MethodGet)
	admin.HandleFunc("/cache/invalidate", s.admin.InvalidateCache).Methods(http.MethodPost)
	admin.HandleFunc("/cluster/members", s.admin.ClusterMembers).Methods(http.MethodGet)
	admin.HandleFunc("/batch/stats", s.admin.BatchStats).Methods(http.MethodGet)
	admin.HandleFunc("/system", s.admin.SystemInfo).Methods(http.MethodGet)
	admin.HandleFunc("/search-view/refresh", s.admin.RefreshSearchView).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apperrors.ErrorCodeInvalidRequest, "endpoint not found", requestID)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.ErrorCodeInvalidRequest, "method not allowed", requestID)
	})
}

// Start serves HTTP traffic until Shutdown is called. When metrics are
// enabled the exposition listener runs alongside on its own port.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		go func() {
			s.logger.Info("Starting metrics server", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully drains both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured router. Intended for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
