// Package main provides the entry point for the company search service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/batch"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cache"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cluster"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/config"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/dedup"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/handler"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/health"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/search"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/server"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/source"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/ttl"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting company search service",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("cluster_enabled", cfg.Cluster.Enabled))

	// Authoritative company store.
	if cfg.Database.MigrateOnStart {
		if err := source.MigrateUp(cfg.Database.PlainDSN(), logger); err != nil {
			logger.Fatal("Failed to run database migrations", zap.Error(err))
		}
	}
	localStore, err := source.NewLocalStore(cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Telemetry.
	var prom *metrics.Metrics
	if cfg.Metrics.Enabled {
		prom = metrics.NewMetrics()
	}
	recorder := metrics.NewRecorder(metrics.RecorderConfig{
		SlowQueryThreshold: cfg.Metrics.SlowQueryThreshold,
		VerySlowThreshold:  cfg.Metrics.VerySlowThreshold,
		SlowRetention:      cfg.Metrics.SlowRetention,
		PruneInterval:      cfg.Metrics.PruneInterval,
		ErrorAlertRate:     cfg.Metrics.ErrorAlertRate,
		ErrorAlertFloor:    cfg.Metrics.ErrorAlertFloor,
		TopN:               cfg.Metrics.TopN,
	}, prom, logger)
	recorder.Start()

	estimator := ttl.NewEstimator(ttl.EstimatorConfig{
		BaseTTL:          cfg.Cache.BaseTTL,
		MinTTL:           cfg.Cache.MinTTL,
		MaxTTL:           cfg.Cache.MaxTTL,
		HotThreshold:     int64(cfg.Cache.HotThreshold),
		WarmThreshold:    int64(cfg.Cache.WarmThreshold),
		HotFactor:        cfg.Cache.HotFactor,
		WarmFactor:       cfg.Cache.WarmFactor,
		ColdFactor:       cfg.Cache.ColdFactor,
		PatternWindow:    cfg.Cache.PatternWindow,
		PatternRetention: cfg.Cache.PatternRetention,
		PruneInterval:    cfg.Cache.PruneInterval,
	}, prom, logger)
	estimator.Start()

	// Result cache.
	var store cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		store, err = cache.NewRedisStore(cache.RedisOptions{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Cache.KeyPrefix,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, prom, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	default:
		store = cache.NewMemoryStore(cfg.Cache.MaxEntries, cfg.Cache.SweepInterval, prom, logger)
	}

	// Relevance scoring.
	policies, err := search.NewPolicyManager(cfg.Search.ScoringPolicyPath, logger)
	if err != nil {
		logger.Fatal("Failed to load scoring policy", zap.Error(err))
	}
	if cfg.Search.PolicyReload {
		if err := policies.Start(); err != nil {
			logger.Warn("Scoring policy hot reload unavailable", zap.Error(err))
		}
	}

	// Upstream registries.
	var registries []source.Registry
	if cfg.Sources.RegistryA.Enabled {
		registries = append(registries, source.NewRegistryAClient(registryClientConfig(cfg.Sources.RegistryA, cfg.Sources.RequestTimeout), logger))
	}
	if cfg.Sources.RegistryB.Enabled {
		registries = append(registries, source.NewRegistryBClient(registryClientConfig(cfg.Sources.RegistryB, cfg.Sources.RequestTimeout), logger))
	}

	// Search pipeline.
	svc := search.NewService(search.ServiceConfig{
		DefaultLimit:  cfg.Search.DefaultLimit,
		MaxLimit:      cfg.Search.MaxResults,
		MaxFetch:      cfg.Batch.MaxFetch,
		FanoutTimeout: cfg.Sources.FanoutTimeout,
		Batch: batch.Config{
			Size:      cfg.Batch.Size,
			Window:    cfg.Batch.Window,
			Workers:   cfg.Batch.Workers,
			QueueSize: cfg.Batch.QueueSize,
		},
	},
		search.NewSelector(localStore, prom, logger),
		registries,
		store,
		estimator,
		dedup.NewCoordinator(cfg.Dedup.Timeout, prom, logger),
		search.NewMerger(policies, logger),
		recorder,
		prom,
		logger,
	)

	// Cluster gossip for cache invalidations.
	broadcaster, err := cluster.NewBroadcaster(cluster.Config{
		Enabled:        cfg.Cluster.Enabled,
		NodeID:         cfg.Cluster.NodeName,
		BindAddr:       cfg.Cluster.BindAddr,
		BindPort:       cfg.Cluster.BindPort,
		SeedNodes:      cfg.Cluster.Peers,
		RetransmitMult: cfg.Cluster.RetransmitMult,
	}, store, logger)
	if err != nil {
		logger.Fatal("Failed to start cluster gossip", zap.Error(err))
	}

	healthCheck := health.NewHealthCheck(map[string]health.Checker{
		"postgres": localStore.Ping,
		"cache":    store.Ping,
	}, 5*time.Second, logger)
	healthCheck.Start()

	errorHandler := apperrors.NewHandler(logger)
	httpServer := server.NewServer(cfg,
		handler.NewSearchHandlers(svc, errorHandler, logger),
		handler.NewAdminHandlers(recorder, estimator, store, broadcaster, localStore, svc, errorHandler, logger),
		healthCheck,
		errorHandler,
		logger,
	)
	httpServer.SetupRoutes()

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}

	healthCheck.Stop()
	svc.Stop()
	if err := broadcaster.Shutdown(); err != nil {
		logger.Error("Failed to leave cluster", zap.Error(err))
	}
	policies.Stop()
	estimator.Stop()
	recorder.Stop()
	if err := store.Close(); err != nil {
		logger.Error("Failed to close result cache", zap.Error(err))
	}
	localStore.Close()

	logger.Info("Shutdown complete")
}

// registryClientConfig maps one registry's settings to the client config,
// falling back to the shared request timeout.
func registryClientConfig(rc config.RegistryConfig, defaultTimeout time.Duration) source.ClientConfig {
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return source.ClientConfig{
		BaseURL:   rc.BaseURL,
		APIKey:    rc.APIKey,
		Timeout:   timeout,
		RateRPS:   rc.RateRPS,
		RateBurst: rc.RateBurst,
	}
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
