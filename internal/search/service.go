package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/batch"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/cache"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/dedup"
	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/source"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/ttl"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/util/workerpool"
)

// ServiceConfig holds search orchestration tuning
type ServiceConfig struct {
	DefaultLimit  int
	MaxLimit      int
	MaxFetch      int
	FanoutTimeout time.Duration
	Batch         batch.Config
}

// Service orchestrates a search: pattern observation, request deduplication,
// cache lookup, batch aggregation, tiered local queries fanned out with the
// external registries, merging and ranking, then adaptive-TTL caching.
type Service struct {
	cfg         ServiceConfig
	selector    *Selector
	registries  []source.Registry
	store       cache.Store
	estimator   *ttl.Estimator
	coordinator *dedup.Coordinator
	batches     *batch.Aggregator
	merger      *Merger
	recorder    *metrics.Recorder
	prom        *metrics.Metrics
	logger      *zap.Logger
}

// NewService creates the search service and its batch aggregator. prom may
// be nil when Prometheus exposition is disabled.
func NewService(
	cfg ServiceConfig,
	selector *Selector,
	registries []source.Registry,
	store cache.Store,
	estimator *ttl.Estimator,
	coordinator *dedup.Coordinator,
	merger *Merger,
	recorder *metrics.Recorder,
	prom *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = 100
	}
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = 8 * time.Second
	}

	s := &Service{
		cfg:         cfg,
		selector:    selector,
		registries:  registries,
		store:       store,
		estimator:   estimator,
		coordinator: coordinator,
		merger:      merger,
		recorder:    recorder,
		prom:        prom,
		logger:      logger,
	}
	s.batches = batch.NewAggregator(cfg.Batch, s.processBatch, prom, logger)
	return s
}

// Stop flushes and stops the batch aggregator.
func (s *Service) Stop() {
	s.batches.Stop()
}

// BatchStats reports the batch aggregator's worker pool counters.
func (s *Service) BatchStats() workerpool.Stats {
	return s.batches.PoolStats()
}

// Search runs one company search end to end.
func (s *Service) Search(ctx context.Context, raw model.SearchQuery) (*model.SearchResponse, error) {
	query := raw.Normalize(s.cfg.DefaultLimit, s.cfg.MaxLimit)
	if query.Term == "" {
		return nil, apperrors.New(apperrors.ErrorCodeInvalidRequest, "search term is required")
	}

	start := time.Now()
	s.estimator.Observe(query.PatternKey())

	response, shared, err := s.coordinator.Execute(ctx, query.Key(), func(runCtx context.Context) (*model.SearchResponse, error) {
		return s.resolve(runCtx, query)
	})

	duration := time.Since(start)
	queryID := query.PatternKey() + ":" + query.Term

	if err != nil {
		s.recorder.Record(queryID, duration, false, err)
		if s.prom != nil {
			s.prom.RecordSearch(string(query.Class()), "none", "error", duration.Seconds())
			s.prom.RecordSearchError(string(query.Class()), string(apperrors.CodeOf(err)))
		}
		return nil, err
	}

	cached := response.Performance.Cached
	s.recorder.Record(queryID, duration, cached || shared, nil)
	if s.prom != nil {
		cacheLabel := "miss"
		switch {
		case cached:
			cacheLabel = "hit"
		case shared:
			cacheLabel = "coalesced"
		}
		strategy := response.Performance.Strategy
		if strategy == "" {
			strategy = "none"
		}
		s.prom.RecordSearch(string(query.Class()), strategy, cacheLabel, duration.Seconds())
	}

	response.Performance.DurationMs = duration.Milliseconds()
	response.Performance.QueryClass = string(query.Class())
	return response, nil
}

// Lookup fetches one company by identifier, reusing the search pipeline so
// lookups share its caching, deduplication and fan-out behavior.
func (s *Service) Lookup(ctx context.Context, rawIdentifier string) (*model.SearchResponse, error) {
	identifier := model.CanonicalIdentifier(digitsOf(rawIdentifier))
	if identifier == "" {
		return nil, apperrors.New(apperrors.ErrorCodeInvalidRequest, "identifier must contain at least 9 digits")
	}

	response, err := s.Search(ctx, model.SearchQuery{Term: identifier, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(response.Results) == 0 {
		return nil, apperrors.Newf(apperrors.ErrorCodeNotFound, "company %s not found", identifier)
	}
	return response, nil
}

// resolve serves one deduplicated execution: cache first, then the batch
// window. Cache failures degrade to a fetch, never to a request failure.
func (s *Service) resolve(ctx context.Context, query model.SearchQuery) (*model.SearchResponse, error) {
	cached, found, err := s.store.Get(ctx, query.Key())
	if err != nil {
		s.logger.Warn("Cache read failed",
			zap.String("key", query.Key()),
			zap.Error(err))
	} else if found {
		cached.Performance.Cached = true
		return cached, nil
	}

	return s.batches.Join(ctx, query)
}

// processBatch serves one flushed batch: a single broad fetch across every
// source, then per-member shaping, so five near-simultaneous searches for
// the same term cost one backend execution.
func (s *Service) processBatch(ctx context.Context, queries []model.SearchQuery) []batch.Outcome {
	broad := broadestOf(queries, s.cfg.MaxFetch)

	merged, strategy, sourceErrs, err := s.fetchAndMerge(ctx, broad)

	outcomes := make([]batch.Outcome, len(queries))
	if err != nil {
		for i := range outcomes {
			outcomes[i] = batch.Outcome{Err: err}
		}
		return outcomes
	}

	for i, query := range queries {
		results := merged
		if query.ActiveOnly {
			results = FilterActive(results)
		}
		total := len(results)

		response := &model.SearchResponse{
			Success: true,
			Results: Paginate(results, query.Limit, query.Offset),
			Pagination: model.Pagination{
				Limit:  query.Limit,
				Offset: query.Offset,
				Total:  total,
			},
			Performance: model.Performance{
				Strategy:   strategy,
				QueryClass: string(query.Class()),
			},
			Errors: sourceErrs,
		}
		outcomes[i] = batch.Outcome{Response: response}

		// Degraded responses are not cached; a recovered source should be
		// visible on the next fetch.
		if len(sourceErrs) == 0 {
			cacheTTL := s.estimator.EstimateTTL(query.PatternKey())
			if err := s.store.Set(ctx, query.Key(), response, cacheTTL); err != nil {
				s.logger.Warn("Cache write failed",
					zap.String("key", query.Key()),
					zap.Error(err))
			}
		}
	}
	return outcomes
}

// fetchAndMerge fans out to the local tiers and every requested registry,
// tolerating per-source failure. The query fails outright only when the
// local tiers and every consulted external source all failed.
func (s *Service) fetchAndMerge(ctx context.Context, query model.SearchQuery) ([]model.MergedResult, string, []model.SourceError, error) {
	fanCtx, cancel := context.WithTimeout(ctx, s.cfg.FanoutTimeout)
	defer cancel()

	var mu sync.Mutex
	bySource := make(map[model.Source][]model.SourceRecord)
	var sourceErrs []model.SourceError
	strategy := ""
	var localErr error
	externalSuccesses := 0

	var g errgroup.Group

	g.Go(func() error {
		records, tierName, err := s.selector.Execute(fanCtx, query)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			localErr = err
			sourceErrs = append(sourceErrs, toSourceError(model.SourceLocal, err))
			s.recordSource(model.SourceLocal, err)
			return nil
		}
		bySource[model.SourceLocal] = records
		strategy = tierName
		s.recordSource(model.SourceLocal, nil)
		return nil
	})

	for _, registry := range s.registries {
		registry := registry
		if !query.WantsSource(registry.Name()) {
			continue
		}

		g.Go(func() error {
			records, err := s.queryRegistry(fanCtx, registry, query)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sourceErrs = append(sourceErrs, toSourceError(registry.Name(), err))
				s.recordSource(registry.Name(), err)
				return nil
			}
			bySource[registry.Name()] = records
			externalSuccesses++
			s.recordSource(registry.Name(), nil)
			return nil
		})
	}

	g.Wait()

	if localErr != nil && externalSuccesses == 0 {
		return nil, "", sourceErrs, apperrors.Wrap(apperrors.ErrorCodeStrategyExhausted, "no source could serve the query", localErr)
	}

	sort.Slice(sourceErrs, func(i, j int) bool {
		return model.SourcePriority(sourceErrs[i].Source) < model.SourcePriority(sourceErrs[j].Source)
	})

	merged := s.merger.Merge(bySource, time.Now())
	return merged, strategy, sourceErrs, nil
}

func (s *Service) queryRegistry(ctx context.Context, registry source.Registry, query model.SearchQuery) ([]model.SourceRecord, error) {
	if query.Class() == model.QueryClassIdentifierExact {
		record, err := registry.Lookup(ctx, query.Term)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, nil
		}
		return []model.SourceRecord{*record}, nil
	}
	return registry.Search(ctx, query.Term, !query.ActiveOnly, query.Limit)
}

func (s *Service) recordSource(src model.Source, err error) {
	if s.prom == nil {
		return
	}
	if err != nil {
		s.prom.RecordSourceRequest(string(src), "error")
		s.prom.RecordSourceError(string(src), string(apperrors.CodeOf(err)))
		return
	}
	s.prom.RecordSourceRequest(string(src), "ok")
}

func toSourceError(src model.Source, err error) model.SourceError {
	return model.SourceError{
		Source:  src,
		Code:    string(apperrors.CodeOf(err)),
		Message: apperrors.MessageOf(err),
	}
}

// broadestOf widens member queries into one backend fetch: page zero through
// the deepest requested window, inactive records included if any member
// wants them, sources unioned.
func broadestOf(queries []model.SearchQuery, maxFetch int) model.SearchQuery {
	broad := queries[0]
	broad.Offset = 0

	need := 0
	activeOnly := true
	for _, q := range queries {
		if q.Offset+q.Limit > need {
			need = q.Offset + q.Limit
		}
		if !q.ActiveOnly {
			activeOnly = false
		}
	}
	if need > maxFetch {
		need = maxFetch
	}
	broad.Limit = need
	broad.ActiveOnly = activeOnly
	broad.Sources = unionSources(queries)
	return broad
}

// unionSources merges member source filters. An unrestricted member makes
// the whole batch unrestricted.
func unionSources(queries []model.SearchQuery) []model.Source {
	seen := make(map[model.Source]bool)
	var union []model.Source
	for _, q := range queries {
		if len(q.Sources) == 0 {
			return nil
		}
		for _, src := range q.Sources {
			if !seen[src] {
				seen[src] = true
				union = append(union, src)
			}
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	return union
}

func digitsOf(raw string) string {
	var digits []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	return string(digits)
}
