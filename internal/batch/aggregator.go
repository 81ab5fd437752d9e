package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/util/workerpool"
)

// Outcome is the per-member result of a processed batch.
type Outcome struct {
	Response *model.SearchResponse
	Err      error
}

// Handler processes one flushed batch. Queries share a normalized term but
// may differ in pagination, filters and sources. The returned slice must
// align with queries by index; partial failure is expressed per member.
type Handler func(ctx context.Context, queries []model.SearchQuery) []Outcome

type member struct {
	query   model.SearchQuery
	outcome chan Outcome
}

type queue struct {
	key     string
	members []*member
	timer   *time.Timer
	opened  time.Time
}

// Config holds batch aggregation tuning
type Config struct {
	Size           int
	Window         time.Duration
	ProcessTimeout time.Duration
	Workers        int
	QueueSize      int
}

// Aggregator groups near-simultaneous queries for the same term into one
// backend execution. A queue flushes when it reaches the size threshold or
// when its window timer fires, whichever comes first. Once a queue moves to
// processing, later arrivals for the same term open a fresh queue.
type Aggregator struct {
	cfg     Config
	handler Handler
	pool    *workerpool.Pool
	prom    *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	stopped bool
}

// NewAggregator creates a new batch window aggregator. prom may be nil when
// Prometheus exposition is disabled.
func NewAggregator(cfg Config, handler Handler, prom *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 100 * time.Millisecond
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 10 * time.Second
	}

	return &Aggregator{
		cfg:     cfg,
		handler: handler,
		pool:    workerpool.New("batch-flush", cfg.Workers, cfg.QueueSize, logger),
		prom:    prom,
		logger:  logger,
		queues:  make(map[string]*queue),
	}
}

// Join enrolls query in the batch for its term and blocks until the batch
// is processed or ctx ends. After Stop, queries are processed individually.
func (a *Aggregator) Join(ctx context.Context, query model.SearchQuery) (*model.SearchResponse, error) {
	m := &member{
		query:   query,
		outcome: make(chan Outcome, 1),
	}
	key := query.BatchKey()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.process(key, []*member{m}, "direct")
		return a.await(ctx, m)
	}

	q, ok := a.queues[key]
	if !ok {
		q = &queue{key: key, opened: time.Now()}
		q.timer = time.AfterFunc(a.cfg.Window, func() {
			a.flush(key, q, "window")
		})
		a.queues[key] = q
		a.logger.Debug("Opened batch window", zap.String("key", key))
	}
	q.members = append(q.members, m)
	full := len(q.members) >= a.cfg.Size
	if full {
		delete(a.queues, key)
	}
	a.mu.Unlock()

	if full {
		q.timer.Stop()
		a.dispatch(q, "size")
	}

	return a.await(ctx, m)
}

// await blocks until the member settles or the caller's context ends. A
// caller giving up leaves its slot in the batch; the outcome is discarded.
func (a *Aggregator) await(ctx context.Context, m *member) (*model.SearchResponse, error) {
	select {
	case outcome := <-m.outcome:
		return outcome.Response, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flush is the window-timer path. The queue may already have been flushed
// by the size trigger, in which case the map no longer holds it.
func (a *Aggregator) flush(key string, q *queue, reason string) {
	a.mu.Lock()
	current, ok := a.queues[key]
	if !ok || current != q {
		a.mu.Unlock()
		return
	}
	delete(a.queues, key)
	a.mu.Unlock()

	a.dispatch(q, reason)
}

// dispatch hands a flushed queue to the worker pool, falling back to inline
// processing when the pool cannot accept it.
func (a *Aggregator) dispatch(q *queue, reason string) {
	members := q.members

	a.logger.Debug("Flushing batch",
		zap.String("key", q.key),
		zap.Int("size", len(members)),
		zap.String("reason", reason),
		zap.Duration("window_age", time.Since(q.opened)))

	job := workerpool.Job{
		Key: q.key,
		Run: func(context.Context) error {
			a.process(q.key, members, reason)
			return nil
		},
	}
	if err := a.pool.Submit(job); err != nil {
		a.logger.Warn("Batch pool saturated, processing inline",
			zap.String("key", q.key),
			zap.Error(err))
		a.process(q.key, members, reason)
	}
}

// process runs the handler for a flushed batch and settles every member.
// The handler runs under its own deadline, detached from any single caller.
func (a *Aggregator) process(key string, members []*member, reason string) {
	if a.prom != nil {
		a.prom.RecordBatch(len(members), reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ProcessTimeout)
	defer cancel()

	queries := make([]model.SearchQuery, len(members))
	for i, m := range members {
		queries[i] = m.query
	}

	outcomes := a.safeHandle(ctx, queries)

	for i, m := range members {
		var outcome Outcome
		if i < len(outcomes) {
			outcome = outcomes[i]
		} else {
			outcome = Outcome{Err: apperrors.New(apperrors.ErrorCodeInternalError, "batch handler returned no outcome for member")}
		}
		m.outcome <- outcome
	}
}

// safeHandle shields members from a panicking handler; every member still
// receives an outcome.
func (a *Aggregator) safeHandle(ctx context.Context, queries []model.SearchQuery) (outcomes []Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Batch handler panicked", zap.Any("panic", r))
			outcomes = nil
		}
	}()
	return a.handler(ctx, queries)
}

// Stop flushes every collecting queue synchronously, then drains the pool.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	remaining := make([]*queue, 0, len(a.queues))
	for key, q := range a.queues {
		remaining = append(remaining, q)
		delete(a.queues, key)
	}
	a.mu.Unlock()

	for _, q := range remaining {
		q.timer.Stop()
		a.process(q.key, q.members, "shutdown")
	}

	if err := a.pool.Stop(a.cfg.ProcessTimeout); err != nil {
		a.logger.Warn("Batch pool stop", zap.Error(err))
	}
	a.logger.Info("Batch aggregator stopped", zap.Int("flushed_queues", len(remaining)))
}

// QueueCount returns the number of currently collecting queues.
func (a *Aggregator) QueueCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues)
}

// PoolStats reports the dispatch pool counters.
func (a *Aggregator) PoolStats() workerpool.Stats {
	return a.pool.Stats()
}
