package dedup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/errors"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/metrics"
	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// Fn computes the response for one deduplicated key.
type Fn func(ctx context.Context) (*model.SearchResponse, error)

type pendingRequest struct {
	done      chan struct{}
	result    *model.SearchResponse
	err       error
	startedAt time.Time
	waiters   int

	settleOnce sync.Once
}

func (p *pendingRequest) settle(result *model.SearchResponse, err error) {
	p.settleOnce.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Coordinator collapses concurrent identical requests onto one in-flight
// execution. The first caller starts the work; later callers attach to the
// pending entry and receive the same outcome. Execution is detached from the
// initiating caller's context so one impatient client cannot fail the rest,
// and is bounded by the coordinator timeout, after which every attached
// caller receives a deadline error and the entry is dropped.
type Coordinator struct {
	timeout time.Duration
	prom    *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCoordinator creates a new deduplication coordinator. prom may be nil
// when Prometheus exposition is disabled.
func NewCoordinator(timeout time.Duration, prom *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		timeout: timeout,
		prom:    prom,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Execute runs fn under key, collapsing concurrent callers onto one
// execution. shared reports whether this caller attached to an existing
// in-flight entry. The returned response is a private copy.
func (c *Coordinator) Execute(ctx context.Context, key string, fn Fn) (result *model.SearchResponse, shared bool, err error) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		p.waiters++
		c.mu.Unlock()

		if c.prom != nil {
			c.prom.RecordDedupAttached()
		}
		c.logger.Debug("Attached to in-flight request", zap.String("key", key))

		return c.wait(ctx, p, true)
	}

	p := &pendingRequest{
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	c.pending[key] = p
	inflight := len(c.pending)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.UpdateInflight(inflight)
	}

	// The execution context survives the initiating caller but is bounded
	// by the coordinator timeout.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)

	timer := time.AfterFunc(c.timeout, func() {
		c.expire(key, p)
	})

	go func() {
		defer cancel()
		defer timer.Stop()

		response, fnErr := fn(runCtx)
		p.settle(response, fnErr)
		c.remove(key, p)
	}()

	return c.wait(ctx, p, false)
}

// wait blocks until the entry settles or the caller's own context ends.
// A caller giving up does not affect the execution or the other waiters.
func (c *Coordinator) wait(ctx context.Context, p *pendingRequest, shared bool) (*model.SearchResponse, bool, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, shared, p.err
		}
		return p.result.Clone(), shared, nil
	case <-ctx.Done():
		return nil, shared, ctx.Err()
	}
}

// expire settles a timed-out entry with a deadline error and removes it so
// the next identical request starts fresh.
func (c *Coordinator) expire(key string, p *pendingRequest) {
	c.mu.Lock()
	waiters := p.waiters
	c.mu.Unlock()

	p.settle(nil, apperrors.New(apperrors.ErrorCodeDeadlineExceeded, "request timed out while in flight"))
	c.remove(key, p)

	if c.prom != nil {
		c.prom.RecordDedupTimeout()
	}
	c.logger.Warn("In-flight request timed out",
		zap.String("key", key),
		zap.Duration("timeout", c.timeout),
		zap.Int("waiters", waiters))
}

// remove drops the entry if it is still the one registered under key.
func (c *Coordinator) remove(key string, p *pendingRequest) {
	c.mu.Lock()
	if current, ok := c.pending[key]; ok && current == p {
		delete(c.pending, key)
	}
	inflight := len(c.pending)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.UpdateInflight(inflight)
	}
}

// InflightCount returns the number of distinct keys currently executing.
func (c *Coordinator) InflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaiterCount returns how many callers attached to key beyond the initiator.
func (c *Coordinator) WaiterCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[key]; ok {
		return p.waiters
	}
	return 0
}
