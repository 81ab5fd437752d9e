package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of dispatch work, keyed for logging.
type Job struct {
	Key string
	Run func(context.Context) error
}

// Pool is a bounded set of workers draining a job queue. Jobs that panic
// are recovered and counted as failures so one bad job cannot take a
// worker down.
type Pool struct {
	name    string
	workers int
	queue   chan Job
	logger  *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a pool and starts its workers.
func New(name string, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan Job, queueSize),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", name),
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.queue:
			p.run(id, job)
		}
	}
}

func (p *Pool) run(workerID int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.recoverRun(job)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", job.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	p.completed.Add(1)
	p.logger.Debug("Job completed",
		zap.String("pool", p.name),
		zap.String("key", job.Key),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) recoverRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(context.Background())
}

// Submit enqueues a job without blocking. Returns an error when the pool is
// stopped or the queue is full.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return fmt.Errorf("pool %q is stopped", p.name)
	default:
	}

	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("pool %q queue is full", p.name)
	}
}

// SubmitWait enqueues a job, blocking until accepted, the pool stops or ctx
// ends.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return fmt.Errorf("pool %q is stopped", p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	}
}

// Stop stops the workers, waiting up to timeout for in-progress jobs.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("pool %q stop timed out after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timed out", zap.String("pool", p.name))
		}
	})
	return err
}

// Stats reports pool counters.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Queued    int    `json:"queued"`
	Submitted int64  `json:"submitted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Rejected  int64  `json:"rejected"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    p.active.Load(),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
