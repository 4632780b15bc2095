// Package workerpool bounds the concurrency of background message
// processing, e.g. applying pharmacy directory updates.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work.
type Job struct {
	ID      string
	Payload any
}

// JobFunc processes one job. A returned error triggers a retry until the
// attempt budget is spent.
type JobFunc func(ctx context.Context, job *Job) error

// Config holds pool settings.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the backlog; Submit fails when it is full.
	QueueSize int
	// MaxRetries per job after the first attempt.
	MaxRetries int
	// RetryDelay is the base delay between attempts, scaled linearly.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for directory update streams.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Errors returned by Submit.
var (
	ErrQueueFull    = errors.New("job queue is full")
	ErrShuttingDown = errors.New("pool is shutting down")
)

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	config Config
	fn     JobFunc
	logger *zap.Logger

	jobs chan *Job
	wg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	completed int64
	failed    int64
	retried   int64
}

// New creates a pool.
func New(cfg Config, fn JobFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("job function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan *Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a job without blocking. After Stop it fails with
// ErrShuttingDown instead of sending on the closed queue.
func (p *Pool) Submit(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrShuttingDown
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for in-flight jobs, bounded by the
// shutdown timeout. Submitters hold the mutex while sending, so the queue
// is only closed once every racing Submit has either finished or seen the
// stop. Stop is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.runJob(id, job)
	}
}

func (p *Pool) runJob(workerID int, job *Job) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&p.retried, 1)
			select {
			case <-p.ctx.Done():
				// Shutting down: skip the backoff so the drain stays fast,
				// the remaining attempts still run.
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}

		lastErr = p.fn(p.ctx, job)
		if lastErr == nil {
			atomic.AddInt64(&p.completed, 1)
			return
		}
	}

	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Int("worker_id", workerID),
		zap.Int("attempts", p.config.MaxRetries+1),
		zap.Error(lastErr))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Completed int64
	Failed    int64
	Retried   int64
	Backlog   int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
		Backlog:   len(p.jobs),
	}
}
