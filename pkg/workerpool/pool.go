// Package workerpool provides a bounded worker pool with retries and
// graceful draining.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned by TrySubmit when the queue has no room.
	ErrQueueFull = errors.New("task queue is full")
	// ErrShutdownTimeout is returned by Stop when workers did not drain in time.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Task is a unit of work. Done, if set, receives the final outcome.
type Task[T any] struct {
	ID      string
	Payload T
	Done    func(error)
}

// Handler processes one payload.
type Handler[T any] func(ctx context.Context, payload T) error

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
	// Retryable reports whether a failure should be retried. Nil retries
	// every error.
	Retryable func(error) bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs a fixed number of workers over a bounded queue.
type Pool[T any] struct {
	config  Config
	handler Handler[T]
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan Task[T]
	wg     sync.WaitGroup

	// stopping is canceled when Stop begins; work when draining gives up
	stopping   context.Context
	stop       context.CancelFunc
	work       context.Context
	cancelWork context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
	depth     atomic.Int64
}

// New creates a pool. Call Start to launch the workers.
func New[T any](cfg Config, fn Handler[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("handler is required")
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
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return true }
	}

	stopping, stop := context.WithCancel(context.Background())
	work, cancelWork := context.WithCancel(context.Background())

	return &Pool[T]{
		config:     cfg,
		handler:    fn,
		logger:     logger,
		tasks:      make(chan Task[T], cfg.QueueSize),
		stopping:   stopping,
		stop:       stop,
		work:       work,
		cancelWork: cancelWork,
	}, nil
}

// Start launches all workers.
func (p *Pool[T]) Start() {
	for i := range p.config.Workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool[T]) Submit(ctx context.Context, task Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues a task without blocking.
func (p *Pool[T]) TrySubmit(task Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues payload and waits for its outcome.
func (p *Pool[T]) SubmitWait(ctx context.Context, id string, payload T) error {
	done := make(chan error, 1)
	task := Task[T]{ID: id, Payload: payload, Done: func(err error) { done <- err }}
	if err := p.Submit(ctx, task); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, drains the queue and waits for the workers. If
// draining exceeds GracefulShutdownTimeout the in-flight contexts are
// canceled and ErrShutdownTimeout is returned.
func (p *Pool[T]) Stop() error {
	p.logger.Info("stopping worker pool")
	p.stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelWork()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancelWork()
		<-done
		p.logger.Warn("worker pool shutdown timed out")
		return ErrShutdownTimeout
	}
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		p.depth.Add(-1)
		p.process(id, task)
	}
}

func (p *Pool[T]) process(workerID int, task Task[T]) {
	err := p.runWithRetries(task)
	if err == nil {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(err))
	}
	if task.Done != nil {
		task.Done(err)
	}
}

func (p *Pool[T]) runWithRetries(task Task[T]) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := p.work.Err(); ctxErr != nil {
			return ctxErr
		}

		err = p.handler(p.work, task.Payload)
		if err == nil {
			return nil
		}
		if !p.config.Retryable(err) {
			return err
		}
		if attempt >= p.config.MaxRetries {
			return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-p.work.Done():
			return p.work.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     p.depth.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool[T]) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
