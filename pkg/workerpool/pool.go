// Package workerpool runs tasks on a fixed number of goroutines fed by a
// bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned when submitting to a pool that no longer accepts work
var ErrClosed = errors.New("worker pool closed")

// Task is a unit of work
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the capacity of the task queue
	QueueSize int
}

// DefaultConfig returns defaults for a patient sweep
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 256,
	}
}

// Pool executes submitted tasks. A failed task is reported through the
// error callback and never stops the pool.
type Pool struct {
	config  Config
	logger  *zap.Logger
	onError func(task Task, err error)

	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	active    atomic.Int64
}

// New creates a pool. Start must be called before tasks are processed.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Pool{
		config: cfg,
		logger: logger,
		tasks:  make(chan Task, cfg.QueueSize),
	}
}

// OnError registers a callback for failed tasks. Call before Start.
func (p *Pool) OnError(fn func(task Task, err error)) {
	p.onError = fn
}

// Start launches the workers. Once ctx is cancelled, queued tasks are
// drained without running.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no function", task.ID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait stops accepting tasks and blocks until every queued task is done
func (p *Pool) Wait() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		if ctx.Err() != nil {
			p.skipped.Add(1)
			continue
		}

		p.active.Add(1)
		err := task.Run(ctx)
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
			p.logger.Debug("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
			if p.onError != nil {
				p.onError(task, err)
			}
			continue
		}
		p.completed.Add(1)
	}
}

// Stats holds pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Skipped   int64
	Active    int64
	Queued    int
	Workers   int
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Active:    p.active.Load(),
		Queued:    len(p.tasks),
		Workers:   p.config.Workers,
	}
}
