// ABOUTME: In-process worker pool backed by a buffered channel
// ABOUTME: Default dispatcher for single-instance deployments

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/concierge/internal/metrics"
)

// Task outcome labels.
const (
	outcomeOK     = "ok"
	outcomeError  = "error"
	outcomePanic  = "panic"
	outcomeNoSink = "unhandled"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers int
	Buffer  int
}

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	workers int
	queue   chan Task
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool

	wg sync.WaitGroup
}

// NewPool creates a pool. Zero values default to 4 workers and a buffer of 256.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Pool{
		workers:  cfg.Workers,
		queue:    make(chan Task, cfg.Buffer),
		logger:   logger.With("component", "worker_pool"),
		handlers: make(map[string]Handler),
	}
}

var _ Dispatcher = (*Pool)(nil)

// Register binds a handler to a task type, replacing any previous one.
func (p *Pool) Register(taskType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

// Dispatch queues a task without waiting for it to run.
func (p *Pool) Dispatch(_ context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.handlers[task.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks already
// queued are drained before it returns.
func (p *Pool) Run(ctx context.Context) error {
	// queued work outlives the caller's context
	taskCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(taskCtx)
	}
	p.logger.Info("worker pool started", "workers", p.workers)

	<-ctx.Done()
	_ = p.Close()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// Close stops accepting tasks. Workers exit after draining the queue.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.queue)
	return nil
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.queue {
		p.handle(ctx, task)
	}
}

func (p *Pool) handle(ctx context.Context, task Task) {
	p.mu.RLock()
	h, ok := p.handlers[task.Type]
	p.mu.RUnlock()
	if !ok {
		metrics.TasksProcessed.WithLabelValues(task.Type, outcomeNoSink).Inc()
		p.logger.Warn("no handler for task", "task_type", task.Type)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.TasksProcessed.WithLabelValues(task.Type, outcomePanic).Inc()
			p.logger.Error("task handler panicked", "task_type", task.Type, "panic", r)
		}
	}()

	if err := h(ctx, task); err != nil {
		metrics.TasksProcessed.WithLabelValues(task.Type, outcomeError).Inc()
		p.logger.Error("task failed", "task_type", task.Type, "error", err)
		return
	}
	metrics.TasksProcessed.WithLabelValues(task.Type, outcomeOK).Inc()
}
