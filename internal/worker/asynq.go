// ABOUTME: Dispatcher backed by github.com/hibiken/asynq and Redis
// ABOUTME: Lets several gateway instances share one task queue

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/2389/concierge/internal/metrics"
)

// DefaultQueue is the asynq queue used when none is configured.
const DefaultQueue = "concierge"

// AsynqConfig configures an AsynqDispatcher.
type AsynqConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
}

// AsynqDispatcher enqueues tasks in Redis and runs an asynq server to
// consume them. Tasks are enqueued with MaxRetry(0): each runs at most once.
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	queue  string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]bool
	closed   bool
}

// NewAsynqDispatcher parses the Redis URL and builds the client and server.
// No connection is made until the first Dispatch or Run.
func NewAsynqDispatcher(cfg AsynqConfig, logger *slog.Logger) (*AsynqDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("asynq: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	logger = logger.With("component", "asynq")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      &asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			metrics.TasksProcessed.WithLabelValues(task.Type(), outcomeError).Inc()
			logger.Error("task failed", "task_type", task.Type(), "error", err)
		}),
	})

	return &AsynqDispatcher{
		client:   asynq.NewClient(opt),
		server:   srv,
		mux:      asynq.NewServeMux(),
		queue:    cfg.Queue,
		logger:   logger,
		handlers: make(map[string]bool),
	}, nil
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

// Register binds a handler to a task type on this instance's server.
func (d *AsynqDispatcher) Register(taskType string, h Handler) {
	d.mu.Lock()
	d.handlers[taskType] = true
	d.mu.Unlock()

	d.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		if err := h(ctx, Task{Type: t.Type(), Payload: t.Payload()}); err != nil {
			// handler errors are final; skip asynq's retry bookkeeping
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		metrics.TasksProcessed.WithLabelValues(t.Type(), outcomeOK).Inc()
		return nil
	})
}

// Dispatch enqueues a task in Redis.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.RLock()
	closed := d.closed
	_, known := d.handlers[task.Type]
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}

	info, err := d.client.EnqueueContext(ctx,
		asynq.NewTask(task.Type, task.Payload),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	d.logger.Debug("task enqueued", "task_type", task.Type, "task_id", info.ID)
	return nil
}

// Run starts the asynq server and blocks until ctx is cancelled.
func (d *AsynqDispatcher) Run(ctx context.Context) error {
	if err := d.server.Start(d.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.logger.Info("asynq server started", "queue", d.queue)

	<-ctx.Done()
	d.server.Shutdown()
	d.logger.Info("asynq server stopped")
	return nil
}

// Close stops accepting tasks and closes the Redis client.
func (d *AsynqDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.client.Close()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
