// ABOUTME: Background task contract shared by the in-process pool and the asynq dispatcher
// ABOUTME: Task carries an opaque payload; handlers are registered per task type

package worker

import (
	"context"
	"errors"
)

var (
	// ErrUnknownTaskType is returned when no handler is registered for a task.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrQueueFull is returned when the in-process queue cannot take more work.
	ErrQueueFull = errors.New("task queue full")

	// ErrClosed is returned when dispatching to a dispatcher that has shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// Task is one unit of background work. Payload encoding is up to callers.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. Handlers run once; a returned error is logged
// and counted, never retried.
type Handler func(ctx context.Context, task Task) error

// Dispatcher hands tasks to background workers.
//
// Register every handler before Run. Dispatch must not block on the work
// itself. Run blocks until ctx is cancelled.
type Dispatcher interface {
	Register(taskType string, h Handler)
	Dispatch(ctx context.Context, task Task) error
	Run(ctx context.Context) error
	Close() error
}
