// Package task runs named background jobs on a fixed worker pool and routes
// every result back to the caller that submitted it, matched by correlation
// id. WebSocket callers get the result pushed later as an api frame; HTTP
// callers hold their request open until the result lands or the deadline
// passes.
package task

import (
	"context"
	"errors"
	"time"
)

// Submission errors. Route handlers map these onto API errors; anything a
// worker itself produces stays inside Result.Err.
var (
	ErrUnknownTask          = errors.New("unknown task name")
	ErrQueueFull            = errors.New("task queue is full")
	ErrDuplicateCorrelation = errors.New("correlation id already in flight")
)

// Envelope is one submitted task.
type Envelope struct {
	ID            string
	Name          string
	Payload       map[string]any
	CorrelationID string
	OriginFD      int // 0 when the origin is a plain HTTP request
	EnqueuedAt    time.Time
}

// Result is what a worker produced for one envelope. Err carries the
// internal cause; it is logged, never shown to clients.
type Result struct {
	CorrelationID string
	OriginFD      int
	Status        int
	Data          any
	Err           string
	Worker        int
}

// Failed reports whether the worker ended in an error.
func (r Result) Failed() bool { return r.Err != "" }

// Handler executes one named task. The context carries the worker deadline.
type Handler func(ctx context.Context, payload map[string]any) (any, error)

// Notifier pushes a finished result to the connection that submitted it.
// The gateway hub implements it; delivery is best-effort since the
// connection may already be gone.
type Notifier interface {
	TaskResult(fd int, r Result) bool
}
