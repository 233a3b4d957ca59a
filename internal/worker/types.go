package worker

import (
	"context"
	"time"
)

// Task is one unit of blocking work, usually a region fetch
type Task struct {
	ID      string        // unique within a batch
	Timeout time.Duration // zero means no per-task deadline
	Run     func(ctx context.Context) (any, error)

	ctx   context.Context // batch context, set by Do
	batch uint64
}

// Result carries what a Task returned
type Result struct {
	ID       string
	Value    any
	Err      error
	Duration time.Duration

	batch uint64
}

// OK reports whether the task finished without error
func (r Result) OK() bool { return r.Err == nil }
