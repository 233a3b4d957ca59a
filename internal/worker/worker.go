// ============================================================================
// embedbot worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Execute tasks from the pool's channel, one at a time
//
// Each Worker is a goroutine looping on:
//   1. receive a task from taskCh (or exit on stopCh)
//   2. run it under a context bounded by the pool, the batch and Timeout
//   3. send the result to resultCh (or exit on stopCh)
//
// A panicking task is reported as an ErrTaskPanic result; it never takes
// the worker down with it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tontonpaa/EmbedBot/internal/logging"
)

var log = logging.New()

// ErrTaskPanic wraps a panic recovered while running a task
var ErrTaskPanic = errors.New("task panicked")

// Worker executes tasks read from the pool
type Worker struct {
	id       int
	ctx      context.Context // pool lifetime
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, ctx context.Context, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run loops until the pool stops.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{ID: task.ID, batch: task.batch}

	ctx, cancel := w.taskContext(task)
	defer cancel()

	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			log.Error("task panicked", "worker", w.id, "task", task.ID, "panic", r, "stack", string(debug.Stack()))
			result.Value = nil
			result.Err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	if task.Run == nil {
		result.Err = fmt.Errorf("task %s has no Run func", task.ID)
		return result
	}
	// skip work for a batch that was already abandoned
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	result.Value, result.Err = task.Run(ctx)
	return result
}

// taskContext derives the run context from the pool context, cancelled as
// well when the batch context ends, and bounded by task.Timeout.
func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(w.ctx)
	stop := func() bool { return true }
	if task.ctx != nil {
		stop = context.AfterFunc(task.ctx, cancel)
	}
	if task.Timeout <= 0 {
		return ctx, func() { stop(); cancel() }
	}
	tctx, tcancel := context.WithTimeout(ctx, task.Timeout)
	return tctx, func() { tcancel(); stop(); cancel() }
}
