// ============================================================================
// embedbot worker pool - bounded fetch executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Run blocking source fetches on a fixed number of goroutines
//
// Design:
//   A fixed set of Worker goroutines reads from a shared task channel and
//   writes to a shared result channel. The worker count bounds concurrent
//   outbound connections and headless browser sessions (1..4).
//
//   ┌─────────────┐
//   │ Controller  │ --Do(tasks)--> taskCh
//   └─────────────┘
//         ↑
//      []Result (in task order)
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(bufferSize)
//   2. Start(n)       start n workers
//   3. Do(ctx, tasks) run a batch and collect its results
//   4. Stop()         cancel in-flight tasks, wait for workers
//
// Cancellation:
//   Every task runs under context.WithTimeout(poolCtx, task.Timeout); Stop
//   cancels poolCtx so fetches in progress return promptly. The task channel
//   is never closed; workers exit on stopCh, so Submit racing Stop returns
//   ErrPoolClosed instead of panicking.
//
// Do is meant for a single caller (the cycle runner) at a time.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPoolClosed means the pool has been stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start has not been called
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages a fixed set of workers
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	batchMu  sync.Mutex // one Do at a time
	batchSeq uint64
}

// NewPool creates a pool whose channels buffer bufferSize items.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues one task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult waits for the next result.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case r := <-p.resultCh:
		return r, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Do runs tasks on the pool and returns their results in task order.
// When ctx ends or the pool stops first, results not yet received carry
// that error.
func (p *Pool) Do(ctx context.Context, tasks []Task) ([]Result, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	if !p.IsStarted() {
		return nil, ErrPoolNotStarted
	}

	results := make([]Result, len(tasks))
	done := make([]bool, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
		results[i] = Result{ID: t.ID}
	}

	// submit from a separate goroutine so a small buffer cannot deadlock
	// against workers blocked on a full result channel
	p.batchSeq++
	batch := p.batchSeq
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for _, t := range tasks {
			t.ctx = batchCtx
			t.batch = batch
			if err := p.Submit(t); err != nil {
				return
			}
		}
	}()

	var outErr error
	for received := 0; received < len(tasks); {
		r, err := p.ReceiveResult(ctx)
		if err != nil {
			outErr = err
			break
		}
		// late results of an abandoned batch are dropped
		i, ok := index[r.ID]
		if r.batch != batch || !ok || done[i] {
			continue
		}
		results[i] = r
		done[i] = true
		received++
	}

	if outErr != nil {
		for i := range results {
			if !done[i] {
				results[i].Err = outErr
			}
		}
	}
	return results, outErr
}

// Stop cancels running tasks and waits for all workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.cancel()
	close(p.stopCh)
	if started {
		p.wg.Wait()
	}
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded and Stop was not called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
