package worker

// ============================================================================
// Worker pool tests
// Purpose: Verify bounded concurrency, ordering, timeouts and shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, workers int) *Pool {
	t.Helper()
	pool := NewPool(4)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

func constTask(id string, v any) Task {
	return Task{ID: id, Timeout: time.Second, Run: func(context.Context) (any, error) { return v, nil }}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(3))
	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(2), "second start must fail")

	pool.Stop()
	assert.False(t, pool.IsStarted())
	pool.Stop() // idempotent
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	assert.ErrorIs(t, pool.Submit(constTask("a", 1)), ErrPoolNotStarted)

	_, err := pool.Do(context.Background(), []Task{constTask("a", 1)})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(constTask("a", 1)), ErrPoolClosed)
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

// ============================================================================
// Batches
// ============================================================================

func TestDoReturnsResultsInTaskOrder(t *testing.T) {
	pool := startPool(t, 3)

	var tasks []Task
	for i := 0; i < 10; i++ {
		i := i
		tasks = append(tasks, Task{
			ID:      fmt.Sprintf("region-%d", i),
			Timeout: time.Second,
			Run: func(context.Context) (any, error) {
				time.Sleep(time.Duration(10-i) * time.Millisecond)
				return i, nil
			},
		})
	}

	results, err := pool.Do(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("region-%d", i), r.ID)
		assert.Equal(t, i, r.Value)
		assert.True(t, r.OK())
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	pool := startPool(t, 2)

	var running, peak atomic.Int32
	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task{
			ID: fmt.Sprintf("t%d", i),
			Run: func(context.Context) (any, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			},
		})
	}

	_, err := pool.Do(context.Background(), tasks)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTaskErrorIsIsolated(t *testing.T) {
	pool := startPool(t, 2)
	boom := errors.New("unreachable")

	results, err := pool.Do(context.Background(), []Task{
		constTask("a", "ok"),
		{ID: "b", Run: func(context.Context) (any, error) { return nil, boom }},
		constTask("c", "ok"),
	})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.NoError(t, results[2].Err)
}

func TestTaskTimeout(t *testing.T) {
	pool := startPool(t, 1)

	results, err := pool.Do(context.Background(), []Task{{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestPanicBecomesError(t *testing.T) {
	pool := startPool(t, 1)

	results, err := pool.Do(context.Background(), []Task{
		{ID: "bad", Run: func(context.Context) (any, error) { panic("parser exploded") }},
		constTask("good", 2),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrTaskPanic)
	assert.Equal(t, 2, results[1].Value, "worker survives a panic")
}

func TestDoCancelled(t *testing.T) {
	pool := startPool(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	results, err := pool.Do(ctx, []Task{{
		ID: "blocked",
		Run: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, results[0].Err, context.Canceled)

	// a later batch with the same IDs is not confused by the late result
	results, err = pool.Do(context.Background(), []Task{constTask("blocked", "fresh")})
	require.NoError(t, err)
	assert.Equal(t, "fresh", results[0].Value)
}

func TestStopCancelsRunningTasks(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	observed := make(chan error, 1)
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		ID: "long",
		Run: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			observed <- ctx.Err()
			return nil, ctx.Err()
		},
	}))

	<-started
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.ErrorIs(t, <-observed, context.Canceled)
}

func TestReceiveResult(t *testing.T) {
	pool := startPool(t, 1)
	require.NoError(t, pool.Submit(constTask("x", 7)))

	r, err := pool.ReceiveResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", r.ID)
	assert.Equal(t, 7, r.Value)
	assert.Greater(t, r.Duration, time.Duration(-1))
}
