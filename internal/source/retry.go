// ============================================================================
// embedbot retry state machine
// ============================================================================
//
//   Init ──> Attempting ──ok──> Success
//               │  ▲
//             err │ (attempt < N, wait base*attempt)
//               ▼  │
//              Retry
//               │
//               └── attempt == N or ctx done ──> Exhausted
//
// Every attempt gets a fresh Session from the factory. The session is
// released on every way out of Attempting.
//
// ============================================================================

package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryState is a state of the retry state machine
type RetryState int

const (
	StateInit RetryState = iota
	StateAttempting
	StateRetry
	StateSuccess
	StateExhausted
)

func (s RetryState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAttempting:
		return "attempting"
	case StateRetry:
		return "retry"
	case StateSuccess:
		return "success"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a disposable resource used by one attempt
type Session interface {
	Release()
}

// SessionFactory opens a fresh session for an attempt
type SessionFactory func(ctx context.Context) (Session, error)

// Retrier runs an operation up to Attempts times with linear backoff
type Retrier struct {
	Attempts int
	Delay    time.Duration
	// Sleep waits between attempts; nil uses a timer that honors ctx
	Sleep func(ctx context.Context, d time.Duration) error
	// OnTransition observes state changes
	OnTransition func(from, to RetryState, attempt int)
}

// NewRetrier builds a retrier with at least one attempt.
func NewRetrier(attempts int, delay time.Duration) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{Attempts: attempts, Delay: delay}
}

// Run executes op until it succeeds, attempts run out or ctx ends. The
// returned error is the last attempt's error (or the context's).
func (r *Retrier) Run(ctx context.Context, factory SessionFactory, op func(ctx context.Context, s Session) error) error {
	state := StateInit
	move := func(to RetryState, attempt int) {
		if r.OnTransition != nil {
			r.OnTransition(state, to, attempt)
		}
		state = to
	}

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		move(StateAttempting, attempt)
		lastErr = r.attempt(ctx, factory, op)
		if lastErr == nil {
			move(StateSuccess, attempt)
			return nil
		}

		if ctx.Err() != nil || attempt >= attempts {
			move(StateExhausted, attempt)
			if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
				return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
			}
			return lastErr
		}

		move(StateRetry, attempt)
		log.Debug("attempt failed, retrying", "attempt", attempt, "of", attempts, "error", lastErr)
		if err := r.wait(ctx, r.Delay*time.Duration(attempt)); err != nil {
			move(StateExhausted, attempt)
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, factory SessionFactory, op func(ctx context.Context, s Session) error) error {
	var sess Session
	if factory != nil {
		s, err := factory(ctx)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		sess = s
		defer sess.Release()
	}
	return op(ctx, sess)
}

func (r *Retrier) wait(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
