package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSession struct {
	released *int
}

func (s countingSession) Release() { *s.released++ }

type sessionCounter struct {
	opened, released int
}

func (c *sessionCounter) factory(context.Context) (Session, error) {
	c.opened++
	return countingSession{released: &c.released}, nil
}

func fastRetrier(attempts int, slept *[]time.Duration) *Retrier {
	r := NewRetrier(attempts, 10*time.Millisecond)
	r.Sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return r
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	var slept []time.Duration
	var states []RetryState
	r := fastRetrier(3, &slept)
	r.OnTransition = func(_, to RetryState, _ int) { states = append(states, to) }
	c := &sessionCounter{}

	calls := 0
	err := r.Run(context.Background(), c.factory, func(_ context.Context, s Session) error {
		require.NotNil(t, s)
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, c.opened, "fresh session per attempt")
	assert.Equal(t, 3, c.released, "every session released")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	assert.Equal(t, []RetryState{
		StateAttempting, StateRetry,
		StateAttempting, StateRetry,
		StateAttempting, StateSuccess,
	}, states)
}

func TestRetrierExhausted(t *testing.T) {
	var slept []time.Duration
	var last RetryState
	r := fastRetrier(3, &slept)
	r.OnTransition = func(_, to RetryState, _ int) { last = to }
	c := &sessionCounter{}
	boom := errors.New("still broken")

	err := r.Run(context.Background(), c.factory, func(context.Context, Session) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateExhausted, last)
	assert.Equal(t, 3, c.opened)
	assert.Equal(t, 3, c.released)
	assert.Len(t, slept, 2)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(5, time.Hour)
	c := &sessionCounter{}

	err := r.Run(ctx, c.factory, func(context.Context, Session) error {
		cancel()
		return errors.New("interrupted")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.opened)
	assert.Equal(t, 1, c.released)
}

func TestRetrierSessionOpenFailure(t *testing.T) {
	var slept []time.Duration
	r := fastRetrier(2, &slept)
	opens := 0
	factory := func(context.Context) (Session, error) {
		opens++
		return nil, errors.New("chrome not found")
	}

	err := r.Run(context.Background(), factory, func(context.Context, Session) error {
		t.Fatal("op must not run without a session")
		return nil
	})
	assert.ErrorContains(t, err, "chrome not found")
	assert.Equal(t, 2, opens)
}

func TestRetrierWithoutFactory(t *testing.T) {
	r := NewRetrier(0, 0)
	assert.Equal(t, 1, r.Attempts)
	err := r.Run(context.Background(), nil, func(_ context.Context, s Session) error {
		assert.Nil(t, s)
		return nil
	})
	assert.NoError(t, err)
}
