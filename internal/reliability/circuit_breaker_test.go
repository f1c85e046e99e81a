package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail() error { return errors.New("downstream failed") }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("outbound"))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, fail))
		}
		assert.Equal(t, StateOpen, cb.State())

		executed := false
		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})
		assert.False(t, executed)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "outbound", cbErr.Name)
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		assert.Error(t, cb.Execute(ctx, fail))
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open closes after successes", func(t *testing.T) {
		now := time.Now()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithSuccessThreshold(2), WithTimeout(time.Minute))
		cb.now = func() time.Time { return now }

		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())

		now = now.Add(2 * time.Minute)
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure in half-open reopens", func(t *testing.T) {
		now := time.Now()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Minute))
		cb.now = func() time.Time { return now }

		assert.Error(t, cb.Execute(ctx, fail))
		now = now.Add(2 * time.Minute)
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("failure predicate ignores classified errors", func(t *testing.T) {
		ignored := errors.New("rejected by handler")
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailurePredicate(func(err error) bool { return err != nil && !errors.Is(err, ignored) }),
		)

		assert.ErrorIs(t, cb.Execute(ctx, func() error { return ignored }), ignored)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("state change hook sees transitions", func(t *testing.T) {
		var mu sync.Mutex
		var seen []State
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChangeHook(func(_ string, _, to State) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, to)
			}),
		)

		assert.Error(t, cb.Execute(ctx, fail))
		cb.Reset()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []State{StateOpen, StateClosed}, seen)
	})

	t.Run("cancelled context is not executed", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		cb := NewCircuitBreaker()
		assert.ErrorIs(t, cb.Execute(cctx, func() error { return nil }), context.Canceled)
	})
}
