package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("broker unavailable"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("broker unavailable"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 50; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)
		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad request")))
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(500*time.Millisecond, 3)

	assert.Equal(t, 500*time.Millisecond, fd.NextDelay(0))
	assert.Equal(t, 500*time.Millisecond, fd.NextDelay(7))
	assert.Equal(t, 3, fd.MaxRetries())

	shouldRetry, delay := fd.ShouldRetry(2, errors.New("timeout"))
	assert.True(t, shouldRetry)
	assert.Equal(t, 500*time.Millisecond, delay)
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries on failure", func(t *testing.T) {
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		last := errors.New("still failing")
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			atomic.AddInt32(&calls, 1)
			return last
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, last)
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		permanent := Permanent(errors.New("task exists"))
		var calls int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return permanent
		})

		assert.Equal(t, permanent, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls int32
		err := Retry(ctx, NewFixedDelay(50*time.Millisecond, 10), func() error {
			if atomic.AddInt32(&calls, 1) == 2 {
				cancel()
			}
			return errors.New("temporary")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryable(ErrNonRetryable))
	assert.False(t, IsRetryable(context.Canceled))

	open := &CircuitBreakerError{State: StateOpen, NextRetry: time.Now().Add(time.Minute)}
	assert.False(t, IsRetryable(open))
	assert.ErrorIs(t, open, ErrCircuitOpen)
}
