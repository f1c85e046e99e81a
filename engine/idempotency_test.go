package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/store/memory"
)

type mockIdempotencyStore struct {
	mock.Mock
}

func (m *mockIdempotencyStore) MessageAlreadySeen(ctx context.Context, key string, attempt int) (bool, error) {
	args := m.Called(ctx, key, attempt)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdempotencyStore) ReleaseMessage(ctx context.Context, key string, attempt int) error {
	args := m.Called(ctx, key, attempt)
	return args.Error(0)
}

func TestIdempotencyGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("second delivery of the same attempt is seen", func(t *testing.T) {
		guard := NewIdempotencyGuard(memory.New(), nil)
		attrs := contracts.Attributes{Key: "k", IdempotencyKey: "task-1", DeliveryAttempt: 1}

		seen, err := guard.AlreadySeen(ctx, attrs)
		require.NoError(t, err)
		assert.False(t, seen)

		seen, err = guard.AlreadySeen(ctx, attrs)
		require.NoError(t, err)
		assert.True(t, seen)

		attrs.DeliveryAttempt = 2
		seen, err = guard.AlreadySeen(ctx, attrs)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("no key or no store disables the guard", func(t *testing.T) {
		s := &mockIdempotencyStore{}
		guard := NewIdempotencyGuard(s, nil)

		seen, err := guard.AlreadySeen(ctx, contracts.Attributes{Key: "k"})
		require.NoError(t, err)
		assert.False(t, seen)
		s.AssertNotCalled(t, "MessageAlreadySeen", mock.Anything, mock.Anything, mock.Anything)

		assert.False(t, NewIdempotencyGuard(nil, nil).Enabled())
	})

	t.Run("attempt defaults to retry count plus one", func(t *testing.T) {
		s := &mockIdempotencyStore{}
		s.On("MessageAlreadySeen", mock.Anything, "task-1", 4).Return(false, nil).Once()

		_, err := NewIdempotencyGuard(s, nil).AlreadySeen(ctx, contracts.Attributes{IdempotencyKey: "task-1", RetryCount: 3})
		require.NoError(t, err)
		s.AssertExpectations(t)
	})

	t.Run("store failure is a storage error", func(t *testing.T) {
		s := &mockIdempotencyStore{}
		s.On("MessageAlreadySeen", mock.Anything, "task-1", 1).Return(false, errors.New("connection reset"))

		_, err := NewIdempotencyGuard(s, nil).AlreadySeen(ctx, contracts.Attributes{IdempotencyKey: "task-1", DeliveryAttempt: 1})
		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "task-1:1", storageErr.ID)
	})

	t.Run("release lets the same attempt run again", func(t *testing.T) {
		guard := NewIdempotencyGuard(memory.New(), nil)
		attrs := contracts.Attributes{Key: "k", IdempotencyKey: "task-1", RetryCount: 2}

		seen, err := guard.AlreadySeen(ctx, attrs)
		require.NoError(t, err)
		assert.False(t, seen)

		guard.Release(ctx, attrs)

		seen, err = guard.AlreadySeen(ctx, attrs)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("release failure is logged, not returned", func(t *testing.T) {
		s := &mockIdempotencyStore{}
		s.On("ReleaseMessage", mock.Anything, "task-1", 1).Return(errors.New("connection reset")).Once()

		NewIdempotencyGuard(s, nil).Release(ctx, contracts.Attributes{IdempotencyKey: "task-1"})
		s.AssertExpectations(t)
	})
}
