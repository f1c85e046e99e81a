package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func children(n int) []store.Child {
	out := make([]store.Child, n)
	for i := range out {
		out[i] = store.Child{CorrelationID: fmt.Sprintf("child-%d", i), Body: contracts.NewMessage("line", fmt.Sprint(i))}
	}
	return out
}

func TestStoreParent(t *testing.T) {
	ctx := context.Background()
	s := New()
	msg := contracts.NewMessage("order", "1")

	require.NoError(t, s.StoreParent(ctx, "p", children(2), msg, store.Continuation{NextKey: "sequence.x.perform.b"}))

	err := s.StoreParent(ctx, "p", children(2), msg, store.Continuation{})
	assert.ErrorIs(t, err, store.ErrParentExists)

	t.Run("stored message is isolated from caller", func(t *testing.T) {
		msg.Append("mutated")
		require.NoError(t, s.CompletedChild(ctx, "p", "child-0"))
		require.NoError(t, s.CompletedChild(ctx, "p", "child-1"))

		completion, err := s.ParentIsComplete(ctx, "p", 2)
		require.NoError(t, err)
		require.True(t, completion.IsLast)
		assert.Empty(t, completion.Parent.Message.Data)
		assert.Equal(t, "sequence.x.perform.b", completion.Parent.Continuation.NextKey)
	})
}

func TestCompletion(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.StoreParent(ctx, "p", children(3), contracts.NewMessage("order", "1"), store.Continuation{}))

	require.NoError(t, s.CompletedChild(ctx, "p", "child-0"))
	require.NoError(t, s.CompletedChild(ctx, "p", "child-0"))

	completion, err := s.ParentIsComplete(ctx, "p", 3)
	require.NoError(t, err)
	assert.False(t, completion.IsLast)
	assert.Equal(t, 1, completion.CompletedCount)
	assert.Nil(t, completion.Parent)

	require.NoError(t, s.CompletedChild(ctx, "p", "child-1"))
	require.NoError(t, s.CompletedChild(ctx, "p", "child-2"))

	completion, err = s.ParentIsComplete(ctx, "p", 3)
	require.NoError(t, err)
	assert.True(t, completion.IsLast)
	assert.Equal(t, 3, completion.CompletedCount)

	removed, err := s.RemoveParent(ctx, "p")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveParent(ctx, "p")
	require.NoError(t, err)
	assert.False(t, removed)

	t.Run("completion after removal is ignored", func(t *testing.T) {
		require.NoError(t, s.CompletedChild(ctx, "p", "child-2"))
		completion, err := s.ParentIsComplete(ctx, "p", 3)
		require.NoError(t, err)
		assert.False(t, completion.IsLast)
		assert.Zero(t, s.Parents())
	})
}

func TestConcurrentCompletionRemovesOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	const n = 50
	require.NoError(t, s.StoreParent(ctx, "p", children(n), contracts.NewMessage("order", "1"), store.Continuation{}))

	var continued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("child-%d", i)
			require.NoError(t, s.CompletedChild(ctx, "p", id))
			completion, err := s.ParentIsComplete(ctx, "p", n)
			require.NoError(t, err)
			if !completion.IsLast {
				return
			}
			removed, err := s.RemoveParent(ctx, "p")
			require.NoError(t, err)
			if removed {
				continued.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), continued.Load())
}

func TestMessageAlreadySeen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))

	seen, err := s.MessageAlreadySeen(ctx, "key", 1)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.MessageAlreadySeen(ctx, "key", 1)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.MessageAlreadySeen(ctx, "key", 2)
	require.NoError(t, err)
	assert.False(t, seen, "a new delivery attempt is not a duplicate")

	now = now.Add(store.DefaultLockRetention + time.Second)
	seen, err = s.MessageAlreadySeen(ctx, "key", 1)
	require.NoError(t, err)
	assert.False(t, seen, "expired locks are recreated")

	require.NoError(t, s.ReleaseMessage(ctx, "key", 1))
	seen, err = s.MessageAlreadySeen(ctx, "key", 1)
	require.NoError(t, err)
	assert.False(t, seen, "released locks are recreated")
}
