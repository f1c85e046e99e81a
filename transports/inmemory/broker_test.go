package inmemory

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
)

type dispatchFunc func(ctx context.Context, key string, body []byte, attrs contracts.Attributes) engine.Response

func (f dispatchFunc) DispatchRaw(ctx context.Context, key string, body []byte, attrs contracts.Attributes) engine.Response {
	return f(ctx, key, body, attrs)
}

type recorder struct {
	mu     sync.Mutex
	attrs  []contracts.Attributes
	status func(attrs contracts.Attributes) int
}

func (r *recorder) DispatchRaw(_ context.Context, key string, _ []byte, attrs contracts.Attributes) engine.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attrs = append(r.attrs, attrs)
	status := http.StatusCreated
	if r.status != nil {
		status = r.status(attrs)
	}
	return engine.Response{Status: status}
}

func (r *recorder) seen() []contracts.Attributes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.Attributes(nil), r.attrs...)
}

func task(name string) engine.Task {
	return engine.Task{Key: "sequence.a.perform.b", Name: name, Body: []byte(`{}`), Headers: map[string]string{contracts.HeaderCorrelationID: "c"}}
}

func TestBrokerDropsDuplicateNames(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, task("t1")))
	err := b.Publish(ctx, task("t1"))
	assert.ErrorIs(t, err, contracts.ErrTaskExists)

	require.NoError(t, b.PublishBulk(ctx, []engine.Task{task("t1"), task("t2"), task("t2")}))
	assert.Len(t, b.Published(), 2)
	assert.Equal(t, 2, b.Pending())
}

func TestBrokerDeliveryHeaders(t *testing.T) {
	b := NewBroker()
	r := &recorder{}
	ctx := context.Background()

	tk := task("t1")
	tk.Queue = "orders"
	require.NoError(t, b.Publish(ctx, tk))
	require.NoError(t, b.Publish(ctx, task("t2")))

	n, err := b.Drain(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	seen := r.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "orders", seen[0].Queue)
	assert.Equal(t, "t1", seen[0].IdempotencyKey)
	assert.Equal(t, 1, seen[0].DeliveryAttempt)
	assert.Equal(t, "c", seen[0].CorrelationID)
	assert.Equal(t, DefaultQueue, seen[1].Queue)
}

func TestBrokerRedeliversFailures(t *testing.T) {
	b := NewBroker()
	r := &recorder{status: func(attrs contracts.Attributes) int {
		if attrs.RetryCount < 2 {
			return http.StatusBadRequest
		}
		return http.StatusOK
	}}
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, task("t1")))
	n, err := b.Drain(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	seen := r.seen()
	for i, attrs := range seen {
		assert.Equal(t, i, attrs.RetryCount)
		assert.Equal(t, i+1, attrs.DeliveryAttempt)
		assert.Equal(t, "t1", attrs.IdempotencyKey)
	}
	assert.Zero(t, b.Pending())
	assert.Len(t, b.Responses(), 3)
}

func TestBrokerDropsUnknownKeys(t *testing.T) {
	b := NewBroker()
	calls := 0
	d := dispatchFunc(func(context.Context, string, []byte, contracts.Attributes) engine.Response {
		calls++
		return engine.Response{Status: http.StatusNotFound}
	})

	require.NoError(t, b.Publish(context.Background(), task("t1")))
	_, err := b.Drain(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Pending())
}

func TestBrokerDrainLimit(t *testing.T) {
	b := NewBroker(WithDrainLimit(5))
	d := dispatchFunc(func(context.Context, string, []byte, contracts.Attributes) engine.Response {
		return engine.Response{Status: http.StatusInternalServerError}
	})

	require.NoError(t, b.Publish(context.Background(), task("t1")))
	n, err := b.Drain(context.Background(), d)
	assert.True(t, errors.Is(err, ErrDrainLimit))
	assert.Equal(t, 5, n)
}

func TestBrokerDelays(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	tk := task("t1")
	tk.Delay = 20 * time.Millisecond
	require.NoError(t, b.Publish(context.Background(), tk))
	assert.Zero(t, b.Pending())

	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

	immediate := NewBroker(WithoutDelays())
	require.NoError(t, immediate.Publish(context.Background(), tk))
	assert.Equal(t, 1, immediate.Pending())
}

func TestBrokerEvents(t *testing.T) {
	b := NewBroker()
	r := &recorder{}
	ctx := context.Background()

	err := b.Events().Publish(ctx, "trigger.event.user-created", []byte(`{}`), map[string]string{
		contracts.HeaderKey:           "trigger.event.user-created",
		contracts.HeaderCorrelationID: "c",
	})
	require.NoError(t, err)

	events := b.PublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "trigger.event.user-created", events[0].Topic)

	_, err = b.Drain(ctx, r)
	require.NoError(t, err)
	seen := r.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "trigger.event.user-created", seen[0].Key)
	assert.Empty(t, seen[0].IdempotencyKey)
}

func TestBrokerRun(t *testing.T) {
	b := NewBroker()
	r := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, r) }()

	require.NoError(t, b.Publish(ctx, task("t1")))
	require.Eventually(t, func() bool { return len(r.seen()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
