package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/internal/testutil"
)

func connect(t *testing.T) *ChannelPool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := NewConnectionManager(testutil.RabbitURL(t))
	require.NoError(t, manager.Connect(context.Background()))
	pool, err := NewChannelPool(manager, WithMaxSize(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
		_ = manager.Close()
	})
	return pool
}

func TestPublishConsumeIntegration(t *testing.T) {
	pool := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue := "test-" + uuid.NewString()
	tm := NewTopologyManager(pool)
	require.NoError(t, tm.Declare(ctx, SagaTopology([]string{queue}, "", nil)))

	var mu sync.Mutex
	var received []string
	consumer := NewConsumer(pool, WithWorkers(2))
	err := consumer.Subscribe(ctx, queue, func(_ context.Context, d amqp.Delivery) {
		mu.Lock()
		received = append(received, d.MessageId)
		mu.Unlock()
		_ = d.Ack(false)
	})
	require.NoError(t, err)
	defer consumer.UnsubscribeAll()

	publisher := NewPublisher(pool)
	batch := make([]PublishMessage, 5)
	for i := range batch {
		batch[i] = PublishMessage{Exchange: ExchangeTasks, RoutingKey: queue, Message: amqp.Publishing{
			MessageId:    uuid.NewString(),
			DeliveryMode: amqp.Persistent,
			Body:         []byte(`{}`),
		}}
	}
	require.NoError(t, publisher.PublishBatch(ctx, batch))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(batch)
	}, 10*time.Second, 50*time.Millisecond)
}

func TestDelayQueueIntegration(t *testing.T) {
	pool := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queue := "test-" + uuid.NewString()
	tm := NewTopologyManager(pool)
	require.NoError(t, tm.Declare(ctx, SagaTopology([]string{queue}, "", nil)))
	delayQueue, err := tm.DeclareDelayQueue(ctx, queue, 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, NewPublisher(pool).Publish(ctx, "", delayQueue, amqp.Publishing{Body: []byte(`{}`)}))

	assert.Eventually(t, func() bool {
		q, err := tm.Inspect(ctx, queue)
		return err == nil && q.Messages == 1
	}, 10*time.Second, 100*time.Millisecond)
}
