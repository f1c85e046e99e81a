package rabbitmq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
	"github.com/glimte/mmate-saga/internal/reliability"
	"github.com/glimte/mmate-saga/internal/testutil"
	"github.com/glimte/mmate-saga/recipe"
	"github.com/glimte/mmate-saga/store/memory"
)

func TestPublishing(t *testing.T) {
	task := engine.Task{
		URL:  "/v2/sequence/orders/perform/charge",
		Key:  "sequence.orders.perform.charge",
		Name: "sequence-orders-perform-charge-abc",
		Body: []byte(`{"type":"order","id":"1","data":[]}`),
		Headers: map[string]string{
			contracts.HeaderCorrelationID: "corr-1",
		},
	}

	pub := publishing(task)
	assert.Equal(t, task.Name, pub.MessageId)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, task.URL, pub.Headers[contracts.HeaderRelativeURL])
	assert.Equal(t, "corr-1", pub.Headers[contracts.HeaderCorrelationID])
	assert.Equal(t, task.Body, pub.Body)
}

func TestKeyOf(t *testing.T) {
	tr := &Transport{basePath: "/v2"}

	assert.Equal(t, "sequence.orders.perform.charge",
		tr.keyOf(map[string]string{contracts.HeaderRelativeURL: "/v2/sequence/orders/perform/charge"}, "saga.default"))
	assert.Equal(t, "trigger.event.user-created",
		tr.keyOf(map[string]string{contracts.HeaderKey: "trigger.event.user-created"}, "ignored"))
	assert.Equal(t, "trigger.event.user-created", tr.keyOf(map[string]string{}, "trigger.event.user-created"))
}

func TestStringHeaders(t *testing.T) {
	headers := stringHeaders(amqp.Table{
		"a": "text",
		"b": int32(3),
		"c": []byte("raw"),
		"d": nil,
		"e": true,
	})
	assert.Equal(t, map[string]string{"a": "text", "b": "3", "c": "raw", "e": "true"}, headers)

	attrs := contracts.AttributesFromMap("k", stringHeaders(amqp.Table{contracts.HeaderRetryCount: int64(4)}))
	assert.Equal(t, 4, attrs.RetryCount)
}

func TestWithDefault(t *testing.T) {
	tr := &Transport{defaultQueue: DefaultQueue}
	assert.Equal(t, []string{DefaultQueue, "orders"}, tr.withDefault([]string{"orders"}))
	assert.Equal(t, []string{"orders", DefaultQueue}, tr.withDefault([]string{"orders", DefaultQueue}))
}

func TestTransportIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	queue := "test-" + uuid.NewString()
	tr, err := NewTransport(ctx, testutil.RabbitURL(t), WithDefaultQueue(queue), WithRetryBackoff(0, 0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	require.NoError(t, tr.DeclareQueues(ctx, nil, "", nil))
	assert.True(t, tr.IsConnected())

	var attempts atomic.Int32
	done := make(chan *contracts.Message, 1)
	graph, err := recipe.Build([]recipe.Recipe{{
		Namespace: recipe.NamespaceSequence,
		Name:      "greeting",
		Sequence: []recipe.Step{
			{Key: "perform.hello", Handler: func(context.Context, *contracts.Message, *contracts.StepContext) (contracts.Result, error) {
				if attempts.Add(1) == 1 {
					return nil, contracts.Retry("not yet")
				}
				return contracts.Append("hello"), nil
			}},
			{Key: "perform.record", Handler: func(_ context.Context, msg *contracts.Message, _ *contracts.StepContext) (contracts.Result, error) {
				done <- msg.Clone()
				return nil, nil
			}},
		},
	}}, nil)
	require.NoError(t, err)

	jobs := memory.New()
	sink := reliability.NewMemorySink(0)
	dispatcher, err := engine.NewDispatcher(graph, tr,
		engine.WithIdempotencyStore(jobs),
		engine.WithEventPublisher(tr.Events()),
		engine.WithDeadLetterSink(sink),
		engine.WithPublishRate(0),
	)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = tr.Run(runCtx, dispatcher) }()

	body, err := contracts.NewMessage("greeting", "g-1").Encode()
	require.NoError(t, err)
	resp := dispatcher.DispatchRaw(ctx, "sequence.greeting", body, contracts.AttributesFromMap("sequence.greeting", nil))
	require.True(t, resp.Success(), "start: %+v", resp)

	select {
	case msg := <-done:
		assert.Equal(t, []any{"hello"}, msg.Data)
		assert.Equal(t, int32(2), attempts.Load())
	case <-ctx.Done():
		t.Fatal("sequence did not reach its last step")
	}
	assert.Empty(t, sink.Letters())
}
