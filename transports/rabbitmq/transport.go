// Package rabbitmq carries saga tasks, events and dead letters over RabbitMQ.
//
// Tasks are published to the tasks exchange with the queue as routing key and
// the task name as message id. RabbitMQ does not drop duplicate message ids, so
// Publish never reports contracts.ErrTaskExists; the dispatcher's idempotency
// store covers redelivered and republished tasks instead.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
	"github.com/glimte/mmate-saga/internal/naming"
	"github.com/glimte/mmate-saga/internal/rabbitmq"
	"github.com/glimte/mmate-saga/internal/reliability"
)

// DefaultQueue is used for tasks without a queue
const DefaultQueue = "saga.default"

const (
	contentTypeJSON    = "application/json"
	publishConcurrency = 4
)

// Dispatcher is what consumed deliveries are handed to
type Dispatcher interface {
	DispatchRaw(ctx context.Context, key string, body []byte, attrs contracts.Attributes) engine.Response
}

// Transport implements engine.TaskPublisher over RabbitMQ and consumes task queues
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager

	basePath     string
	defaultQueue string
	backoff      *reliability.ExponentialBackoff
	logger       *slog.Logger

	mu          sync.Mutex
	delayQueues map[string]struct{}
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	BasePath          string
	DefaultQueue      string
	RetryInitial      time.Duration
	RetryMax          time.Duration
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithBasePath sets the route root stripped from x-relative-url before dispatch
func WithBasePath(basePath string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BasePath = basePath
	}
}

// WithDefaultQueue sets the queue of tasks that name none
func WithDefaultQueue(queue string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DefaultQueue = queue
	}
}

// WithRetryBackoff sets the redelivery delay of failed deliveries. A zero initial
// delay redelivers immediately.
func WithRetryBackoff(initial, max time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.RetryInitial = initial
		cfg.RetryMax = max
	}
}

// WithLogger sets the logger of the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and declares the saga exchanges
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		BasePath:     engine.DefaultBasePath,
		DefaultQueue: DefaultQueue,
		RetryInitial: time.Second,
		RetryMax:     time.Minute,
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("component", "rabbitmq-transport")
	manager := rabbitmq.NewConnectionManager(connectionString,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(logger)}, cfg.PoolOptions...)...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	t := &Transport{
		manager:      manager,
		pool:         pool,
		publisher:    rabbitmq.NewPublisher(pool, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)...),
		consumer:     rabbitmq.NewConsumer(pool, append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)...),
		topology:     rabbitmq.NewTopologyManager(pool),
		basePath:     strings.TrimSuffix(cfg.BasePath, "/"),
		defaultQueue: cfg.DefaultQueue,
		logger:       logger,
		delayQueues:  make(map[string]struct{}),
	}
	if cfg.RetryInitial > 0 {
		t.backoff = &reliability.ExponentialBackoff{
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
			Multiplier:      2,
		}
	}

	if err := t.topology.Declare(ctx, rabbitmq.SagaTopology(nil, "", nil)); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}
	return t, nil
}

// DeclareQueues declares task queues, their dead-letter queues and, when eventQueue
// is set, an event queue bound to eventKeys
func (t *Transport) DeclareQueues(ctx context.Context, queues []string, eventQueue string, eventKeys []string) error {
	return t.topology.Declare(ctx, rabbitmq.SagaTopology(t.withDefault(queues), eventQueue, eventKeys))
}

// Publish implements engine.TaskPublisher
func (t *Transport) Publish(ctx context.Context, task engine.Task) error {
	msg, err := t.message(ctx, task)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Message)
}

// PublishBulk implements engine.TaskPublisher. Tasks are confirmed in batches per queue.
func (t *Transport) PublishBulk(ctx context.Context, tasks []engine.Task) error {
	byQueue := make(map[string][]rabbitmq.PublishMessage)
	var order []string
	for _, task := range tasks {
		msg, err := t.message(ctx, task)
		if err != nil {
			return err
		}
		if _, ok := byQueue[msg.RoutingKey]; !ok {
			order = append(order, msg.RoutingKey)
		}
		byQueue[msg.RoutingKey] = append(byQueue[msg.RoutingKey], msg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(publishConcurrency)
	for _, key := range order {
		batch := byQueue[key]
		g.Go(func() error {
			return t.publisher.PublishBatch(gctx, batch)
		})
	}
	return g.Wait()
}

// message maps a task onto an AMQP publishing; delayed tasks go through a delay queue
func (t *Transport) message(ctx context.Context, task engine.Task) (rabbitmq.PublishMessage, error) {
	queue := task.Queue
	if queue == "" {
		queue = t.defaultQueue
	}
	pub := publishing(task)

	if task.Delay <= 0 {
		return rabbitmq.PublishMessage{Exchange: rabbitmq.ExchangeTasks, RoutingKey: queue, Message: pub}, nil
	}
	delayQueue, err := t.delayQueue(ctx, queue, task.Delay)
	if err != nil {
		return rabbitmq.PublishMessage{}, err
	}
	return rabbitmq.PublishMessage{Exchange: "", RoutingKey: delayQueue, Message: pub}, nil
}

func (t *Transport) delayQueue(ctx context.Context, queue string, delay time.Duration) (string, error) {
	name := rabbitmq.DelayQueueName(queue, delay)
	t.mu.Lock()
	_, declared := t.delayQueues[name]
	t.mu.Unlock()
	if declared {
		return name, nil
	}

	if _, err := t.topology.DeclareDelayQueue(ctx, queue, delay); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.delayQueues[name] = struct{}{}
	t.mu.Unlock()
	return name, nil
}

func publishing(task engine.Task) amqp.Publishing {
	headers := make(amqp.Table, len(task.Headers)+1)
	for k, v := range task.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderRelativeURL] = task.URL

	return amqp.Publishing{
		MessageId:     task.Name,
		CorrelationId: task.Headers[contracts.HeaderCorrelationID],
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          task.Body,
	}
}

// Events returns an engine.EventPublisher on the events exchange
func (t *Transport) Events() engine.EventPublisher {
	return eventPublisher{t}
}

type eventPublisher struct {
	t *Transport
}

func (p eventPublisher) Publish(ctx context.Context, topic string, body []byte, attrs map[string]string) error {
	headers := make(amqp.Table, len(attrs))
	for k, v := range attrs {
		headers[k] = v
	}
	return p.t.publisher.Publish(ctx, rabbitmq.ExchangeEvents, topic, amqp.Publishing{
		CorrelationId: attrs[contracts.HeaderCorrelationID],
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          body,
	})
}

// DeadLetterSink returns a sink that parks dead letters in "<queue>.dead"
func (t *Transport) DeadLetterSink() reliability.Sink {
	return &deadLetterSink{t: t, policy: reliability.DefaultPublishPolicy()}
}

type deadLetterSink struct {
	t      *Transport
	policy reliability.RetryPolicy
}

func (s *deadLetterSink) Send(ctx context.Context, letter reliability.DeadLetter) error {
	body, err := letter.Encode()
	if err != nil {
		return err
	}
	queue := letter.Attributes.Queue
	if queue == "" {
		queue = s.t.defaultQueue
	}
	headers := amqp.Table{
		contracts.HeaderKey: letter.Key,
		"reason":            letter.Reason,
	}
	for k, v := range letter.Attributes.Headers() {
		headers[k] = v
	}

	return reliability.Retry(ctx, s.policy, func() error {
		return s.t.publisher.Publish(ctx, rabbitmq.ExchangeDeadLetter, queue, amqp.Publishing{
			CorrelationId: letter.Attributes.CorrelationID,
			ContentType:   contentTypeJSON,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     letter.Timestamp,
			Headers:       headers,
			Body:          body,
		})
	})
}

// Run consumes queues and hands every delivery to d until ctx is done
func (t *Transport) Run(ctx context.Context, d Dispatcher, queues ...string) error {
	queues = t.withDefault(queues)
	for _, queue := range queues {
		if err := t.consumer.Subscribe(ctx, queue, t.handler(d, queue)); err != nil {
			t.consumer.UnsubscribeAll()
			return err
		}
	}
	t.logger.Info("consuming", "queues", queues)

	<-ctx.Done()
	t.consumer.UnsubscribeAll()
	return nil
}

// handler acknowledges 2xx, drops 404 to the dead-letter exchange and republishes
// everything else with an incremented retry count
func (t *Transport) handler(d Dispatcher, queue string) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) {
		headers := stringHeaders(delivery.Headers)
		key := t.keyOf(headers, delivery.RoutingKey)
		if headers[contracts.HeaderIdempotencyKey] == "" && delivery.MessageId != "" {
			headers[contracts.HeaderIdempotencyKey] = delivery.MessageId
		}
		headers[contracts.HeaderQueueName] = queue

		attrs := contracts.AttributesFromMap(key, headers)
		resp := d.DispatchRaw(ctx, key, delivery.Body, attrs)

		switch {
		case resp.Success():
			t.ack(delivery)
		case resp.Status == http.StatusNotFound:
			t.logger.Warn("no route for delivery", "key", key, "queue", queue)
			t.nack(delivery, false)
		default:
			if err := t.redeliver(ctx, delivery, queue, attrs.RetryCount); err != nil {
				t.logger.Error("failed to republish delivery", "key", key, "queue", queue, "error", err)
				t.nack(delivery, true)
				return
			}
			t.ack(delivery)
		}
	}
}

func (t *Transport) redeliver(ctx context.Context, delivery amqp.Delivery, queue string, retryCount int) error {
	headers := make(amqp.Table, len(delivery.Headers)+2)
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderRetryCount] = strconv.Itoa(retryCount + 1)
	headers[contracts.HeaderDeliveryAttempt] = strconv.Itoa(retryCount + 2)
	if delivery.RoutingKey != "" && headers[contracts.HeaderKey] == nil && headers[contracts.HeaderRelativeURL] == nil {
		headers[contracts.HeaderKey] = delivery.RoutingKey
	}

	msg := amqp.Publishing{
		MessageId:     delivery.MessageId,
		CorrelationId: delivery.CorrelationId,
		ContentType:   delivery.ContentType,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          delivery.Body,
	}

	if t.backoff == nil {
		return t.publisher.Publish(ctx, "", queue, msg)
	}
	delay := t.backoff.NextDelay(retryCount).Truncate(time.Second)
	if delay <= 0 {
		return t.publisher.Publish(ctx, "", queue, msg)
	}
	delayQueue, err := t.delayQueue(ctx, queue, delay)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, "", delayQueue, msg)
}

func (t *Transport) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		t.logger.Error("failed to ack delivery", "messageId", d.MessageId, "error", err)
	}
}

func (t *Transport) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		t.logger.Error("failed to nack delivery", "messageId", d.MessageId, "error", err)
	}
}

// keyOf resolves the dispatch key of a delivery: tasks carry their route path,
// events their key header or topic
func (t *Transport) keyOf(headers map[string]string, routingKey string) string {
	if path := headers[contracts.HeaderRelativeURL]; path != "" {
		return naming.KeyFromPath(strings.TrimPrefix(path, t.basePath))
	}
	if key := headers[contracts.HeaderKey]; key != "" {
		return key
	}
	return routingKey
}

func (t *Transport) withDefault(queues []string) []string {
	for _, q := range queues {
		if q == t.defaultQueue {
			return queues
		}
	}
	return append([]string{t.defaultQueue}, queues...)
}

// Inspect returns the message and consumer counts of a queue
func (t *Transport) Inspect(ctx context.Context, queue string) (amqp.Queue, error) {
	return t.topology.Inspect(ctx, queue)
}

// DefaultQueue returns the queue of tasks that name none
func (t *Transport) DefaultQueue() string {
	return t.defaultQueue
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops consuming and closes the channel pool and the connection
func (t *Transport) Close() error {
	t.consumer.UnsubscribeAll()
	_ = t.pool.Close()
	return t.manager.Close()
}

func stringHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table)+2)
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case nil:
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}

var (
	_ engine.TaskPublisher  = (*Transport)(nil)
	_ engine.EventPublisher = eventPublisher{}
	_ reliability.Sink      = (*deadLetterSink)(nil)
)
