// Package inmemory is an in-process task queue and event bus for local runs and tests.
//
// Tasks with the same name are enqueued once, the way a durable task queue drops
// duplicates. Failed deliveries are redelivered with an incremented retry count
// until the dispatcher acknowledges them.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/engine"
)

// ErrDrainLimit is returned when Drain dispatched more deliveries than allowed
var ErrDrainLimit = errors.New("inmemory: drain limit reached")

// DefaultQueue is used for tasks without a queue
const DefaultQueue = "default"

// Dispatcher is what the broker delivers to
type Dispatcher interface {
	DispatchRaw(ctx context.Context, key string, body []byte, attrs contracts.Attributes) engine.Response
}

// Event is one published event
type Event struct {
	Topic      string
	Body       []byte
	Attributes map[string]string
}

type delivery struct {
	key     string
	name    string
	body    []byte
	headers map[string]string
	queue   string
}

// Broker implements engine.TaskPublisher and engine.EventPublisher in process
type Broker struct {
	mu        sync.Mutex
	pending   []delivery
	names     map[string]struct{}
	published []engine.Task
	events    []Event
	responses []engine.Response
	timers    []*time.Timer

	notify     chan struct{}
	delays     bool
	drainLimit int
	logger     *slog.Logger
}

// Option configures the Broker
type Option func(*Broker)

// WithoutDelays enqueues delayed tasks immediately
func WithoutDelays() Option {
	return func(b *Broker) {
		b.delays = false
	}
}

// WithDrainLimit bounds the number of deliveries one Drain call makes
func WithDrainLimit(n int) Option {
	return func(b *Broker) {
		b.drainLimit = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		names:      make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
		delays:     true,
		drainLimit: 10000,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements engine.TaskPublisher
func (b *Broker) Publish(_ context.Context, task engine.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueLocked(task)
}

// PublishBulk implements engine.TaskPublisher. Duplicates inside the batch are skipped.
func (b *Broker) PublishBulk(_ context.Context, tasks []engine.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, task := range tasks {
		if err := b.enqueueLocked(task); err != nil && !errors.Is(err, contracts.ErrTaskExists) {
			return err
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(task engine.Task) error {
	if task.Name != "" {
		if _, exists := b.names[task.Name]; exists {
			return fmt.Errorf("%w: %s", contracts.ErrTaskExists, task.Name)
		}
		b.names[task.Name] = struct{}{}
	}
	b.published = append(b.published, task)

	queue := task.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	d := delivery{key: task.Key, name: task.Name, body: task.Body, headers: copyHeaders(task.Headers), queue: queue}

	if b.delays && task.Delay > 0 {
		b.timers = append(b.timers, time.AfterFunc(task.Delay, func() {
			b.mu.Lock()
			b.pending = append(b.pending, d)
			b.mu.Unlock()
			b.wake()
		}))
		return nil
	}
	b.pending = append(b.pending, d)
	b.wake()
	return nil
}

// PublishEvent records an event; events carrying a key are delivered like tasks
func (b *Broker) PublishEvent(_ context.Context, topic string, body []byte, attrs map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, Event{Topic: topic, Body: body, Attributes: copyHeaders(attrs)})
	key := attrs[contracts.HeaderKey]
	if key == "" {
		key = topic
	}
	b.pending = append(b.pending, delivery{key: key, body: body, headers: copyHeaders(attrs)})
	b.wake()
	return nil
}

// Events returns the event publisher view of the broker
func (b *Broker) Events() engine.EventPublisher {
	return eventPublisher{b}
}

type eventPublisher struct {
	b *Broker
}

func (p eventPublisher) Publish(ctx context.Context, topic string, body []byte, attrs map[string]string) error {
	return p.b.PublishEvent(ctx, topic, body, attrs)
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) pop() (delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return delivery{}, false
	}
	d := b.pending[0]
	b.pending = b.pending[1:]
	return d, true
}

// Drain delivers pending deliveries until none are left and returns how many were made.
// Delayed tasks whose timer has not fired yet are not waited for.
func (b *Broker) Drain(ctx context.Context, d Dispatcher) (int, error) {
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		next, ok := b.pop()
		if !ok {
			return count, nil
		}
		if count >= b.drainLimit {
			return count, ErrDrainLimit
		}
		b.deliver(ctx, d, next)
		count++
	}
}

// Run delivers until ctx is done
func (b *Broker) Run(ctx context.Context, d Dispatcher) error {
	for {
		for {
			next, ok := b.pop()
			if !ok {
				break
			}
			b.deliver(ctx, d, next)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.notify:
		}
	}
}

func (b *Broker) deliver(ctx context.Context, d Dispatcher, next delivery) {
	headers := next.headers
	if next.queue != "" {
		headers[contracts.HeaderQueueName] = next.queue
	}
	if headers[contracts.HeaderIdempotencyKey] == "" && next.name != "" {
		headers[contracts.HeaderIdempotencyKey] = next.name
	}

	attrs := contracts.AttributesFromMap(next.key, headers)
	resp := d.DispatchRaw(ctx, next.key, next.body, attrs)

	b.mu.Lock()
	b.responses = append(b.responses, resp)
	b.mu.Unlock()

	switch {
	case resp.Success():
	case resp.Status == http.StatusNotFound:
		b.logger.Warn("dropping delivery for unknown key", "key", next.key)
	default:
		retry := copyHeaders(next.headers)
		retry[contracts.HeaderRetryCount] = strconv.Itoa(attrs.RetryCount + 1)
		retry[contracts.HeaderDeliveryAttempt] = strconv.Itoa(attrs.RetryCount + 2)
		b.mu.Lock()
		b.pending = append(b.pending, delivery{key: next.key, name: next.name, body: next.body, headers: retry, queue: next.queue})
		b.mu.Unlock()
	}
}

// Published returns every task accepted so far
func (b *Broker) Published() []engine.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.Task(nil), b.published...)
}

// PublishedEvents returns every event published so far
func (b *Broker) PublishedEvents() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Responses returns the dispatcher responses of every delivery so far
func (b *Broker) Responses() []engine.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]engine.Response(nil), b.responses...)
}

// Pending returns the number of deliveries waiting
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops delay timers
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

var _ engine.TaskPublisher = (*Broker)(nil)
