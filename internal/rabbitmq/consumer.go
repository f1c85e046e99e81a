package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery and is responsible for acknowledging it
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer consumes queues with manual acknowledgement and resubscribes after channel loss
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	workers       int
	resubscribe   time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count per queue
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithWorkers sets how many deliveries of one queue are handled concurrently
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithResubscribeDelay sets the pause before consuming again after the channel was lost
func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = d
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		workers:       1,
		resubscribe:   time.Second,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming queue. The first consume must succeed; later channel losses are retried.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: fmt.Errorf("%w: already subscribed", ErrInvalidConfiguration), Timestamp: time.Now()}
	}
	c.mu.Unlock()

	ch, deliveries, err := c.consume(ctx, queue)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{queue: queue, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[queue] = sub
	c.mu.Unlock()

	go c.run(subCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount, "workers", c.workers)
	return nil
}

func (c *Consumer) consume(ctx context.Context, queue string) (*PooledChannel, <-chan amqp.Delivery, error) {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return nil, nil, &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}
	deliveries, err := ch.Consume(queue, ch.ID(), false, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return nil, nil, &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}
	return ch, deliveries, nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		c.mu.Lock()
		delete(c.active, sub.queue)
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		c.process(ctx, sub.queue, deliveries, handler)
		// A consuming channel carries consumer state; it is never handed back to the pool.
		c.pool.Discard(ch)

		for {
			timer := time.NewTimer(c.resubscribe)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			var err error
			ch, deliveries, err = c.consume(ctx, sub.queue)
			if err == nil {
				c.logger.Info("resubscribed to queue", "queue", sub.queue)
				break
			}
			c.logger.Warn("resubscribe failed", "queue", sub.queue, "error", err)
		}
	}
}

// process hands deliveries to workers until ctx is done or the delivery channel closes
func (c *Consumer) process(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						c.logger.Warn("delivery channel closed", "queue", queue)
						return
					}
					c.handle(ctx, queue, d, handler)
				}
			}
		}()
	}
	wg.Wait()
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("delivery handler panicked", "queue", queue, "messageId", d.MessageId, "panic", r)
			if err := d.Nack(false, true); err != nil {
				c.logger.Error("failed to nack message", "queue", queue, "error", err)
			}
		}
	}()
	handler(ctx, d)
}

// Unsubscribe stops consuming from a queue and waits for in-flight deliveries
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: ErrConsumerCancelled, Timestamp: time.Now()}
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.Queues() {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Debug("unsubscribe", "queue", queue, "error", err)
		}
	}
}

// Queues returns the queues being consumed
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
