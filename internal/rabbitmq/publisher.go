package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishMessage is one message of a batch
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// Publisher publishes with publisher confirms over pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for the broker's confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes one message and waits for its confirmation
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishBatch(ctx, []PublishMessage{{Exchange: exchange, RoutingKey: routingKey, Message: msg}})
}

// PublishBatch publishes messages on one channel and waits for every confirmation.
// Retrying is left to the caller.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		first := messages[0]
		return &PublishError{Exchange: first.Exchange, RoutingKey: first.RoutingKey, MessageID: first.Message.MessageId, Err: err, Timestamp: time.Now()}
	}

	pending := make([]*amqp.DeferredConfirmation, 0, len(messages))
	for _, m := range messages {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, m.Exchange, m.RoutingKey, false, false, m.Message)
		if err != nil {
			p.pool.Discard(ch)
			return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, MessageID: m.Message.MessageId, Err: err, Timestamp: time.Now()}
		}
		pending = append(pending, dc)
	}

	if !ch.confirms {
		p.pool.Put(ch)
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	for i, dc := range pending {
		acked, err := dc.WaitContext(confirmCtx)
		if err != nil || !acked {
			// Outstanding confirmations would leak into the next user of the channel.
			p.pool.Discard(ch)
			m := messages[i]
			if err == nil {
				err = ErrPublishNotConfirmed
			}
			return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, MessageID: m.Message.MessageId, Err: fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err), Timestamp: time.Now()}
		}
	}

	p.pool.Put(ch)
	p.logger.Debug("batch confirmed", "channel", ch.ID(), "messages", len(messages))
	return nil
}
