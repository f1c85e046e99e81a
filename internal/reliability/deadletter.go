package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-saga/contracts"
)

// Dead-letter reasons
const (
	ReasonRejected         = "rejected"
	ReasonRetriesExhausted = "retries-exhausted"
	ReasonUnrecoverable    = "unrecoverable"
	ReasonValidation       = "validation"
	ReasonFatal            = "fatal"
)

// DeadLetter is a delivery that will never be retried
type DeadLetter struct {
	Key        string               `json:"key"`
	Message    *contracts.Message   `json:"message,omitempty"`
	Attributes contracts.Attributes `json:"attributes"`
	Error      *contracts.ErrorBody `json:"error,omitempty"`
	Reason     string               `json:"reason"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Encode serializes the dead letter for transport
func (d DeadLetter) Encode() ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", d.Key, err)
	}
	return body, nil
}

// Sink records dead letters
type Sink interface {
	Send(ctx context.Context, letter DeadLetter) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, letter DeadLetter) error

// Send implements Sink
func (f SinkFunc) Send(ctx context.Context, letter DeadLetter) error {
	return f(ctx, letter)
}

// TopicPublisher is the event publishing capability a PublisherSink needs
type TopicPublisher interface {
	Publish(ctx context.Context, topic string, body []byte, attrs map[string]string) error
}

// PublisherSink publishes dead letters as events on one topic
type PublisherSink struct {
	publisher TopicPublisher
	topic     string
	policy    RetryPolicy
}

// NewPublisherSink creates a sink that publishes on topic
func NewPublisherSink(publisher TopicPublisher, topic string) *PublisherSink {
	return &PublisherSink{
		publisher: publisher,
		topic:     topic,
		policy:    DefaultPublishPolicy(),
	}
}

// Send implements Sink
func (s *PublisherSink) Send(ctx context.Context, letter DeadLetter) error {
	body, err := letter.Encode()
	if err != nil {
		return err
	}
	attrs := letter.Attributes.Headers()
	attrs[contracts.HeaderKey] = letter.Key
	attrs["reason"] = letter.Reason

	return Retry(ctx, s.policy, func() error {
		return s.publisher.Publish(ctx, s.topic, body, attrs)
	})
}

// MultiSink fans a dead letter out to several sinks. Every sink is tried.
type MultiSink struct {
	sinks  map[string]Sink
	order  []string
	logger *slog.Logger
}

// NewMultiSink creates an empty MultiSink
func NewMultiSink(logger *slog.Logger) *MultiSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiSink{
		sinks:  make(map[string]Sink),
		logger: logger,
	}
}

// Add registers a named sink
func (m *MultiSink) Add(name string, sink Sink) *MultiSink {
	if _, exists := m.sinks[name]; !exists {
		m.order = append(m.order, name)
	}
	m.sinks[name] = sink
	return m
}

// Len returns the number of sinks
func (m *MultiSink) Len() int {
	return len(m.order)
}

// Send implements Sink
func (m *MultiSink) Send(ctx context.Context, letter DeadLetter) error {
	if letter.Key == "" {
		return ErrInvalidDeadLetter
	}
	if letter.Timestamp.IsZero() {
		letter.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, name := range m.order {
		if err := m.sinks[name].Send(ctx, letter); err != nil {
			m.logger.Error("failed to record dead letter",
				"sink", name,
				"key", letter.Key,
				"correlationId", letter.Attributes.CorrelationID,
				"error", err,
			)
			errs = append(errs, &SinkError{Sink: name, Key: letter.Key, Err: err})
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps dead letters in process; used by tests and local runs
type MemorySink struct {
	mu      sync.Mutex
	letters []DeadLetter
	limit   int
}

// NewMemorySink keeps at most limit letters, dropping the oldest. Zero means unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Send implements Sink
func (s *MemorySink) Send(_ context.Context, letter DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters = append(s.letters, letter)
	if s.limit > 0 && len(s.letters) > s.limit {
		s.letters = s.letters[len(s.letters)-s.limit:]
	}
	return nil
}

// Letters returns a copy of the recorded dead letters
func (s *MemorySink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}

// Reset drops all recorded letters
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = nil
}
