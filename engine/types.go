package engine

import (
	"context"
	"time"

	"github.com/glimte/mmate-saga/contracts"
)

// Task is one enqueued delivery of a key
type Task struct {
	// URL is the route path including the base path
	URL string
	Key string
	// Name is deterministic; publishers may use it to drop duplicates
	Name    string
	Body    []byte
	Headers map[string]string
	Queue   string
	Delay   time.Duration
}

// TaskPublisher enqueues tasks. Returning contracts.ErrTaskExists means the task was already enqueued.
type TaskPublisher interface {
	Publish(ctx context.Context, task Task) error
	PublishBulk(ctx context.Context, tasks []Task) error
}

// EventPublisher publishes events on a topic
type EventPublisher interface {
	Publish(ctx context.Context, topic string, body []byte, attrs map[string]string) error
}

// Delivery is one inbound task or event
type Delivery struct {
	Key        string
	Message    *contracts.Message
	Attributes contracts.Attributes
}

// Outcome names how a delivery ended
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeCompleted      Outcome = "completed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeRejected       Outcome = "rejected"
	OutcomeUnrecoverable  Outcome = "unrecoverable"
	OutcomeDeadLettered   Outcome = "dead-lettered"
	OutcomeRetry          Outcome = "retry"
	OutcomeFatal          Outcome = "fatal"
	OutcomeStorageFailure Outcome = "storage-failure"
	OutcomeNotFound       Outcome = "not-found"
)

// Response is what the transport binding turns into an ack, a nack or an HTTP reply
type Response struct {
	Status        int                  `json:"-"`
	CorrelationID string               `json:"correlationId,omitempty"`
	RunID         string               `json:"runId,omitempty"`
	Error         *contracts.ErrorBody `json:"error,omitempty"`
	Outcome       Outcome              `json:"outcome"`
}

// Success reports whether the transport should acknowledge the delivery
func (r Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}
