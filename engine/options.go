package engine

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/interceptors"
	"github.com/glimte/mmate-saga/internal/reliability"
	"github.com/glimte/mmate-saga/store"
)

// DefaultNamespace seeds deterministic correlation ids
var DefaultNamespace = uuid.MustParse("6f1c8f5e-3b7a-4f0e-9a55-2d1b7c0e4a91")

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithJobStore sets the store used for sub-sequence fan-out
func WithJobStore(jobs store.JobStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.jobs = jobs
	}
}

// WithIdempotencyStore enables the idempotency guard
func WithIdempotencyStore(s store.IdempotencyStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.locks = s
	}
}

// WithEventPublisher sets the publisher used for event triggers
func WithEventPublisher(events EventPublisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.events = events
	}
}

// WithDeadLetterSink sets where terminal failures are recorded
func WithDeadLetterSink(sink reliability.Sink) DispatcherOption {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithInterceptors sets the handler pipeline
func WithInterceptors(chain *interceptors.InterceptorChain) DispatcherOption {
	return func(d *Dispatcher) {
		d.chain = chain
	}
}

// WithRequester sets the outbound HTTP capability handed to handlers
func WithRequester(requester contracts.Requester) DispatcherOption {
	return func(d *Dispatcher) {
		d.requester = requester
	}
}

// WithBasePath sets the versioned route root
func WithBasePath(basePath string) DispatcherOption {
	return func(d *Dispatcher) {
		d.basePath = basePath
	}
}

// WithMaxRetries sets the redelivery budget
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.classifier.MaxRetries = n
	}
}

// WithChunkSize sets how many tasks one bulk publication carries
func WithChunkSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithPublishRate sets the bulk publication ceiling in tasks per second; zero disables it
func WithPublishRate(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		d.publishRate = perSecond
	}
}

// WithPublishPolicy sets the retry policy of task and event publication
func WithPublishPolicy(policy reliability.RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// WithNamespace sets the namespace of deterministic correlation ids
func WithNamespace(namespace uuid.UUID) DispatcherOption {
	return func(d *Dispatcher) {
		d.namespace = namespace
	}
}
