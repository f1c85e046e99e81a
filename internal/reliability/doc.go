// Package reliability provides the failure-handling building blocks of the engine.
//
//   - Retry policies: exponential backoff and fixed delay, driven by Retry
//   - Circuit breaker: stops calling a failing dependency until a cool-down has passed
//   - Dead letters: the Sink contract, a publishing sink, a fan-out MultiSink and an in-memory sink
//   - Limiter: paces bulk task publication
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("billing"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return Retry(ctx, DefaultPublishPolicy(), publish)
//	})
package reliability
