// Package interceptors wraps step handler invocation with cross-cutting concerns.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each invocation with timing and failure classification
//   - RecoveryInterceptor: turns handler panics into errors
//   - TimeoutInterceptor: bounds handler execution; overruns are retried
//   - CircuitBreakerInterceptor: one breaker per key, an open circuit is reported as a retry
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithRecovery().
//		WithTimeout(30 * time.Second).
//		WithCircuitBreaker(reliability.WithFailureThreshold(5)).
//		Build()
//
//	result, err := chain.Execute(ctx, inv, finalHandler)
//
// Interceptors run in the order they were added; the final handler runs last.
package interceptors
