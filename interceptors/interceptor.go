package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

// ErrHandlerPanic is returned when a step handler panicked
var ErrHandlerPanic = errors.New("interceptors: handler panicked")

// Invocation is one call of a step, trigger or unrecoverable handler
type Invocation struct {
	Key     string
	Message *contracts.Message
	Step    *contracts.StepContext
}

// StepHandler is the final handler at the end of the chain
type StepHandler interface {
	Handle(ctx context.Context, inv *Invocation) (contracts.Result, error)
}

// StepHandlerFunc is a function adapter for StepHandler
type StepHandlerFunc func(ctx context.Context, inv *Invocation) (contracts.Result, error)

// Handle implements StepHandler
func (f StepHandlerFunc) Handle(ctx context.Context, inv *Invocation) (contracts.Result, error) {
	return f(ctx, inv)
}

// Interceptor wraps handler invocation
type Interceptor interface {
	// Intercept processes an invocation and calls the next handler in the chain
	Intercept(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error) {
	return i.fn(ctx, inv, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs the chain; the first interceptor added is the outermost
func (c *InterceptorChain) Execute(ctx context.Context, inv *Invocation, final StepHandler) (contracts.Result, error) {
	if c == nil || len(c.interceptors) == 0 {
		return final.Handle(ctx, inv)
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = StepHandlerFunc(func(ctx context.Context, inv *Invocation) (contracts.Result, error) {
			return interceptor.Intercept(ctx, inv, next)
		})
	}

	return handler.Handle(ctx, inv)
}

// LoggingInterceptor logs handler invocations with timing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error) {
	start := time.Now()
	logger := i.logger
	if inv.Step != nil && inv.Step.Logger != nil {
		logger = inv.Step.Logger
	}

	logger.Debug("invoking handler", "key", inv.Key, "messageType", inv.Message.Type)

	result, err := next.Handle(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		flag, _ := contracts.FlagOf(err)
		logger.Warn("handler failed",
			"key", inv.Key,
			"flag", string(flag),
			"duration", duration,
			"error", err,
		)
	} else {
		logger.Info("handler completed",
			"key", inv.Key,
			"result", fmt.Sprintf("%T", result),
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor turns handler panics into errors
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, inv *Invocation, next StepHandler) (result contracts.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			// The stack goes to the log only, never into a response body.
			i.logger.Error("handler panicked",
				"key", inv.Key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, inv.Key, r)
		}
	}()
	return next.Handle(ctx, inv)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor bounds handler execution
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A handler that overruns is retried.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	result, err := next.Handle(ctx, inv)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		if _, classified := contracts.FlagOf(err); !classified {
			return nil, contracts.WithFlag(contracts.FlagRetry, fmt.Errorf("%s timed out after %v: %w", inv.Key, i.timeout, err))
		}
	}
	return result, err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreakerInterceptor keeps one breaker per key.
// Only retryable and unclassified failures trip it; an open circuit is reported as a retry.
type CircuitBreakerInterceptor struct {
	mu       sync.Mutex
	breakers map[string]*reliability.CircuitBreaker
	options  []reliability.CircuitBreakerOption
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(options ...reliability.CircuitBreakerOption) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{
		breakers: make(map[string]*reliability.CircuitBreaker),
		options:  options,
	}
}

// Breaker returns the breaker guarding key, creating it on first use
func (i *CircuitBreakerInterceptor) Breaker(key string) *reliability.CircuitBreaker {
	i.mu.Lock()
	defer i.mu.Unlock()

	cb, ok := i.breakers[key]
	if !ok {
		opts := append([]reliability.CircuitBreakerOption{
			reliability.WithName(key),
			reliability.WithFailurePredicate(tripsBreaker),
		}, i.options...)
		cb = reliability.NewCircuitBreaker(opts...)
		i.breakers[key] = cb
	}
	return cb
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error) {
	var result contracts.Result
	err := i.Breaker(inv.Key).Execute(ctx, func() error {
		var err error
		result, err = next.Handle(ctx, inv)
		return err
	})

	var cbErr *reliability.CircuitBreakerError
	if errors.As(err, &cbErr) {
		return nil, contracts.WithFlag(contracts.FlagRetry, err)
	}
	return result, err
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	flag, classified := contracts.FlagOf(err)
	return !classified || flag == contracts.FlagRetry
}

// ChainBuilder builds the default handler pipeline
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds a logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithRecovery adds a panic recovery interceptor
func (b *ChainBuilder) WithRecovery() *ChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithTimeout adds a timeout interceptor; zero adds nothing
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	if timeout > 0 {
		b.chain.Add(NewTimeoutInterceptor(timeout))
	}
	return b
}

// WithCircuitBreaker adds a per-key circuit breaker
func (b *ChainBuilder) WithCircuitBreaker(options ...reliability.CircuitBreakerOption) *ChainBuilder {
	options = append([]reliability.CircuitBreakerOption{reliability.WithBreakerLogger(b.logger)}, options...)
	b.chain.Add(NewCircuitBreakerInterceptor(options...))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
