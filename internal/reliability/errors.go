package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while a circuit rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrUnknownState is returned for a corrupted breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
	// ErrNonRetryable marks an error that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
	// ErrSinkFailed is returned when a dead letter could not be recorded
	ErrSinkFailed = errors.New("dead letter: sink failed")
	// ErrInvalidDeadLetter is returned for a dead letter without a key
	ErrInvalidDeadLetter = errors.New("dead letter: invalid entry")
)

// CircuitBreakerError represents a circuit breaker rejection with context
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// Is lets errors.Is match ErrCircuitOpen
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned when a retry policy gave up
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// SinkError reports which sink failed to record a dead letter
type SinkError struct {
	Sink string
	Key  string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("dead letter sink %s failed for %s: %v", e.Sink, e.Key, e.Err)
}

func (e *SinkError) Unwrap() []error {
	return []error{ErrSinkFailed, e.Err}
}
