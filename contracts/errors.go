package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskExists is returned by task publishers when a task with the same name was already created
	ErrTaskExists = errors.New("contracts: task already exists")
	// ErrMalformedMessage is returned when a message body cannot be decoded
	ErrMalformedMessage = errors.New("contracts: malformed message")
)

// Flag classifies a step failure
type Flag string

const (
	FlagRejected      Flag = "rejected"
	FlagRetry         Flag = "retry"
	FlagUnrecoverable Flag = "unrecoverable"
	FlagValidation    Flag = "validation"
)

// StepError is a classified step failure
type StepError struct {
	Flag    Flag
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Flag, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Flag, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FlagOf returns the classification flag of err, if any
func FlagOf(err error) (Flag, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Flag, true
	}
	return "", false
}

// Reject marks a permanent, sender-caused failure
func Reject(format string, args ...any) error {
	return &StepError{Flag: FlagRejected, Message: fmt.Sprintf(format, args...)}
}

// Retry marks a transient failure bounded by the retry budget
func Retry(format string, args ...any) error {
	return &StepError{Flag: FlagRetry, Message: fmt.Sprintf(format, args...)}
}

// Unrecoverable marks a permanent failure that needs the compensating handler
func Unrecoverable(format string, args ...any) error {
	return &StepError{Flag: FlagUnrecoverable, Message: fmt.Sprintf(format, args...)}
}

// Invalid marks malformed input; it is never retried
func Invalid(format string, args ...any) error {
	return &StepError{Flag: FlagValidation, Message: fmt.Sprintf(format, args...)}
}

// RejectIf returns Reject when cond holds, nil otherwise
func RejectIf(cond bool, format string, args ...any) error {
	if !cond {
		return nil
	}
	return Reject(format, args...)
}

// RetryIf returns Retry when cond holds, nil otherwise
func RetryIf(cond bool, format string, args ...any) error {
	if !cond {
		return nil
	}
	return Retry(format, args...)
}

// UnrecoverableIf returns Unrecoverable when cond holds, nil otherwise
func UnrecoverableIf(cond bool, format string, args ...any) error {
	if !cond {
		return nil
	}
	return Unrecoverable(format, args...)
}

// InvalidIf returns Invalid when cond holds, nil otherwise
func InvalidIf(cond bool, format string, args ...any) error {
	if !cond {
		return nil
	}
	return Invalid(format, args...)
}

// WithFlag classifies an existing error
func WithFlag(flag Flag, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Flag: flag, Message: err.Error(), Err: err}
}

// ErrorBody is the typed failure body returned to callers and stored with dead letters
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorBody builds an error body of the given type
func NewErrorBody(errType string, err error) *ErrorBody {
	body := &ErrorBody{Type: errType}
	if err != nil {
		body.Message = err.Error()
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		body.Message = stepErr.Message
	}
	return body
}
