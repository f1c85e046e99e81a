package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-saga/contracts"
)

var (
	// ErrUnknownKey is returned for a key the recipe graph does not know
	ErrUnknownKey = errors.New("engine: unknown key")
	// ErrNestingTooDeep is returned when a sub-sequence child tries to start its own sub-sequence
	ErrNestingTooDeep = errors.New("engine: sub-sequences cannot be nested more than one level")
	// ErrBadTriggerResult is returned for a trigger result without a usable message list
	ErrBadTriggerResult = errors.New("engine: malformed trigger result")
	// ErrInvalidTriggerKey is returned for a trigger result naming an unsupported or unknown target
	ErrInvalidTriggerKey = errors.New("engine: invalid trigger key")
	// ErrNoEventPublisher is returned when an event must be published but none is configured
	ErrNoEventPublisher = errors.New("engine: no event publisher configured")
	// ErrNoJobStore is returned when the graph declares sub-sequences but no JobStore is configured
	ErrNoJobStore = errors.New("engine: sub-sequences require a job store")
	// ErrMissingDependency is returned by NewDispatcher for a nil graph or task publisher
	ErrMissingDependency = errors.New("engine: missing dependency")
)

// StorageError is a JobStore or IdempotencyStore failure during a delivery
type StorageError struct {
	Op        string
	ID        string
	Err       error
	Timestamp time.Time
}

func newStorageError(op, id string, err error) *StorageError {
	return &StorageError{Op: op, ID: id, Err: err, Timestamp: time.Now()}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// invalid wraps sentinel as a validation failure
func invalid(sentinel error, format string, args ...any) error {
	return contracts.WithFlag(contracts.FlagValidation, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
