package engine

import (
	"errors"
	"net/http"
	"strings"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

// DefaultMaxRetries is the redelivery budget of a task
const DefaultMaxRetries = 10

// Error body types
const (
	ErrorTypeRejected      = "rejected"
	ErrorTypeRetry         = "retry"
	ErrorTypeUnrecoverable = "unrecoverable"
	ErrorTypeValidation    = "validation"
	ErrorTypeStorage       = "storage"
	ErrorTypeFatal         = "fatal"
	ErrorTypeNotFound      = "not-found"
)

// Decision is the classification of one handler failure
type Decision struct {
	Outcome Outcome
	Status  int
	// DeadLetter means the delivery is written to the dead-letter sink
	DeadLetter bool
	Reason     string
	ErrorType  string
}

// Classifier maps errors to decisions. The zero value uses DefaultMaxRetries.
type Classifier struct {
	MaxRetries int
}

func (c Classifier) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// ShouldSendToDLX reports whether the retry budget of the delivery is spent
func (c Classifier) ShouldSendToDLX(attrs contracts.Attributes) bool {
	return (attrs.NoRetry && attrs.RetryCount > 0) || attrs.RetryCount+1 > c.maxRetries()
}

// Classify decides how a delivery that ended with err is answered
func (c Classifier) Classify(err error, attrs contracts.Attributes) Decision {
	if err == nil {
		return Decision{Outcome: OutcomeAccepted, Status: http.StatusCreated}
	}
	if errors.Is(err, contracts.ErrTaskExists) {
		return Decision{Outcome: OutcomeDuplicate, Status: http.StatusOK}
	}

	exhausted := c.ShouldSendToDLX(attrs)
	deadLettered := func(reason, errType string) Decision {
		return Decision{Outcome: OutcomeDeadLettered, Status: http.StatusOK, DeadLetter: true, Reason: reason, ErrorType: errType}
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		if exhausted {
			return deadLettered(reliability.ReasonRetriesExhausted, ErrorTypeStorage)
		}
		return Decision{Outcome: OutcomeStorageFailure, Status: http.StatusBadGateway, ErrorType: ErrorTypeStorage}
	}

	if flag, ok := contracts.FlagOf(err); ok {
		switch flag {
		case contracts.FlagRejected:
			return Decision{Outcome: OutcomeRejected, Status: http.StatusOK, DeadLetter: true, Reason: reliability.ReasonRejected, ErrorType: ErrorTypeRejected}
		case contracts.FlagRetry:
			if exhausted {
				return deadLettered(reliability.ReasonRetriesExhausted, ErrorTypeRetry)
			}
			return Decision{Outcome: OutcomeRetry, Status: http.StatusBadRequest, ErrorType: ErrorTypeRetry}
		case contracts.FlagUnrecoverable:
			if IsUnrecoverableRoute(attrs.Key) {
				return deadLettered(reliability.ReasonUnrecoverable, ErrorTypeUnrecoverable)
			}
			return Decision{Outcome: OutcomeUnrecoverable, Status: http.StatusOK, ErrorType: ErrorTypeUnrecoverable}
		case contracts.FlagValidation:
			return deadLettered(reliability.ReasonValidation, ErrorTypeValidation)
		}
	}

	if exhausted {
		return deadLettered(reliability.ReasonRetriesExhausted, ErrorTypeFatal)
	}
	d := Decision{Outcome: OutcomeFatal, Status: http.StatusInternalServerError, ErrorType: ErrorTypeFatal}
	// Without a queue nothing will redeliver, so record the failure now.
	if attrs.Queue == "" {
		d.DeadLetter = true
		d.Reason = reliability.ReasonFatal
	}
	return d
}

// IsUnrecoverableRoute reports whether key is a "<step>.unrecoverable" route
func IsUnrecoverableRoute(key string) bool {
	return strings.HasSuffix(key, ".unrecoverable")
}
