package engine

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

func TestClassifier(t *testing.T) {
	step := contracts.Attributes{Key: "sequence.orders.perform.charge", Queue: "orders"}
	exhausted := step
	exhausted.RetryCount = 10
	noRetry := step
	noRetry.NoRetry = true
	noRetry.RetryCount = 1
	direct := contracts.Attributes{Key: "sequence.orders.perform.charge"}
	branch := contracts.Attributes{Key: "sequence.orders.perform.charge.unrecoverable", Queue: "orders"}

	tests := []struct {
		name       string
		err        error
		attrs      contracts.Attributes
		outcome    Outcome
		status     int
		deadLetter bool
		reason     string
	}{
		{"success", nil, step, OutcomeAccepted, http.StatusCreated, false, ""},
		{"task exists", fmt.Errorf("publish: %w", contracts.ErrTaskExists), step, OutcomeDuplicate, http.StatusOK, false, ""},
		{"rejected", contracts.Reject("card declined"), step, OutcomeRejected, http.StatusOK, true, reliability.ReasonRejected},
		{"retry with budget", contracts.Retry("gateway timeout"), step, OutcomeRetry, http.StatusBadRequest, false, ""},
		{"retry exhausted", contracts.Retry("gateway timeout"), exhausted, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonRetriesExhausted},
		{"retry opted out", contracts.Retry("gateway timeout"), noRetry, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonRetriesExhausted},
		{"unrecoverable branches", contracts.Unrecoverable("gone"), step, OutcomeUnrecoverable, http.StatusOK, false, ""},
		{"unrecoverable on branch", contracts.Unrecoverable("gone"), branch, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonUnrecoverable},
		{"validation", contracts.Invalid("missing id"), step, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonValidation},
		{"storage", newStorageError("store parent", "p", errors.New("timeout")), step, OutcomeStorageFailure, http.StatusBadGateway, false, ""},
		{"storage exhausted", newStorageError("store parent", "p", errors.New("timeout")), exhausted, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonRetriesExhausted},
		{"fatal", errors.New("nil pointer"), step, OutcomeFatal, http.StatusInternalServerError, false, ""},
		{"fatal without queue", errors.New("nil pointer"), direct, OutcomeFatal, http.StatusInternalServerError, true, reliability.ReasonFatal},
		{"fatal exhausted", errors.New("nil pointer"), exhausted, OutcomeDeadLettered, http.StatusOK, true, reliability.ReasonRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classifier{}.Classify(tt.err, tt.attrs)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.status, d.Status)
			assert.Equal(t, tt.deadLetter, d.DeadLetter)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestShouldSendToDLX(t *testing.T) {
	c := Classifier{MaxRetries: 3}

	assert.False(t, c.ShouldSendToDLX(contracts.Attributes{RetryCount: 0}))
	assert.False(t, c.ShouldSendToDLX(contracts.Attributes{RetryCount: 2}))
	assert.True(t, c.ShouldSendToDLX(contracts.Attributes{RetryCount: 3}))
	assert.False(t, c.ShouldSendToDLX(contracts.Attributes{RetryCount: 0, NoRetry: true}))
	assert.True(t, c.ShouldSendToDLX(contracts.Attributes{RetryCount: 1, NoRetry: true}))
	assert.Equal(t, DefaultMaxRetries, Classifier{}.maxRetries())
}

func TestNestingIsRetryable(t *testing.T) {
	err := contracts.WithFlag(contracts.FlagRetry, fmt.Errorf("%w: x", ErrNestingTooDeep))
	d := Classifier{}.Classify(err, contracts.Attributes{Queue: "q"})
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.ErrorIs(t, err, ErrNestingTooDeep)
}
