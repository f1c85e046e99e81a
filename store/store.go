package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-saga/contracts"
)

var (
	// ErrParentExists is returned by StoreParent when the fan-out was already recorded
	ErrParentExists = errors.New("store: parent job already exists")
	// ErrParentNotFound is returned when a parent job is read after removal
	ErrParentNotFound = errors.New("store: parent job not found")
	// ErrInvalidMessage is returned when a message cannot be stored faithfully
	ErrInvalidMessage = errors.New("store: invalid message")
)

// DefaultLockRetention is how long idempotency locks are kept
const DefaultLockRetention = 24 * time.Hour

// DefaultBucketRetention is how long a completion bucket outlives its last write
const DefaultBucketRetention = 7 * 24 * time.Hour

// DefaultBuckets is the number of completion shards per parent job
const DefaultBuckets = 10

// Child is one spawned sub-sequence
type Child struct {
	CorrelationID string            `json:"correlationId" bson:"correlationId"`
	Body          *contracts.Message `json:"body" bson:"body"`
}

// Continuation records where the spawning workflow resumes once all children are done
type Continuation struct {
	NextKey string `json:"nextKey" bson:"nextKey"`
	Queue   string `json:"queue,omitempty" bson:"queue,omitempty"`
	RunID   string `json:"runId,omitempty" bson:"runId,omitempty"`
}

// ParentJob is the fan-out record shared by all children of one spawning step
type ParentJob struct {
	ID           string             `json:"id" bson:"_id"`
	Children     []Child            `json:"children" bson:"children"`
	Message      *contracts.Message `json:"message" bson:"message"`
	Continuation Continuation       `json:"continuation" bson:"continuation"`
	CreatedAt    time.Time          `json:"createdAt" bson:"createdAt"`
}

// Completion is the result of ParentIsComplete
type Completion struct {
	IsLast         bool
	CompletedCount int
	// Parent is only set when IsLast
	Parent *ParentJob
}

// JobStore tracks fan-out/fan-in state across instances
type JobStore interface {
	// StoreParent creates the parent record; ErrParentExists if it is already there
	StoreParent(ctx context.Context, parentID string, children []Child, msg *contracts.Message, continuation Continuation) error
	// CompletedChild adds a child to the completion set; repeated calls are no-ops
	CompletedChild(ctx context.Context, parentID, childCorrelationID string) error
	// ParentIsComplete counts completions across all buckets
	ParentIsComplete(ctx context.Context, parentID string, expectedCount int) (Completion, error)
	// RemoveParent deletes the parent and its buckets; false means another caller already did
	RemoveParent(ctx context.Context, parentID string) (bool, error)
}

// IdempotencyStore holds create-once delivery locks
type IdempotencyStore interface {
	// MessageAlreadySeen creates the lock for (key, attempt); true when it already existed
	MessageAlreadySeen(ctx context.Context, idempotencyKey string, deliveryAttempt int) (bool, error)
	// ReleaseMessage drops the lock for (key, attempt) so the same delivery can run again
	ReleaseMessage(ctx context.Context, idempotencyKey string, deliveryAttempt int) error
}

// LockKey builds the idempotency lock id for a delivery
func LockKey(idempotencyKey string, deliveryAttempt int) string {
	return fmt.Sprintf("%s:%d", idempotencyKey, deliveryAttempt)
}

// NewParentJob assembles a parent record after validating the stored message
func NewParentJob(parentID string, children []Child, msg *contracts.Message, continuation Continuation) (*ParentJob, error) {
	if err := ValidateMessage(msg); err != nil {
		return nil, fmt.Errorf("parent %s: %w", parentID, err)
	}
	for _, child := range children {
		if err := ValidateMessage(child.Body); err != nil {
			return nil, fmt.Errorf("parent %s child %s: %w", parentID, child.CorrelationID, err)
		}
	}
	return &ParentJob{
		ID:           parentID,
		Children:     children,
		Message:      msg,
		Continuation: continuation,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
