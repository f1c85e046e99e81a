// Package memory provides an in-process JobStore and IdempotencyStore.
//
// State lives in one explicit Store value and is not shared between
// processes. It suits tests and single-instance deployments only;
// production deployments use a durable backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/store"
)

// Store is a mutex-guarded, single-instance JobStore and IdempotencyStore
type Store struct {
	mu        sync.Mutex
	parents   map[string][]byte
	completed map[string]map[string]struct{}
	locks     map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// Option configures the Store
type Option func(*Store)

// WithLockRetention sets how long idempotency locks are kept
func WithLockRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithClock replaces the time source used for lock expiry
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		retention: store.DefaultLockRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Reset()
	return s
}

// Reset drops all state. Intended for test harnesses.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parents = make(map[string][]byte)
	s.completed = make(map[string]map[string]struct{})
	s.locks = make(map[string]time.Time)
}

// StoreParent implements store.JobStore
func (s *Store) StoreParent(ctx context.Context, parentID string, children []store.Child, msg *contracts.Message, continuation store.Continuation) error {
	job, err := store.NewParentJob(parentID, children, msg, continuation)
	if err != nil {
		return err
	}
	// Kept encoded so callers cannot mutate stored state.
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidMessage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.parents[parentID]; exists {
		return fmt.Errorf("%w: %s", store.ErrParentExists, parentID)
	}
	s.parents[parentID] = data
	s.completed[parentID] = make(map[string]struct{})
	return nil
}

// CompletedChild implements store.JobStore
func (s *Store) CompletedChild(ctx context.Context, parentID, childCorrelationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.completed[parentID]
	if !ok {
		// Parent already removed: a redelivered completion.
		return nil
	}
	set[childCorrelationID] = struct{}{}
	return nil
}

// ParentIsComplete implements store.JobStore
func (s *Store) ParentIsComplete(ctx context.Context, parentID string, expectedCount int) (store.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.parents[parentID]
	if !ok {
		return store.Completion{}, nil
	}

	completion := store.Completion{CompletedCount: len(s.completed[parentID])}
	if completion.CompletedCount < expectedCount {
		return completion, nil
	}

	var job store.ParentJob
	if err := json.Unmarshal(data, &job); err != nil {
		return store.Completion{}, fmt.Errorf("memory: decode parent %s: %w", parentID, err)
	}
	completion.IsLast = true
	completion.Parent = &job
	return completion, nil
}

// RemoveParent implements store.JobStore
func (s *Store) RemoveParent(ctx context.Context, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parents[parentID]; !ok {
		return false, nil
	}
	delete(s.parents, parentID)
	delete(s.completed, parentID)
	return true, nil
}

// MessageAlreadySeen implements store.IdempotencyStore
func (s *Store) MessageAlreadySeen(ctx context.Context, idempotencyKey string, deliveryAttempt int) (bool, error) {
	key := store.LockKey(idempotencyKey, deliveryAttempt)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.locks[key]; ok && now.Before(expiry) {
		return true, nil
	}
	s.locks[key] = now.Add(s.retention)
	return false, nil
}

// ReleaseMessage implements store.IdempotencyStore
func (s *Store) ReleaseMessage(ctx context.Context, idempotencyKey string, deliveryAttempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, store.LockKey(idempotencyKey, deliveryAttempt))
	return nil
}

// Parents returns the number of open fan-outs
func (s *Store) Parents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parents)
}

var (
	_ store.JobStore         = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)
