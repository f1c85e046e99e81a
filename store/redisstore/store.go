// Package redisstore is a durable JobStore and IdempotencyStore backed by Redis.
//
// Key layout (the parent id is a hash tag so all keys of one fan-out share a cluster slot):
//
//	<prefix>{<parentID>}:parent     => JSON encoded ParentJob, created with SET NX
//	<prefix>{<parentID>}:bucket:<n> => SET of completed child correlation ids
//	<prefix>lock:<key>:<attempt>    => idempotency lock, SET NX with expiry
//
// SADD is the set-union on a bucket; it runs in a script that skips the write
// once the parent is gone. RemoveParent deletes the parent and its buckets in
// one script and reports whether the parent was still there.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/naming"
	"github.com/glimte/mmate-saga/store"
)

const removeParentLua = `
local removed = redis.call('DEL', KEYS[1])
if removed == 1 then
	for i = 2, #KEYS do
		redis.call('DEL', KEYS[i])
	end
end
return removed
`

var removeParentScript = redis.NewScript(removeParentLua)

// Completions arriving after the parent is gone must not recreate its buckets.
const completeChildLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
return redis.call('SADD', KEYS[2], ARGV[1])
`

var completeChildScript = redis.NewScript(completeChildLua)

// Store is the Redis-backed JobStore and IdempotencyStore
type Store struct {
	client    redis.UniversalClient
	prefix    string
	n         int
	retention time.Duration
}

// Option configures the Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithBuckets sets the number of completion shards per parent
func WithBuckets(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.n = n
		}
	}
}

// WithLockRetention sets how long idempotency locks are kept
func WithLockRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// New creates a store on client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    "saga:",
		n:         store.DefaultBuckets,
		retention: store.DefaultLockRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) keyParent(parentID string) string {
	return s.prefix + "{" + parentID + "}:parent"
}

func (s *Store) keyBucket(parentID string, bucket int) string {
	return s.prefix + "{" + parentID + "}:bucket:" + strconv.Itoa(bucket)
}

func (s *Store) keyLock(idempotencyKey string, deliveryAttempt int) string {
	return s.prefix + "lock:" + store.LockKey(idempotencyKey, deliveryAttempt)
}

// StoreParent implements store.JobStore
func (s *Store) StoreParent(ctx context.Context, parentID string, children []store.Child, msg *contracts.Message, continuation store.Continuation) error {
	job, err := store.NewParentJob(parentID, children, msg, continuation)
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidMessage, err)
	}

	created, err := s.client.SetNX(ctx, s.keyParent(parentID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: store parent %s: %w", parentID, err)
	}
	if !created {
		return fmt.Errorf("%w: %s", store.ErrParentExists, parentID)
	}
	return nil
}

// CompletedChild implements store.JobStore
func (s *Store) CompletedChild(ctx context.Context, parentID, childCorrelationID string) error {
	keys := []string{s.keyParent(parentID), s.keyBucket(parentID, naming.Bucket(childCorrelationID, s.n))}
	if err := completeChildScript.Run(ctx, s.client, keys, childCorrelationID).Err(); err != nil {
		return fmt.Errorf("redis: complete child %s of %s: %w", childCorrelationID, parentID, err)
	}
	return nil
}

// ParentIsComplete implements store.JobStore
func (s *Store) ParentIsComplete(ctx context.Context, parentID string, expectedCount int) (store.Completion, error) {
	pipe := s.client.Pipeline()
	parent := pipe.Get(ctx, s.keyParent(parentID))
	counts := make([]*redis.IntCmd, s.n)
	for b := range counts {
		counts[b] = pipe.SCard(ctx, s.keyBucket(parentID, b))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return store.Completion{}, fmt.Errorf("redis: read completion of %s: %w", parentID, err)
	}

	data, err := parent.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.Completion{}, nil
		}
		return store.Completion{}, fmt.Errorf("redis: load parent %s: %w", parentID, err)
	}

	completion := store.Completion{}
	for _, c := range counts {
		completion.CompletedCount += int(c.Val())
	}
	if completion.CompletedCount < expectedCount {
		return completion, nil
	}

	var job store.ParentJob
	if err := json.Unmarshal(data, &job); err != nil {
		return store.Completion{}, fmt.Errorf("redis: decode parent %s: %w", parentID, err)
	}
	completion.IsLast = true
	completion.Parent = &job
	return completion, nil
}

// RemoveParent implements store.JobStore
func (s *Store) RemoveParent(ctx context.Context, parentID string) (bool, error) {
	keys := make([]string, 0, s.n+1)
	keys = append(keys, s.keyParent(parentID))
	for b := 0; b < s.n; b++ {
		keys = append(keys, s.keyBucket(parentID, b))
	}

	removed, err := removeParentScript.Run(ctx, s.client, keys).Int()
	if err != nil {
		return false, fmt.Errorf("redis: remove parent %s: %w", parentID, err)
	}
	return removed == 1, nil
}

// MessageAlreadySeen implements store.IdempotencyStore
func (s *Store) MessageAlreadySeen(ctx context.Context, idempotencyKey string, deliveryAttempt int) (bool, error) {
	created, err := s.client.SetNX(ctx, s.keyLock(idempotencyKey, deliveryAttempt), 1, s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis: create lock %s: %w", idempotencyKey, err)
	}
	return !created, nil
}

// ReleaseMessage implements store.IdempotencyStore
func (s *Store) ReleaseMessage(ctx context.Context, idempotencyKey string, deliveryAttempt int) error {
	if err := s.client.Del(ctx, s.keyLock(idempotencyKey, deliveryAttempt)).Err(); err != nil {
		return fmt.Errorf("redis: release lock %s: %w", idempotencyKey, err)
	}
	return nil
}

// Ping checks connectivity; used by the health checker
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ store.JobStore         = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)
