// Package mongostore is the durable JobStore and IdempotencyStore backed by MongoDB.
//
// Parent jobs are single documents created with InsertOne, so a second
// create for the same id fails on the unique _id index. Child completions
// are spread over N bucket documents and recorded with $addToSet upserts,
// an atomic set-union on one document. RemoveParent uses the DeletedCount of
// the parent delete as the fencing token: only one caller ever sees 1.
// Idempotency locks rely on a TTL index for expiry.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/naming"
	"github.com/glimte/mmate-saga/store"
)

const (
	parentsCollection = "saga_parents"
	bucketsCollection = "saga_buckets"
	locksCollection   = "saga_locks"
)

// Store is the MongoDB-backed JobStore and IdempotencyStore
type Store struct {
	parents   *mongo.Collection
	buckets   *mongo.Collection
	locks     *mongo.Collection
	n         int
	retention time.Duration
	expiry    time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures the Store
type Option func(*Store)

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

// WithBucketRetention sets how long a completion bucket lives after its last write.
// It must exceed the longest fan-out.
func WithBucketRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithTimeout bounds every single database operation
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store on db. Call EnsureIndexes once at startup.
func New(db *mongo.Database, opts ...Option) *Store {
	collOpts := options.Collection().
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())

	s := &Store{
		parents:   db.Collection(parentsCollection, collOpts),
		buckets:   db.Collection(bucketsCollection, collOpts),
		locks:     db.Collection(locksCollection, collOpts),
		n:         store.DefaultBuckets,
		retention: store.DefaultLockRetention,
		expiry:    store.DefaultBucketRetention,
		timeout:   5 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the bucket lookup index and the bucket and lock TTL indexes
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.buckets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "parentId", Value: 1}},
		Options: options.Index().SetName("parent_id"),
	}); err != nil {
		return fmt.Errorf("mongo: create bucket index: %w", err)
	}

	if _, err := s.buckets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("mongo: create bucket ttl index: %w", err)
	}

	if _, err := s.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("mongo: create lock ttl index: %w", err)
	}

	s.logger.Info("mongo job store indexes ensured", "buckets", s.n)
	return nil
}

type childDoc struct {
	CorrelationID string `bson:"correlationId"`
	Body          []byte `bson:"body"`
}

type parentDoc struct {
	ID           string             `bson:"_id"`
	Children     []childDoc         `bson:"children"`
	Message      []byte             `bson:"message"`
	Continuation store.Continuation `bson:"continuation"`
	CreatedAt    time.Time          `bson:"createdAt"`
}

type bucketDoc struct {
	ID        string    `bson:"_id"`
	ParentID  string    `bson:"parentId"`
	Completed []string  `bson:"completed"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

type lockDoc struct {
	ID        string    `bson:"_id"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// StoreParent implements store.JobStore
func (s *Store) StoreParent(ctx context.Context, parentID string, children []store.Child, msg *contracts.Message, continuation store.Continuation) error {
	job, err := store.NewParentJob(parentID, children, msg, continuation)
	if err != nil {
		return err
	}
	doc, err := encodeParent(job)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.parents.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", store.ErrParentExists, parentID)
		}
		return fmt.Errorf("mongo: store parent %s: %w", parentID, err)
	}
	return nil
}

// CompletedChild implements store.JobStore
func (s *Store) CompletedChild(ctx context.Context, parentID, childCorrelationID string) error {
	bucket := naming.Bucket(childCorrelationID, s.n)
	filter := bson.M{"_id": bucketID(parentID, bucket)}
	update := bson.M{
		"$addToSet":    bson.M{"completed": childCorrelationID},
		"$set":         bson.M{"expiresAt": time.Now().UTC().Add(s.expiry)},
		"$setOnInsert": bson.M{"parentId": parentID},
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A completion redelivered after RemoveParent would recreate an orphan bucket.
	// The TTL index collects the ones that slip in between this check and the upsert.
	parents, err := s.parents.CountDocuments(ctx, bson.M{"_id": parentID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("mongo: load parent %s: %w", parentID, err)
	}
	if parents == 0 {
		return nil
	}

	// Two first writers of the same bucket can race on the upsert; the loser retries once.
	for attempt := 0; ; attempt++ {
		_, err := s.buckets.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err == nil {
			return nil
		}
		if attempt == 0 && mongo.IsDuplicateKeyError(err) {
			continue
		}
		return fmt.Errorf("mongo: complete child %s of %s: %w", childCorrelationID, parentID, err)
	}
}

// ParentIsComplete implements store.JobStore
func (s *Store) ParentIsComplete(ctx context.Context, parentID string, expectedCount int) (store.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc parentDoc
	if err := s.parents.FindOne(ctx, bson.M{"_id": parentID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.Completion{}, nil
		}
		return store.Completion{}, fmt.Errorf("mongo: load parent %s: %w", parentID, err)
	}

	cursor, err := s.buckets.Find(ctx, bson.M{"parentId": parentID})
	if err != nil {
		return store.Completion{}, fmt.Errorf("mongo: load buckets of %s: %w", parentID, err)
	}
	var buckets []bucketDoc
	if err := cursor.All(ctx, &buckets); err != nil {
		return store.Completion{}, fmt.Errorf("mongo: decode buckets of %s: %w", parentID, err)
	}

	// Buckets are disjoint, so the union size is the sum of their sizes.
	completion := store.Completion{}
	for _, b := range buckets {
		completion.CompletedCount += len(b.Completed)
	}
	if completion.CompletedCount < expectedCount {
		return completion, nil
	}

	job, err := decodeParent(doc)
	if err != nil {
		return store.Completion{}, err
	}
	completion.IsLast = true
	completion.Parent = job
	return completion, nil
}

// RemoveParent implements store.JobStore
func (s *Store) RemoveParent(ctx context.Context, parentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.parents.DeleteOne(ctx, bson.M{"_id": parentID})
	if err != nil {
		return false, fmt.Errorf("mongo: remove parent %s: %w", parentID, err)
	}
	if res.DeletedCount == 0 {
		return false, nil
	}

	if _, err := s.buckets.DeleteMany(ctx, bson.M{"parentId": parentID}); err != nil {
		// The parent is gone, so the continuation is ours; leftover buckets are only garbage.
		s.logger.Warn("failed to remove buckets", "parentId", parentID, "error", err)
	}
	return true, nil
}

// MessageAlreadySeen implements store.IdempotencyStore
func (s *Store) MessageAlreadySeen(ctx context.Context, idempotencyKey string, deliveryAttempt int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := lockDoc{
		ID:        store.LockKey(idempotencyKey, deliveryAttempt),
		ExpiresAt: time.Now().UTC().Add(s.retention),
	}
	if _, err := s.locks.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return true, nil
		}
		return false, fmt.Errorf("mongo: create lock %s: %w", doc.ID, err)
	}
	return false, nil
}

// ReleaseMessage implements store.IdempotencyStore
func (s *Store) ReleaseMessage(ctx context.Context, idempotencyKey string, deliveryAttempt int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := store.LockKey(idempotencyKey, deliveryAttempt)
	if _, err := s.locks.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("mongo: release lock %s: %w", id, err)
	}
	return nil
}

func bucketID(parentID string, bucket int) string {
	return fmt.Sprintf("%s#%d", parentID, bucket)
}

func encodeParent(job *store.ParentJob) (*parentDoc, error) {
	msg, err := json.Marshal(job.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidMessage, err)
	}
	doc := &parentDoc{
		ID:           job.ID,
		Message:      msg,
		Continuation: job.Continuation,
		CreatedAt:    job.CreatedAt,
		Children:     make([]childDoc, len(job.Children)),
	}
	for i, child := range job.Children {
		body, err := json.Marshal(child.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidMessage, err)
		}
		doc.Children[i] = childDoc{CorrelationID: child.CorrelationID, Body: body}
	}
	return doc, nil
}

func decodeParent(doc parentDoc) (*store.ParentJob, error) {
	msg, err := contracts.DecodeMessage(doc.Message)
	if err != nil {
		return nil, fmt.Errorf("mongo: decode parent %s: %w", doc.ID, err)
	}
	job := &store.ParentJob{
		ID:           doc.ID,
		Message:      msg,
		Continuation: doc.Continuation,
		CreatedAt:    doc.CreatedAt,
		Children:     make([]store.Child, len(doc.Children)),
	}
	for i, child := range doc.Children {
		body, err := contracts.DecodeMessage(child.Body)
		if err != nil {
			return nil, fmt.Errorf("mongo: decode child %s: %w", child.CorrelationID, err)
		}
		job.Children[i] = store.Child{CorrelationID: child.CorrelationID, Body: body}
	}
	return job, nil
}

// Ping checks connectivity; used by the health checker
func (s *Store) Ping(ctx context.Context) error {
	return s.parents.Database().Client().Ping(ctx, nil)
}

var (
	_ store.JobStore         = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)
