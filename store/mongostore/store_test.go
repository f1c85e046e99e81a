package mongostore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/testutil"
	"github.com/glimte/mmate-saga/store"
)

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	db     *mongo.Database
	store  *Store
	ctx    context.Context
}

func TestMongoStoreTestSuite(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &MongoStoreTestSuite{client: client})
}

func (s *MongoStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.db = s.client.Database(fmt.Sprintf("saga_test_%d", time.Now().UnixNano()))
	s.store = New(s.db, WithBuckets(4))
	s.Require().NoError(s.store.EnsureIndexes(s.ctx))
}

func (s *MongoStoreTestSuite) TearDownTest() {
	_ = s.db.Drop(context.Background())
}

func (s *MongoStoreTestSuite) children(n int) []store.Child {
	out := make([]store.Child, n)
	for i := range out {
		body := contracts.NewMessage("line", fmt.Sprint(i))
		body.Append(map[string]any{"sku": fmt.Sprintf("sku-%d", i)})
		out[i] = store.Child{CorrelationID: fmt.Sprintf("child-%d", i), Body: body}
	}
	return out
}

func (s *MongoStoreTestSuite) TestStoreParentIsCreateOnce() {
	msg := contracts.NewMessage("order", "1")
	s.Require().NoError(s.store.StoreParent(s.ctx, "p", s.children(2), msg, store.Continuation{NextKey: "sequence.x.perform.b"}))

	err := s.store.StoreParent(s.ctx, "p", s.children(2), msg, store.Continuation{})
	s.ErrorIs(err, store.ErrParentExists)
}

func (s *MongoStoreTestSuite) TestStoreParentRejectsInvalidMessage() {
	msg := contracts.NewMessage("order", "1")
	msg.Append(func() {})

	err := s.store.StoreParent(s.ctx, "p", s.children(1), msg, store.Continuation{})
	s.ErrorIs(err, store.ErrInvalidMessage)
}

func (s *MongoStoreTestSuite) TestCompletionAcrossBuckets() {
	msg := contracts.NewMessage("order", "1")
	msg.Append(map[string]any{"total": 12.5})
	s.Require().NoError(s.store.StoreParent(s.ctx, "p", s.children(5), msg, store.Continuation{NextKey: "sequence.x.perform.b", RunID: "run"}))

	for i := 0; i < 4; i++ {
		s.Require().NoError(s.store.CompletedChild(s.ctx, "p", fmt.Sprintf("child-%d", i)))
	}
	// Redelivered completion.
	s.Require().NoError(s.store.CompletedChild(s.ctx, "p", "child-0"))

	completion, err := s.store.ParentIsComplete(s.ctx, "p", 5)
	s.Require().NoError(err)
	s.False(completion.IsLast)
	s.Equal(4, completion.CompletedCount)

	s.Require().NoError(s.store.CompletedChild(s.ctx, "p", "child-4"))
	completion, err = s.store.ParentIsComplete(s.ctx, "p", 5)
	s.Require().NoError(err)
	s.True(completion.IsLast)
	s.Require().NotNil(completion.Parent)
	s.Equal("run", completion.Parent.Continuation.RunID)
	s.Equal(map[string]any{"total": 12.5}, completion.Parent.Message.Data[0])
	s.Len(completion.Parent.Children, 5)

	removed, err := s.store.RemoveParent(s.ctx, "p")
	s.Require().NoError(err)
	s.True(removed)

	removed, err = s.store.RemoveParent(s.ctx, "p")
	s.Require().NoError(err)
	s.False(removed)

	count, err := s.db.Collection(bucketsCollection).CountDocuments(s.ctx, map[string]any{"parentId": "p"})
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *MongoStoreTestSuite) TestCompletionAfterRemovalLeavesNoBucket() {
	s.Require().NoError(s.store.StoreParent(s.ctx, "p", s.children(2), contracts.NewMessage("order", "1"), store.Continuation{}))
	s.Require().NoError(s.store.CompletedChild(s.ctx, "p", "child-0"))

	var bucket bucketDoc
	s.Require().NoError(s.db.Collection(bucketsCollection).FindOne(s.ctx, map[string]any{"parentId": "p"}).Decode(&bucket))
	s.True(bucket.ExpiresAt.After(time.Now()), "buckets carry an expiry")

	removed, err := s.store.RemoveParent(s.ctx, "p")
	s.Require().NoError(err)
	s.True(removed)

	s.Require().NoError(s.store.CompletedChild(s.ctx, "p", "child-1"))

	count, err := s.db.Collection(bucketsCollection).CountDocuments(s.ctx, map[string]any{"parentId": "p"})
	s.Require().NoError(err)
	s.Zero(count)
}

func (s *MongoStoreTestSuite) TestConcurrentCompletionContinuesOnce() {
	const n = 20
	s.Require().NoError(s.store.StoreParent(s.ctx, "p", s.children(n), contracts.NewMessage("order", "1"), store.Continuation{}))

	var continued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.store.CompletedChild(s.ctx, "p", fmt.Sprintf("child-%d", i)); err != nil {
				s.Fail(err.Error())
				return
			}
			completion, err := s.store.ParentIsComplete(s.ctx, "p", n)
			if err != nil || !completion.IsLast {
				return
			}
			if removed, err := s.store.RemoveParent(s.ctx, "p"); err == nil && removed {
				continued.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), continued.Load())
}

func (s *MongoStoreTestSuite) TestMessageAlreadySeen() {
	seen, err := s.store.MessageAlreadySeen(s.ctx, "idem", 1)
	s.Require().NoError(err)
	s.False(seen)

	seen, err = s.store.MessageAlreadySeen(s.ctx, "idem", 1)
	s.Require().NoError(err)
	s.True(seen)

	seen, err = s.store.MessageAlreadySeen(s.ctx, "idem", 2)
	s.Require().NoError(err)
	s.False(seen)

	s.Require().NoError(s.store.ReleaseMessage(s.ctx, "idem", 1))
	seen, err = s.store.MessageAlreadySeen(s.ctx, "idem", 1)
	s.Require().NoError(err)
	s.False(seen)
}
