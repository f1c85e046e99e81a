package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/contracts"
)

type mockTopicPublisher struct {
	mock.Mock
}

func (m *mockTopicPublisher) Publish(ctx context.Context, topic string, body []byte, attrs map[string]string) error {
	args := m.Called(ctx, topic, body, attrs)
	return args.Error(0)
}

func letter() DeadLetter {
	msg := contracts.NewMessage("order", "42")
	return DeadLetter{
		Key:        "sequence.orders.perform.charge",
		Message:    msg,
		Attributes: contracts.Attributes{CorrelationID: "c-1", RunID: "r-1"},
		Error:      &contracts.ErrorBody{Type: "rejected", Message: "card declined"},
		Reason:     ReasonRejected,
	}
}

func TestPublisherSink(t *testing.T) {
	pub := &mockTopicPublisher{}
	pub.On("Publish", mock.Anything, "dlx", mock.Anything, mock.MatchedBy(func(attrs map[string]string) bool {
		return attrs[contracts.HeaderKey] == "sequence.orders.perform.charge" &&
			attrs[contracts.HeaderCorrelationID] == "c-1" &&
			attrs["reason"] == ReasonRejected
	})).Return(nil).Once()

	sink := NewPublisherSink(pub, "dlx")
	require.NoError(t, sink.Send(context.Background(), letter()))

	pub.AssertExpectations(t)
	body := pub.Calls[0].Arguments.Get(2).([]byte)
	var decoded DeadLetter
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "card declined", decoded.Error.Message)
}

func TestMultiSink(t *testing.T) {
	t.Run("sends to every sink", func(t *testing.T) {
		a, b := NewMemorySink(0), NewMemorySink(0)
		multi := NewMultiSink(nil).Add("a", a).Add("b", b)

		require.NoError(t, multi.Send(context.Background(), letter()))
		assert.Len(t, a.Letters(), 1)
		assert.Len(t, b.Letters(), 1)
		assert.False(t, a.Letters()[0].Timestamp.IsZero())
	})

	t.Run("keeps going when one sink fails", func(t *testing.T) {
		boom := errors.New("archive offline")
		mem := NewMemorySink(0)
		multi := NewMultiSink(nil).
			Add("archive", SinkFunc(func(context.Context, DeadLetter) error { return boom })).
			Add("memory", mem)

		err := multi.Send(context.Background(), letter())
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, ErrSinkFailed)
		var sinkErr *SinkError
		require.ErrorAs(t, err, &sinkErr)
		assert.Equal(t, "archive", sinkErr.Sink)
		assert.Len(t, mem.Letters(), 1)
	})

	t.Run("rejects letters without key", func(t *testing.T) {
		multi := NewMultiSink(nil).Add("memory", NewMemorySink(0))
		assert.ErrorIs(t, multi.Send(context.Background(), DeadLetter{}), ErrInvalidDeadLetter)
	})
}

func TestMemorySinkLimit(t *testing.T) {
	sink := NewMemorySink(2)
	for _, key := range []string{"a", "b", "c"} {
		l := letter()
		l.Key = key
		require.NoError(t, sink.Send(context.Background(), l))
	}

	letters := sink.Letters()
	require.Len(t, letters, 2)
	assert.Equal(t, "b", letters[0].Key)
	assert.Equal(t, "c", letters[1].Key)

	sink.Reset()
	assert.Empty(t, sink.Letters())
}
