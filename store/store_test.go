package store

import (
	"math"
	"testing"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/stretchr/testify/assert"
)

func TestValidateMessage(t *testing.T) {
	valid := func() *contracts.Message {
		msg := contracts.NewMessage("order", "1")
		msg.Append(map[string]any{"lines": []any{1.5, "x", nil, true}})
		return msg
	}

	t.Run("plain JSON values pass", func(t *testing.T) {
		assert.NoError(t, ValidateMessage(valid()))
	})

	t.Run("nil message", func(t *testing.T) {
		assert.ErrorIs(t, ValidateMessage(nil), ErrInvalidMessage)
	})

	t.Run("NaN is rejected", func(t *testing.T) {
		msg := valid()
		msg.Append(map[string]any{"total": math.NaN()})
		assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidMessage)
	})

	t.Run("func is rejected", func(t *testing.T) {
		msg := valid()
		msg.Append(func() {})
		assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidMessage)
	})

	t.Run("non-string map keys are rejected", func(t *testing.T) {
		msg := valid()
		msg.Append(map[int]string{1: "a"})
		assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidMessage)
	})

	t.Run("nested struct fields are checked", func(t *testing.T) {
		type line struct {
			Qty   float64
			Price float64
		}
		msg := valid()
		msg.Append([]line{{Qty: 1, Price: math.Inf(1)}})
		assert.ErrorIs(t, ValidateMessage(msg), ErrInvalidMessage)
	})
}

func TestNewParentJob(t *testing.T) {
	msg := contracts.NewMessage("order", "1")
	child := Child{CorrelationID: "c1", Body: contracts.NewMessage("line", "l1")}

	job, err := NewParentJob("sequence.x.perform.a:corr", []Child{child}, msg, Continuation{NextKey: "sequence.x.perform.b"})
	assert.NoError(t, err)
	assert.Equal(t, "sequence.x.perform.a:corr", job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	bad := Child{CorrelationID: "c2"}
	_, err = NewParentJob("p", []Child{bad}, msg, Continuation{})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "abc:2", LockKey("abc", 2))
}
