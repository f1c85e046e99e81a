package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, inv *Invocation) (contracts.Result, error) {
	args := m.Called(ctx, inv)
	result, _ := args.Get(0).(contracts.Result)
	return result, args.Error(1)
}

func invocation(key string) *Invocation {
	return &Invocation{
		Key:     key,
		Message: contracts.NewMessage("order", "1"),
		Step:    &contracts.StepContext{Logger: slog.Default()},
	}
}

func TestInterceptorChain(t *testing.T) {
	t.Run("empty chain calls final handler", func(t *testing.T) {
		handler := &mockHandler{}
		inv := invocation("sequence.orders.get.order")
		handler.On("Handle", mock.Anything, inv).Return(contracts.Append("x"), nil)

		result, err := NewInterceptorChain(nil).Execute(context.Background(), inv, handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.Advance{Values: []any{"x"}}, result)
		handler.AssertExpectations(t)
	})

	t.Run("runs interceptors in insertion order", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, inv *Invocation, next StepHandler) (contracts.Result, error) {
				order = append(order, name+":before")
				result, err := next.Handle(ctx, inv)
				order = append(order, name+":after")
				return result, err
			})
		}

		chain := NewInterceptorChain(nil).Add(record("outer")).Add(record("inner"))
		_, err := chain.Execute(context.Background(), invocation("k"), StepHandlerFunc(func(context.Context, *Invocation) (contracts.Result, error) {
			order = append(order, "handler")
			return nil, nil
		}))

		require.NoError(t, err)
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
		assert.Equal(t, []string{"outer", "inner"}, chain.Names())
	})

	t.Run("interceptor can short circuit", func(t *testing.T) {
		handler := &mockHandler{}
		chain := NewInterceptorChain(nil).Add(NewInterceptorFunc("deny", func(context.Context, *Invocation, StepHandler) (contracts.Result, error) {
			return nil, contracts.Reject("denied")
		}))

		_, err := chain.Execute(context.Background(), invocation("k"), handler)

		flag, ok := contracts.FlagOf(err)
		require.True(t, ok)
		assert.Equal(t, contracts.FlagRejected, flag)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	chain := NewChainBuilder(nil).WithLogging().WithRecovery().Build()

	result, err := chain.Execute(context.Background(), invocation("sequence.orders.perform.charge"), StepHandlerFunc(func(context.Context, *Invocation) (contracts.Result, error) {
		panic("nil map write")
	}))

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "nil map write")
	_, classified := contracts.FlagOf(err)
	assert.False(t, classified)
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("overrun becomes retry", func(t *testing.T) {
		chain := NewChainBuilder(nil).WithTimeout(10 * time.Millisecond).Build()

		_, err := chain.Execute(context.Background(), invocation("k"), StepHandlerFunc(func(ctx context.Context, _ *Invocation) (contracts.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		flag, ok := contracts.FlagOf(err)
		require.True(t, ok)
		assert.Equal(t, contracts.FlagRetry, flag)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("zero timeout adds nothing", func(t *testing.T) {
		assert.Empty(t, NewChainBuilder(nil).WithTimeout(0).Build().Names())
	})
}

func TestCircuitBreakerInterceptor(t *testing.T) {
	cbi := NewCircuitBreakerInterceptor(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Minute))
	chain := NewInterceptorChain(nil).Add(cbi)
	ctx := context.Background()

	failing := StepHandlerFunc(func(context.Context, *Invocation) (contracts.Result, error) {
		return nil, errors.New("connection refused")
	})
	rejecting := StepHandlerFunc(func(context.Context, *Invocation) (contracts.Result, error) {
		return nil, contracts.Reject("bad input")
	})

	t.Run("classified rejections do not trip", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := chain.Execute(ctx, invocation("action.billing.perform.charge"), rejecting)
			require.Error(t, err)
		}
		assert.Equal(t, reliability.StateClosed, cbi.Breaker("action.billing.perform.charge").State())
	})

	t.Run("open circuit is reported as retry", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := chain.Execute(ctx, invocation("action.billing.get.invoice"), failing)
			require.Error(t, err)
		}

		_, err := chain.Execute(ctx, invocation("action.billing.get.invoice"), failing)
		flag, ok := contracts.FlagOf(err)
		require.True(t, ok)
		assert.Equal(t, contracts.FlagRetry, flag)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	})

	t.Run("breakers are per key", func(t *testing.T) {
		assert.Equal(t, reliability.StateOpen, cbi.Breaker("action.billing.get.invoice").State())
		assert.Equal(t, reliability.StateClosed, cbi.Breaker("action.billing.update.invoice").State())
	})
}
