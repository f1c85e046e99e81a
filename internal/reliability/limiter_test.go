package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter(t *testing.T) {
	t.Run("splits requests larger than burst", func(t *testing.T) {
		l := NewLimiter(0, 10)
		assert.NoError(t, l.Wait(context.Background(), 35))
		assert.Equal(t, 10, l.Burst())
	})

	t.Run("paces after the burst", func(t *testing.T) {
		l := NewLimiter(100, 5)
		started := time.Now()
		assert.NoError(t, l.Wait(context.Background(), 10))
		assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		l := NewLimiter(1, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, l.Wait(ctx, 5))
	})
}
