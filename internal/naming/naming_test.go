package naming

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskName(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := TaskName("/v2/sequence/test/perform/a", []byte(`{"id":"1"}`), "corr")
		b := TaskName("/v2/sequence/test/perform/a", []byte(`{"id":"1"}`), "corr")
		assert.Equal(t, a, b)
	})

	t.Run("body changes the name", func(t *testing.T) {
		a := TaskName("/v2/sequence/test/perform/a", []byte(`{"id":"1"}`), "corr")
		b := TaskName("/v2/sequence/test/perform/a", []byte(`{"id":"2"}`), "corr")
		assert.NotEqual(t, a, b)
	})

	t.Run("never longer than the limit", func(t *testing.T) {
		long := strings.Repeat("x", 2000)
		name := TaskName("/"+long, []byte(long), long)
		assert.LessOrEqual(t, len(name), MaxTaskNameLength)

		name = TaskName("/a", nil, strings.Repeat("y", MaxTaskNameLength-64-1))
		assert.Len(t, name, MaxTaskNameLength)
	})

	t.Run("only allowed characters", func(t *testing.T) {
		name := TaskName("/a", nil, "sequence.test.perform.a:corr/1")
		for _, r := range name {
			ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			require.True(t, ok, "unexpected rune %q in %s", r, name)
		}
	})

	t.Run("empty correlation id", func(t *testing.T) {
		assert.Len(t, TaskName("/a", nil, ""), 64)
	})
}

func TestBucket(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		id := uuid.NewString()
		first := Bucket(id, 10)
		for i := 0; i < 100; i++ {
			assert.Equal(t, first, Bucket(id, 10))
		}
	})

	t.Run("single bucket", func(t *testing.T) {
		assert.Equal(t, 0, Bucket("anything", 1))
		assert.Equal(t, 0, Bucket("anything", 0))
	})

	t.Run("roughly uniform", func(t *testing.T) {
		const buckets, population = 10, 20000
		counts := make([]int, buckets)
		for i := 0; i < population; i++ {
			b := Bucket(fmt.Sprintf("child-%d", i), buckets)
			require.GreaterOrEqual(t, b, 0)
			require.Less(t, b, buckets)
			counts[b]++
		}

		expected := float64(population) / buckets
		for b, c := range counts {
			deviation := math.Abs(float64(c)-expected) / expected
			assert.Less(t, deviation, 0.1, "bucket %d has %d entries", b, c)
		}
	})
}

func TestParentID(t *testing.T) {
	id := ParentID("sequence.order.trigger-sub-sequence.lines", "corr:1")
	assert.Equal(t, "sequence.order.trigger-sub-sequence.lines:corr:1", id)

	key, corr, ok := SplitParentID(id)
	require.True(t, ok)
	assert.Equal(t, "sequence.order.trigger-sub-sequence.lines", key)
	assert.Equal(t, "corr:1", corr)

	_, _, ok = SplitParentID("no-separator")
	assert.False(t, ok)
	_, _, ok = SplitParentID("key:")
	assert.False(t, ok)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "sequence.test.perform.a.unrecoverable", KeyFromPath("/sequence/test/perform/a/unrecoverable/"))
	assert.Equal(t, "/sequence/test/perform/a", Path("sequence", "test", "perform", "a"))
	assert.Equal(t, "/trigger/orders", Path("trigger", "", "orders"))
}
