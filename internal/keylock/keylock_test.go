package keylock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTryAcquireIsNonReentrant(t *testing.T) {
	s := New()
	require.True(t, s.TryAcquire("a"))
	assert.False(t, s.TryAcquire("a"))
	assert.True(t, s.TryAcquire("b"), "keys are independent")
	assert.Equal(t, 2, s.Len())

	s.Release("a")
	assert.False(t, s.Held("a"))
	assert.True(t, s.TryAcquire("a"))

	s.Release("missing")
}

func TestZeroValueSet(t *testing.T) {
	var s Set
	assert.True(t, s.TryAcquire("x"))
	assert.True(t, s.Held("x"))
}

func TestDoForceBypassesHeldKey(t *testing.T) {
	s := New()
	require.True(t, s.TryAcquire("p"))

	ran := false
	assert.False(t, s.Do("p", false, func() { ran = true }))
	assert.False(t, ran)

	assert.True(t, s.Do("p", true, func() { ran = true }))
	assert.True(t, ran)
	assert.True(t, s.Held("p"), "force must not release someone else's lock")
}

func TestDoReleasesAfterRun(t *testing.T) {
	s := New()
	assert.True(t, s.Do("k", false, func() {
		assert.True(t, s.Held("k"))
		assert.False(t, s.Do("k", false, func() {}), "nested acquisition fails")
	}))
	assert.False(t, s.Held("k"))
}

// At most one goroutine at a time may be inside Do for the same key.
func TestConcurrentDoExclusionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		workers := rapid.IntRange(2, 32).Draw(t, "workers")
		keys := rapid.IntRange(1, 4).Draw(t, "keys")

		s := New()
		inside := make([]atomic.Int32, keys)
		var violations atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				k := i % keys
				s.Do(string(rune('a'+k)), false, func() {
					if inside[k].Add(1) > 1 {
						violations.Add(1)
					}
					inside[k].Add(-1)
				})
			}(i)
		}
		wg.Wait()

		if violations.Load() != 0 {
			t.Fatalf("observed %d concurrent holders", violations.Load())
		}
		if s.Len() != 0 {
			t.Fatalf("expected all keys released, %d held", s.Len())
		}
	})
}
