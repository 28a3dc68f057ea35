package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
}

// TestInsertGetRemove tests the basic lifecycle of an id
func TestInsertGetRemove(t *testing.T) {
	r := New[*entry]()

	require.True(t, r.Insert(512, &entry{name: "decomp"}))
	assert.False(t, r.Insert(512, &entry{name: "other"}), "live id must not be reused")

	got, ok := r.Get(512)
	require.True(t, ok)
	assert.Equal(t, "decomp", got.name)

	removed, ok := r.Remove(512)
	require.True(t, ok)
	assert.Same(t, got, removed)

	_, ok = r.Get(512)
	assert.False(t, ok)

	_, ok = r.Remove(512)
	assert.False(t, ok, "second remove must report unknown id")
}

func TestOrdering(t *testing.T) {
	r := New[int]()
	for _, id := range []int{19, 16, 18, 17} {
		require.True(t, r.Insert(id, id*10))
	}
	assert.Equal(t, 4, r.Len())

	max, ok := r.Max()
	require.True(t, ok)
	assert.Equal(t, 19, max)

	assert.Equal(t, []int{160, 170, 180, 190}, r.Drain())
	assert.Equal(t, 0, r.Len())
}

func TestEmpty(t *testing.T) {
	r := New[int]()

	_, ok := r.Max()
	assert.False(t, ok)
	assert.Empty(t, r.Drain())

	v, ok := r.Get(1)
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestDrain(t *testing.T) {
	r := New[string]()
	r.Insert(2, "b")
	r.Insert(1, "a")
	r.Insert(3, "c")

	assert.Equal(t, []string{"a", "b", "c"}, r.Drain())
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := base*100 + j
				r.Insert(id, id)
				if v, ok := r.Get(id); ok {
					assert.Equal(t, id, v)
				}
				_ = r.Len()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 500, r.Len())
}
