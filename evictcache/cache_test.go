package evictcache_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultguard/envelopecrypt/evictcache"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newSyncCache(capacity int, policy evictcache.Policy, evicted *[]int) evictcache.Interface[int, string] {
	return evictcache.New[int, string](capacity).
		WithPolicy(policy).
		WithEvictFunc(func(key int, _ string) {
			*evicted = append(*evicted, key)
		}).
		Synchronous().
		Build()
}

func TestCacheSetGet(t *testing.T) {
	for _, policy := range []evictcache.Policy{evictcache.LRU, evictcache.LFU, evictcache.SLRU, evictcache.TinyLFU} {
		t.Run(policy.String(), func(t *testing.T) {
			c := evictcache.New[string, int](10).WithPolicy(policy).Synchronous().Build()
			defer c.Close()

			c.Set("a", 1)
			c.Set("b", 2)

			v, ok := c.Get("a")
			require.True(t, ok)
			assert.Equal(t, 1, v)

			_, ok = c.Get("missing")
			assert.False(t, ok)

			assert.Equal(t, 2, c.Len())
			assert.Equal(t, 10, c.Capacity())
		})
	}
}

func TestCacheHonorsCapacity(t *testing.T) {
	for _, policy := range []evictcache.Policy{evictcache.LRU, evictcache.LFU, evictcache.SLRU, evictcache.TinyLFU} {
		t.Run(policy.String(), func(t *testing.T) {
			var evicted []int

			c := newSyncCache(5, policy, &evicted)
			defer c.Close()

			for i := 0; i < 20; i++ {
				c.Set(i, fmt.Sprintf("value-%d", i))
			}

			assert.Equal(t, 5, c.Len())
			assert.Len(t, evicted, 15)
		})
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []int

	c := newSyncCache(3, evictcache.LRU, &evicted)
	defer c.Close()

	c.Set(1, "one")
	c.Set(2, "two")
	c.Set(3, "three")

	// Touch 1 so 2 becomes the oldest.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Set(4, "four")

	assert.Equal(t, []int{2}, evicted)

	_, ok = c.Get(1)
	assert.True(t, ok)
}

func TestLFUEvictsLeastFrequentlyUsed(t *testing.T) {
	var evicted []int

	c := newSyncCache(3, evictcache.LFU, &evicted)
	defer c.Close()

	c.Set(1, "one")
	c.Set(2, "two")
	c.Set(3, "three")

	// 1 and 3 gain accesses; 2 stays at its admission frequency.
	c.Get(1)
	c.Get(1)
	c.Get(3)

	c.Set(4, "four")

	assert.Equal(t, []int{2}, evicted)
}

func TestSLRUProtectsRepeatedlyAccessedItems(t *testing.T) {
	var evicted []int

	c := newSyncCache(4, evictcache.SLRU, &evicted)
	defer c.Close()

	c.Set(1, "one")
	c.Set(2, "two")

	// Promote both into the protected segment.
	c.Get(1)
	c.Get(2)

	// One-shot entries churn through the probationary segment.
	for i := 10; i < 20; i++ {
		c.Set(i, "scan")
	}

	_, ok := c.Get(1)
	assert.True(t, ok, "promoted item must survive a scan")

	_, ok = c.Get(2)
	assert.True(t, ok, "promoted item must survive a scan")

	assert.NotContains(t, evicted, 1)
	assert.NotContains(t, evicted, 2)
}

func TestCacheExpiresEntries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}

	c := evictcache.New[string, int](10).
		WithClock(clock).
		WithExpiry(time.Minute).
		Synchronous().
		Build()
	defer c.Close()

	c.Set("a", 1)

	_, ok := c.Get("a")
	require.True(t, ok)

	clock.advance(2 * time.Minute)

	_, ok = c.Get("a")
	assert.False(t, ok, "entry past its TTL must read as a miss")
	assert.Equal(t, 0, c.Len())
}

func TestCacheSetUpdatesExistingEntry(t *testing.T) {
	c := evictcache.New[string, int](2).Synchronous().Build()
	defer c.Close()

	c.Set("a", 1)
	c.Set("a", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestCacheDelete(t *testing.T) {
	c := evictcache.New[string, int](2).Synchronous().Build()
	defer c.Close()

	c.Set("a", 1)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCacheGetOrPanic(t *testing.T) {
	c := evictcache.New[string, int](2).Synchronous().Build()
	defer c.Close()

	c.Set("a", 1)

	assert.Equal(t, 1, c.GetOrPanic("a"))
	assert.Panics(t, func() { c.GetOrPanic("missing") })
}

func TestCacheCloseEvictsEverything(t *testing.T) {
	var evicted []int

	c := newSyncCache(10, evictcache.LRU, &evicted)

	for i := 0; i < 5; i++ {
		c.Set(i, "value")
	}

	require.NoError(t, c.Close())
	assert.Len(t, evicted, 5)

	// Close is idempotent and the cache is inert afterward.
	require.NoError(t, c.Close())

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestCacheAsyncEvictionCallback(t *testing.T) {
	done := make(chan int, 20)

	c := evictcache.New[int, string](2).
		WithEvictFunc(func(key int, _ string) { done <- key }).
		Build()

	c.Set(1, "one")
	c.Set(2, "two")
	c.Set(3, "three")

	select {
	case key := <-done:
		assert.Equal(t, 1, key)
	case <-time.After(5 * time.Second):
		t.Fatal("eviction callback never fired")
	}

	require.NoError(t, c.Close())
}

func TestBuilderRejectsUnknownPolicy(t *testing.T) {
	assert.Panics(t, func() {
		evictcache.New[string, int](10).WithPolicy("fifo")
	})
}
