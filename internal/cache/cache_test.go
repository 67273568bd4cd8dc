package cache

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/store"
)

func newTestCache(t *testing.T, capacity int) (*Cache, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	c := New(mem, Config{MemoryCapacity: capacity})
	return c, mem
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	c.Set(ctx, "event:1", `{"title":"block party"}`, Options{TTL: time.Minute})

	val, ok := c.Get(ctx, "event:1", Options{})
	require.True(t, ok)
	assert.Equal(t, `{"title":"block party"}`, val)

	// First read served from memory tier.
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(0), stats.StoreHits)
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := New(mem, Config{MemoryCapacity: 10})

	now := time.Now()
	clock := func() time.Time { return now }
	mem.SetClock(clock)
	c.mem.now = clock

	c.Set(ctx, "event:1", "v", Options{TTL: 60 * time.Second})

	_, ok := c.Get(ctx, "event:1", Options{})
	require.True(t, ok)

	// Force the clock past the TTL: both tiers must miss.
	now = now.Add(61 * time.Second)

	_, ok = c.Get(ctx, "event:1", Options{})
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.StoreMisses)
}

func TestCacheStoreTierFallback(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 10)

	// Value present only in the store tier.
	require.NoError(t, backing.Set(ctx, "event:2", "stored", time.Minute))

	val, ok := c.Get(ctx, "event:2", Options{})
	require.True(t, ok)
	assert.Equal(t, "stored", val)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.MemoryMisses)
	assert.Equal(t, int64(1), stats.StoreHits)

	// The hit promoted the value into the memory tier.
	val, ok = c.Get(ctx, "event:2", Options{})
	require.True(t, ok)
	assert.Equal(t, "stored", val)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestCacheSkipMemoryTier(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	c.Set(ctx, "blob:1", "big", Options{SkipMemoryTier: true})
	assert.Equal(t, 0, c.MemoryLen())

	val, ok := c.Get(ctx, "blob:1", Options{SkipMemoryTier: true})
	require.True(t, ok)
	assert.Equal(t, "big", val)
	assert.Equal(t, int64(0), c.Stats().MemoryMisses)
}

func TestCacheEvictsOldestInserted(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 3)

	for i := 1; i <= 4; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), "v", Options{})
	}

	// k1 was the oldest insertion and must be gone from memory; the store
	// tier still has it.
	_, ok := c.mem.get("k1")
	assert.False(t, ok)
	for i := 2; i <= 4; i++ {
		_, ok := c.mem.get(fmt.Sprintf("k%d", i))
		assert.True(t, ok, "k%d should survive eviction", i)
	}

	val, ok := c.Get(ctx, "k1", Options{})
	require.True(t, ok)
	assert.Equal(t, "v", val)
}

func TestCacheEvictionAfterReinsert(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 2)

	c.Set(ctx, "k1", "v", Options{})
	c.Set(ctx, "k2", "v", Options{})
	c.Invalidate(ctx, "k1")
	c.Set(ctx, "k1", "v2", Options{})

	// k1's reinsert made it the newest entry: filling the tier must evict
	// k2, not k1.
	c.Set(ctx, "k3", "v", Options{})

	val, ok := c.mem.get("k1")
	require.True(t, ok, "reinserted key must survive eviction")
	assert.Equal(t, "v2", val)
	_, ok = c.mem.get("k2")
	assert.False(t, ok, "oldest surviving entry should be evicted")
	_, ok = c.mem.get("k3")
	assert.True(t, ok)
}

func TestCacheEvictionAfterExpiry(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	c := New(mem, Config{MemoryCapacity: 2})

	now := time.Now()
	clock := func() time.Time { return now }
	mem.SetClock(clock)
	c.mem.now = clock

	c.Set(ctx, "k1", "v", Options{TTL: time.Second})
	c.Set(ctx, "k2", "v", Options{TTL: time.Hour})

	// Expire k1 out of the memory tier via the read path, then reinsert.
	now = now.Add(2 * time.Second)
	_, ok := c.mem.get("k1")
	require.False(t, ok)
	c.mem.set("k1", "v2", time.Hour)

	c.mem.set("k3", "v", time.Hour)

	val, ok := c.mem.get("k1")
	require.True(t, ok, "reinserted key must survive eviction")
	assert.Equal(t, "v2", val)
	_, ok = c.mem.get("k2")
	assert.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 10)

	c.Set(ctx, "event:1", "v", Options{})
	c.Invalidate(ctx, "event:1")

	_, ok := c.Get(ctx, "event:1", Options{})
	assert.False(t, ok)

	_, err := backing.Get(ctx, "event:1")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestCacheInvalidateByPattern(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 10)

	c.Set(ctx, "event:1", "a", Options{})
	c.Set(ctx, "event:2", "b", Options{})
	c.Set(ctx, "user:1", "c", Options{})

	c.InvalidateByPattern(ctx, "event:*")

	_, err := backing.Get(ctx, "event:1")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
	_, err = backing.Get(ctx, "event:2")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	// Keys outside the pattern are untouched.
	val, err := backing.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.Equal(t, "c", val)
}

func TestGetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	var loads int
	var mu sync.Mutex
	load := func(ctx context.Context) (string, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.GetOrLoad(ctx, "expensive", Options{}, load)
			assert.NoError(t, err)
			assert.Equal(t, "computed", val)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, loads, "concurrent loads should collapse into one")
}

func TestMonitorFlushesUnderPressure(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	c.Set(ctx, "event:1", "v", Options{})
	require.Equal(t, 1, c.MemoryLen())

	m := NewMonitor(c, time.Hour, 100, nil)
	m.readMemStats = func(s *runtime.MemStats) { s.HeapAlloc = 200 }
	m.check()

	assert.Equal(t, 0, c.MemoryLen())
}

func TestMonitorLeavesCacheBelowBudget(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	c.Set(ctx, "event:1", "v", Options{})

	m := NewMonitor(c, time.Hour, 1<<30, nil)
	m.readMemStats = func(s *runtime.MemStats) { s.HeapAlloc = 1 }
	m.check()

	assert.Equal(t, 1, c.MemoryLen())
}
