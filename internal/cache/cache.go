// Package cache provides the two-tier read cache used by nearly every read
// path: a bounded in-process memory tier in front of the shared key-value
// store tier. The cache is best-effort: store failures degrade to a miss on
// reads and a no-op on writes, and are never surfaced to the caller.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/store"
)

const (
	// DefaultMemoryCapacity bounds the number of memory-tier entries.
	DefaultMemoryCapacity = 1000

	// DefaultTTL applies when an operation passes no TTL.
	DefaultTTL = 5 * time.Minute
)

// Options tunes a single Get/Set/GetOrLoad call.
type Options struct {
	// TTL for entries written by this call. Zero means DefaultTTL.
	TTL time.Duration

	// SkipMemoryTier bypasses the memory tier, both for lookup and
	// population. Used for values too large or too volatile to pin in
	// process memory.
	SkipMemoryTier bool
}

// Stats is a snapshot of per-tier hit/miss counters.
type Stats struct {
	MemoryHits   int64
	MemoryMisses int64
	StoreHits    int64
	StoreMisses  int64
}

// Cache is the two-tier cache service.
type Cache struct {
	store    store.Store
	mem      *memoryTier
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
	defaults Options

	memHits   atomic.Int64
	memMisses atomic.Int64
	stHits    atomic.Int64
	stMisses  atomic.Int64
}

// Config configures a Cache.
type Config struct {
	MemoryCapacity int
	DefaultTTL     time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// New creates a Cache backed by the given store.
func New(s store.Store, cfg Config) *Cache {
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = DefaultMemoryCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    s,
		mem:      newMemoryTier(cfg.MemoryCapacity),
		metrics:  cfg.Metrics,
		logger:   logger,
		defaults: Options{TTL: cfg.DefaultTTL},
	}
}

func (c *Cache) ttl(opt Options) time.Duration {
	if opt.TTL > 0 {
		return opt.TTL
	}
	return c.defaults.TTL
}

// Get looks up a key, memory tier first unless skipped. The second return
// value reports whether the key was found in either tier.
func (c *Cache) Get(ctx context.Context, key string, opt Options) (string, bool) {
	if !opt.SkipMemoryTier {
		if val, ok := c.mem.get(key); ok {
			c.memHits.Add(1)
			c.hit("memory")
			return val, true
		}
		c.memMisses.Add(1)
		c.miss("memory")
	}

	val, err := c.store.Get(ctx, key)
	if err != nil {
		if !isNotFound(err) {
			c.logger.Warn("cache store get failed", "key", key, "error", err)
		}
		c.stMisses.Add(1)
		c.miss("store")
		return "", false
	}
	c.stHits.Add(1)
	c.hit("store")

	// Promote into the memory tier for subsequent reads.
	if !opt.SkipMemoryTier {
		c.mem.set(key, val, c.ttl(opt))
	}
	return val, true
}

// Set writes a value to both tiers.
func (c *Cache) Set(ctx context.Context, key, value string, opt Options) {
	ttl := c.ttl(opt)
	if !opt.SkipMemoryTier {
		c.mem.set(key, value, ttl)
	}
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("cache store set failed", "key", key, "error", err)
	}
}

// GetOrLoad returns the cached value or computes it with load, caching the
// result. Concurrent loads for the same key are collapsed into one call.
func (c *Cache) GetOrLoad(ctx context.Context, key string, opt Options, load func(ctx context.Context) (string, error)) (string, error) {
	if val, ok := c.Get(ctx, key, opt); ok {
		return val, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the key while we waited.
		if val, ok := c.Get(ctx, key, opt); ok {
			return val, nil
		}
		val, err := load(ctx)
		if err != nil {
			return "", err
		}
		c.Set(ctx, key, val, opt)
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// Invalidate removes a key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mem.delete(key)
	if err := c.store.Del(ctx, key); err != nil {
		c.logger.Warn("cache store delete failed", "key", key, "error", err)
	}
}

// InvalidateByPattern removes all store-tier keys matching a glob pattern.
// The memory tier is not reconciled entry by entry: its copies expire on
// their own TTL, an accepted staleness window.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) {
	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache pattern enumeration failed", "pattern", pattern, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.logger.Warn("cache pattern delete failed", "pattern", pattern, "error", err)
		return
	}
	c.logger.Debug("cache invalidated by pattern", "pattern", pattern, "keys", len(keys))
}

// FlushMemory clears the entire memory tier. Called by the memory-pressure
// monitor.
func (c *Cache) FlushMemory() {
	c.mem.flush()
}

// MemoryLen returns the number of live memory-tier entries.
func (c *Cache) MemoryLen() int {
	return c.mem.len()
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memHits.Load(),
		MemoryMisses: c.memMisses.Load(),
		StoreHits:    c.stHits.Load(),
		StoreMisses:  c.stMisses.Load(),
	}
}

func (c *Cache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (c *Cache) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrKeyNotFound)
}

// memoryTier is a bounded map evicting the oldest-inserted entry when full.
// Entries carry their own expiry, independent of the store tier's TTL.
type memoryTier struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]memoryEntry
	order    []string // insertion order, oldest first
	now      func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func newMemoryTier(capacity int) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		entries:  make(map[string]memoryEntry, capacity),
		now:      time.Now,
	}
}

func (t *memoryTier) get(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return "", false
	}
	if t.now().After(e.expiresAt) {
		delete(t.entries, key)
		t.dropOrder(key)
		return "", false
	}
	return e.value, true
}

func (t *memoryTier) set(key, value string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; !exists {
		for len(t.entries) >= t.capacity && len(t.order) > 0 {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.entries, oldest)
		}
		t.order = append(t.order, key)
	}
	t.entries[key] = memoryEntry{value: value, expiresAt: t.now().Add(ttl)}
}

func (t *memoryTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		delete(t.entries, key)
		t.dropOrder(key)
	}
}

// dropOrder removes the key's insertion-order slot. Every path that removes
// a key from entries must call it, otherwise a later reinsert appends a
// second slot and eviction pops the stale front one, throwing out the fresh
// entry. Callers hold mu.
func (t *memoryTier) dropOrder(key string) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *memoryTier) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]memoryEntry, t.capacity)
	t.order = t.order[:0]
}

func (t *memoryTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	now := t.now()
	for _, e := range t.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
