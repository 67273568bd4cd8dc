package cache

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

const (
	// DefaultMonitorInterval is how often the monitor samples heap usage.
	DefaultMonitorInterval = 30 * time.Second

	// DefaultHeapBudget is the heap size above which the memory tier is
	// flushed. 512 MiB matches a small worker container.
	DefaultHeapBudget = 512 << 20
)

// Monitor watches process heap usage and flushes the cache's memory tier
// when it grows past a budget. The store tier is untouched, so flushed reads
// fall through rather than recompute.
type Monitor struct {
	cache      *Cache
	interval   time.Duration
	heapBudget uint64
	logger     *slog.Logger

	readMemStats func(*runtime.MemStats)
}

// NewMonitor creates a memory-pressure monitor for the given cache.
// Zero values fall back to the defaults above.
func NewMonitor(c *Cache, interval time.Duration, heapBudget uint64, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if heapBudget == 0 {
		heapBudget = DefaultHeapBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cache:        c,
		interval:     interval,
		heapBudget:   heapBudget,
		logger:       logger,
		readMemStats: runtime.ReadMemStats,
	}
}

// Run samples heap usage until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	var stats runtime.MemStats
	m.readMemStats(&stats)

	if stats.HeapAlloc <= m.heapBudget {
		return
	}

	entries := m.cache.MemoryLen()
	m.cache.FlushMemory()
	m.logger.Warn("memory pressure, flushed cache memory tier",
		"heap_alloc", stats.HeapAlloc,
		"heap_budget", m.heapBudget,
		"entries_dropped", entries)
}
