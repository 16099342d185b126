// Package cache implements the bounded, TTL-aware result cache used by the
// orchestrator. Entries are ranked by usage for eviction so memory pressure
// removes the least valuable results first.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hirewise/aicore/internal/metrics"
)

const (
	// evictFraction is the share of entries removed by one eviction pass.
	evictFraction = 0.25
	// pressureRatio is the fill level at which the background check evicts
	// proactively.
	pressureRatio = 0.8
)

// Config bounds one cache instance.
type Config struct {
	// MaxMemoryBytes caps the aggregate serialized size of all entries.
	MaxMemoryBytes int64
	// MaxItemBytes caps a single entry; larger payloads are not admitted.
	MaxItemBytes int64
	// SweepInterval paces the background expiry sweep.
	SweepInterval time.Duration
	// PressureInterval paces the background memory-pressure check.
	PressureInterval time.Duration
	// DefaultTTL applies when a caller passes a non-positive TTL.
	DefaultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 100 << 20
	}
	if c.MaxItemBytes <= 0 {
		c.MaxItemBytes = 1 << 20
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.PressureInterval <= 0 {
		c.PressureInterval = 30 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	return c
}

// Stats reports the cache's monotonically accumulating counters alongside its
// current footprint. Counters reset only with the process.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	MemoryBytes int64   `json:"memoryBytes"`
	Entries     int     `json:"entries"`
}

type entry[V any] struct {
	value          V
	sizeBytes      int64
	expiresAt      time.Time
	accessCount    int64
	lastAccessedAt time.Time
}

// Cache is a TTL + memory-bounded store keyed by derived operation keys.
// The payload type is fixed per instance so call sites stay statically typed
// while the cache itself remains payload-agnostic.
type Cache[V any] struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu          sync.Mutex
	entries     map[string]*entry[V]
	memoryBytes int64
	hits        uint64
	misses      uint64
}

// New constructs a cache. Background loops do not run until Start is called;
// tests can drive SweepExpired and PressureCheck directly instead.
func New[V any](cfg Config, logger *slog.Logger, rec *metrics.Recorder) *Cache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[V]{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("agent", "result_cache")),
		metrics: rec,
		entries: make(map[string]*entry[V]),
	}
}

// Start launches the expiry sweep and pressure check loops. Both stop when the
// context is canceled.
func (c *Cache[V]) Start(ctx context.Context) {
	go c.loop(ctx, c.cfg.SweepInterval, c.SweepExpired)
	go c.loop(ctx, c.cfg.PressureInterval, c.PressureCheck)
}

func (c *Cache[V]) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Get returns the cached value for key. Expired entries are deleted on the
// read path and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheResultMiss)
		return zero, false
	}
	if now.After(ent.expiresAt) {
		c.removeLocked(key, ent)
		c.misses++
		usage, count := c.memoryBytes, len(c.entries)
		c.mu.Unlock()
		c.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheResultMiss)
		c.metrics.SetCacheUsage(usage, count)
		return zero, false
	}
	ent.accessCount++
	ent.lastAccessedAt = now
	c.hits++
	value := ent.value
	c.mu.Unlock()

	c.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheResultHit)
	return value, true
}

// Set stores value under key for ttl. Payloads whose serialized size exceeds
// the single-item ceiling are dropped with a log line rather than an error;
// callers must not assume durability. When the aggregate ceiling is breached
// the cache evicts synchronously before returning.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache set skipped, payload not serializable",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	size := int64(len(payload))
	if size > c.cfg.MaxItemBytes {
		c.logger.Warn("cache set skipped, payload exceeds item ceiling",
			slog.String("key", key),
			slog.Int64("size_bytes", size),
			slog.Int64("max_item_bytes", c.cfg.MaxItemBytes))
		c.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheResultOversized)
		return
	}

	now := time.Now()
	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		c.memoryBytes -= prev.sizeBytes
	}
	c.entries[key] = &entry[V]{
		value:          value,
		sizeBytes:      size,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
	c.memoryBytes += size
	evicted := 0
	if c.memoryBytes > c.cfg.MaxMemoryBytes {
		evicted = c.evictLocked()
	}
	usage, count := c.memoryBytes, len(c.entries)
	c.mu.Unlock()

	c.metrics.ObserveCache(metrics.CacheOperationSet, metrics.CacheResultStored)
	c.metrics.AddEvictions(evicted)
	c.metrics.SetCacheUsage(usage, count)
}

// GetOrCompute returns the cached value for key or invokes compute, stores the
// result, and returns it. The second return reports whether the value came
// from cache. Concurrent calls for the same key are not deduplicated: two
// simultaneous misses both compute, and the later Set wins. That duplicate
// work is an accepted tradeoff, not a bug.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error), ttl time.Duration) (V, bool, error) {
	if value, ok := c.Get(key); ok {
		return value, true, nil
	}
	value, err := compute(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.Set(key, value, ttl)
	return value, false, nil
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	if ent, ok := c.entries[key]; ok {
		c.removeLocked(key, ent)
	}
	usage, count := c.memoryBytes, len(c.entries)
	c.mu.Unlock()
	c.metrics.SetCacheUsage(usage, count)
}

// SweepExpired deletes every entry past its expiry, independent of access
// pattern.
func (c *Cache[V]) SweepExpired() {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for key, ent := range c.entries {
		if now.After(ent.expiresAt) {
			c.removeLocked(key, ent)
			removed++
		}
	}
	usage, count := c.memoryBytes, len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("expired entries swept", slog.Int("removed", removed))
	}
	c.metrics.SetCacheUsage(usage, count)
}

// PressureCheck evicts proactively when aggregate memory exceeds ~80% of the
// ceiling.
func (c *Cache[V]) PressureCheck() {
	c.mu.Lock()
	evicted := 0
	if float64(c.memoryBytes) > float64(c.cfg.MaxMemoryBytes)*pressureRatio {
		evicted = c.evictLocked()
	}
	usage, count := c.memoryBytes, len(c.entries)
	c.mu.Unlock()

	c.metrics.AddEvictions(evicted)
	c.metrics.SetCacheUsage(usage, count)
}

// evictLocked removes the lowest-ranked quarter of entries, ordered by
// access count then by recency. It always removes the computed share, even if
// less would already fit, so eviction produces headroom rather than minimal
// relief. Caller holds c.mu.
func (c *Cache[V]) evictLocked() int {
	if len(c.entries) == 0 {
		return 0
	}
	type ranked struct {
		key string
		ent *entry[V]
	}
	all := make([]ranked, 0, len(c.entries))
	for key, ent := range c.entries {
		all = append(all, ranked{key: key, ent: ent})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ent.accessCount != all[j].ent.accessCount {
			return all[i].ent.accessCount < all[j].ent.accessCount
		}
		return all[i].ent.lastAccessedAt.Before(all[j].ent.lastAccessedAt)
	})
	target := int(float64(len(all)) * evictFraction)
	if target < 1 {
		target = 1
	}
	for _, victim := range all[:target] {
		c.removeLocked(victim.key, victim.ent)
	}
	c.logger.Info("cache eviction completed",
		slog.Int("evicted", target),
		slog.Int("remaining", len(c.entries)),
		slog.Int64("memory_bytes", c.memoryBytes))
	return target
}

func (c *Cache[V]) removeLocked(key string, ent *entry[V]) {
	delete(c.entries, key)
	c.memoryBytes -= ent.sizeBytes
}

// Stats reports accumulated counters and the current footprint.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		MemoryBytes: c.memoryBytes,
		Entries:     len(c.entries),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
