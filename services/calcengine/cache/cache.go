// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the bounded LRU result cache with TTL expiry.
//
// The cache is bounded simultaneously by entry count and by estimated
// memory. Eviction removes the entry with the oldest last access (true
// LRU, not FIFO). Expiry is lazy on read plus a periodic background
// sweep. An entry past its deadline is never a valid hit, even before
// the sweep runs.
//
// # Thread Safety
//
// ResultCache is safe for concurrent use.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default cache configuration, matching the published calculator limits.
const (
	// DefaultMaxEntries bounds the entry count.
	DefaultMaxEntries = 1000

	// DefaultMaxMemoryBytes bounds the estimated memory footprint.
	DefaultMaxMemoryBytes = 16 << 20 // 16 MiB

	// DefaultTTL is how long a result stays valid.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often expired entries are purged in
	// the background.
	DefaultSweepInterval = 1 * time.Minute

	// DefaultTopK is how many hot keys statistics report.
	DefaultTopK = 10
)

// Config configures a ResultCache.
type Config struct {
	MaxEntries     int
	MaxMemoryBytes int64
	TTL            time.Duration
	SweepInterval  time.Duration
	TopK           int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     DefaultMaxEntries,
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		TTL:            DefaultTTL,
		SweepInterval:  DefaultSweepInterval,
		TopK:           DefaultTopK,
	}
}

// entry is the bookkeeping record for one cached value.
//
// Lifecycle: Absent → Present (on admit) → Present/Stale (past expiresAt,
// not yet purged) → Absent (lazy check, sweep, or LRU eviction). A stale
// entry behaves as absent for Get but still occupies memory until purged.
type entry[V any] struct {
	key            string
	value          V
	createdAt      time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time
	accessCount    int64
	size           int64
}

// ResultCache is a bounded LRU cache with TTL expiry and hit/miss
// instrumentation.
//
// # Description
//
// Uses container/list for O(1) access-order maintenance (front = most
// recently used). Insertion that would exceed either the entry bound or
// the memory bound evicts from the back until both bounds hold again.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Statistics counters are
// atomic for lock-free reads.
type ResultCache[V any] struct {
	cfg    Config
	sizeOf func(V) int64

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	memory int64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	warmups  singleflight.Group
	done     chan struct{}
	stopOnce sync.Once

	sweepMu  sync.Mutex
	sweeping bool
}

// New creates a ResultCache.
//
// Inputs:
//   - cfg: Bounds and TTL. Non-positive fields fall back to defaults.
//   - sizeOf: Per-value size estimator. Nil uses EstimateJSONSize.
//
// Outputs:
//   - *ResultCache[V]: Ready to use. Call StartSweeper to enable the
//     background purge; lazy expiry works without it.
func New[V any](cfg Config, sizeOf func(V) int64) *ResultCache[V] {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if sizeOf == nil {
		sizeOf = func(v V) int64 { return EstimateJSONSize(v) }
	}
	return &ResultCache[V]{
		cfg:    cfg,
		sizeOf: sizeOf,
		items:  make(map[string]*list.Element, cfg.MaxEntries),
		order:  list.New(),
		done:   make(chan struct{}),
	}
}

// Get returns the live value for key.
//
// A hit updates the entry's recency marker and access counter. A miss
// (absent or expired) increments the miss counter; an expired hit is
// removed on the spot.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if time.Now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	e.lastAccessedAt = time.Now()
	e.accessCount++
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Has reports whether key holds a live entry.
//
// Unlike Get, Has does not touch recency or hit/miss counters.
func (c *ResultCache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	return !time.Now().After(elem.Value.(*entry[V]).expiresAt)
}

// Set stores value under key and reports whether it was admitted.
//
// A value whose size estimate alone exceeds the memory budget is
// rejected. Otherwise least-recently-used entries are evicted until both
// the entry bound and the memory bound hold.
func (c *ResultCache[V]) Set(key string, value V) bool {
	size := c.sizeOf(value)
	if size > c.cfg.MaxMemoryBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		c.memory += size - e.size
		e.value = value
		e.size = size
		e.createdAt = now
		e.lastAccessedAt = now
		e.expiresAt = now.Add(c.cfg.TTL)
		c.order.MoveToFront(elem)
	} else {
		e := &entry[V]{
			key:            key,
			value:          value,
			createdAt:      now,
			lastAccessedAt: now,
			expiresAt:      now.Add(c.cfg.TTL),
			size:           size,
		}
		c.items[key] = c.order.PushFront(e)
		c.memory += size
	}

	for len(c.items) > c.cfg.MaxEntries || c.memory > c.cfg.MaxMemoryBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
	}
	return true
}

// Delete removes key and reports whether it was present.
func (c *ResultCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Len returns the current entry count, including not-yet-purged stale
// entries.
func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// removeLocked unlinks elem; caller holds c.mu.
func (c *ResultCache[V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(elem)
	c.memory -= e.size
}

// Warmup populates missing keys via loader.
//
// Loads are deduplicated through singleflight so concurrent warmups of
// the same key invoke loader once. The cache lock is never held across a
// load, so readers are not blocked and their entries are not evicted
// mid-read. Warmup is best-effort: failed keys are skipped and counted.
//
// Outputs:
//   - int: Number of keys actually loaded and admitted.
//   - error: Non-nil if any load failed; loading continues past failures.
func (c *ResultCache[V]) Warmup(ctx context.Context, keys []string, loader func(ctx context.Context, key string) (V, error)) (int, error) {
	var (
		wg     sync.WaitGroup
		loaded atomic.Int64
		failed atomic.Int64
	)
	for _, key := range keys {
		if c.Has(key) {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, err, _ := c.warmups.Do(key, func() (any, error) {
				return loader(ctx, key)
			})
			if err != nil {
				failed.Add(1)
				return
			}
			if c.Set(key, v.(V)) {
				loaded.Add(1)
			}
		}(key)
	}
	wg.Wait()
	if n := failed.Load(); n > 0 {
		return int(loaded.Load()), fmt.Errorf("warmup: %d of %d keys failed to load", n, len(keys))
	}
	return int(loaded.Load()), nil
}

// StartSweeper launches the periodic expiry sweep.
//
// Returns an error if the sweeper is already running. Call StopSweeper
// (or rely on process exit) to stop it.
func (c *ResultCache[V]) StartSweeper() error {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweeping {
		return fmt.Errorf("cache sweeper already running")
	}
	c.sweeping = true

	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// StopSweeper stops the background sweep. Safe to call multiple times.
func (c *ResultCache[V]) StopSweeper() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Sweep purges all expired entries and returns how many were removed.
func (c *ResultCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*entry[V]).expiresAt) {
			c.removeLocked(elem)
			c.expirations.Add(1)
			removed++
		}
		elem = prev
	}
	return removed
}

// HotKey is one entry in the top-K access ranking.
type HotKey struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// Stats is a point-in-time snapshot of cache health.
type Stats struct {
	Hits           int64    `json:"hits"`
	Misses         int64    `json:"misses"`
	HitRate        float64  `json:"hit_rate"`
	Entries        int      `json:"entries"`
	MemoryBytes    int64    `json:"memory_bytes"`
	MaxEntries     int      `json:"max_entries"`
	MaxMemoryBytes int64    `json:"max_memory_bytes"`
	Evictions      int64    `json:"evictions"`
	Expirations    int64    `json:"expirations"`
	HotKeys        []HotKey `json:"hot_keys"`
}

// Statistics returns current counters plus the top-K hottest keys by
// access count.
func (c *ResultCache[V]) Statistics() Stats {
	c.mu.Lock()
	hot := make([]HotKey, 0, len(c.items))
	for _, elem := range c.items {
		e := elem.Value.(*entry[V])
		hot = append(hot, HotKey{Key: e.key, AccessCount: e.accessCount})
	}
	entries := len(c.items)
	memory := c.memory
	c.mu.Unlock()

	sort.Slice(hot, func(i, j int) bool {
		if hot[i].AccessCount != hot[j].AccessCount {
			return hot[i].AccessCount > hot[j].AccessCount
		}
		return hot[i].Key < hot[j].Key
	})
	if len(hot) > c.cfg.TopK {
		hot = hot[:c.cfg.TopK]
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:           hits,
		Misses:         misses,
		HitRate:        rate,
		Entries:        entries,
		MemoryBytes:    memory,
		MaxEntries:     c.cfg.MaxEntries,
		MaxMemoryBytes: c.cfg.MaxMemoryBytes,
		Evictions:      c.evictions.Load(),
		Expirations:    c.expirations.Load(),
		HotKeys:        hot,
	}
}

// EstimateJSONSize approximates a value's memory footprint by its JSON
// encoding length. Values that fail to marshal get a flat estimate.
func EstimateJSONSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(b))
}
