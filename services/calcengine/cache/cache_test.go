// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the bounded LRU result cache

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(cfg Config) *ResultCache[string] {
	return New[string](cfg, func(v string) int64 { return int64(len(v)) })
}

// =============================================================================
// Get / Set / Delete Tests
// =============================================================================

func TestGetSet(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10})

	_, ok := c.Get("missing")
	assert.False(t, ok)

	assert.True(t, c.Set("k", "value"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, c.Len())
}

func TestSet_ReplaceUpdatesMemory(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, MaxMemoryBytes: 100})
	c.Set("k", "aaaaaaaaaa") // 10 bytes
	c.Set("k", "aa")         // 2 bytes

	stats := c.Statistics()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.MemoryBytes)
}

func TestDelete(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10})
	c.Set("k", "v")
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	assert.Equal(t, 0, c.Len())
}

func TestHas_DoesNotTouchCounters(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10})
	c.Set("k", "v")

	assert.True(t, c.Has("k"))
	assert.False(t, c.Has("missing"))

	stats := c.Statistics()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

// =============================================================================
// Eviction Tests
// =============================================================================

// Eviction follows access recency, not insertion order: touching the
// oldest-inserted entry must protect it.
func TestEviction_LRUNotFIFO(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 3})
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// "a" is oldest by insertion but becomes most recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4")

	assert.True(t, c.Has("a"), "recently accessed entry must survive")
	assert.False(t, c.Has("b"), "least recently used entry must be evicted")
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.Equal(t, int64(1), c.Statistics().Evictions)
}

func TestEviction_MemoryBound(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 100, MaxMemoryBytes: 10})
	c.Set("a", "aaaa") // 4 bytes
	c.Set("b", "bbbb") // 8 total
	c.Set("c", "cccc") // would be 12: evicts "a"

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.LessOrEqual(t, c.Statistics().MemoryBytes, int64(10))
}

func TestSet_RejectsOversizeValue(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, MaxMemoryBytes: 4})
	assert.False(t, c.Set("k", "too large to ever fit"))
	assert.Equal(t, 0, c.Len())
}

// =============================================================================
// TTL Tests
// =============================================================================

func TestTTL_ExpiredEntryIsNeverAHit(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, TTL: 20 * time.Millisecond, SweepInterval: time.Hour})
	c.Set("k", "v")

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// The sweeper has not run (interval is an hour); lazy expiry must
	// still refuse to serve the stale entry.
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Statistics().Expirations)
}

func TestSweep_PurgesExpired(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, TTL: 10 * time.Millisecond})
	c.Set("a", "1")
	c.Set("b", "2")
	time.Sleep(25 * time.Millisecond)
	c.Set("fresh", "3")

	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("fresh"))
}

func TestSweeper_StartStop(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, TTL: 5 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	require.NoError(t, c.StartSweeper())
	assert.Error(t, c.StartSweeper(), "second start must be rejected")

	c.Set("k", "v")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.Len(), "background sweep should purge expired entries")

	c.StopSweeper()
	c.StopSweeper() // idempotent
}

// =============================================================================
// Statistics Tests
// =============================================================================

// Exercises the full statistics contract: hits, misses, hit rate, and
// hot-key ranking after a mixed workload.
func TestStatistics_MixedWorkload(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10, TopK: 2})
	c.Set("hot", "v")
	c.Set("warm", "v")
	c.Set("cold", "v")

	for i := 0; i < 5; i++ {
		_, ok := c.Get("hot")
		require.True(t, ok)
	}
	_, _ = c.Get("warm")
	_, _ = c.Get("missing")
	_, _ = c.Get("missing")

	stats := c.Statistics()
	assert.Equal(t, int64(6), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)
	assert.Equal(t, 3, stats.Entries)

	require.Len(t, stats.HotKeys, 2)
	assert.Equal(t, "hot", stats.HotKeys[0].Key)
	assert.Equal(t, int64(5), stats.HotKeys[0].AccessCount)
	assert.Equal(t, "warm", stats.HotKeys[1].Key)
}

func TestStatistics_EmptyCache(t *testing.T) {
	c := newTestCache(Config{})
	stats := c.Statistics()
	assert.Zero(t, stats.HitRate)
	assert.Empty(t, stats.HotKeys)
}

// =============================================================================
// Warmup Tests
// =============================================================================

func TestWarmup_LoadsMissingKeys(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10})
	c.Set("present", "already here")

	var loads atomic.Int64
	loaded, err := c.Warmup(context.Background(), []string{"present", "a", "b"},
		func(_ context.Context, key string) (string, error) {
			loads.Add(1)
			return "loaded:" + key, nil
		})
	require.NoError(t, err)

	assert.Equal(t, 2, loaded)
	assert.Equal(t, int64(2), loads.Load(), "present keys must not be reloaded")
	v, ok := c.Get("present")
	require.True(t, ok)
	assert.Equal(t, "already here", v, "warmup must not clobber live entries")
}

func TestWarmup_BestEffortPastFailures(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 10})

	loaded, err := c.Warmup(context.Background(), []string{"good", "bad", "also-good"},
		func(_ context.Context, key string) (string, error) {
			if key == "bad" {
				return "", errors.New("upstream unavailable")
			}
			return "v", nil
		})

	assert.Error(t, err)
	assert.Equal(t, 2, loaded)
	assert.True(t, c.Has("good"))
	assert.False(t, c.Has("bad"))
	assert.True(t, c.Has("also-good"))
}

func TestWarmup_ConcurrentDuplicateKeysLoadOnce(t *testing.T) {
	c := newTestCache(Config{MaxEntries: 100})

	var loads atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = c.Warmup(context.Background(), []string{"shared"},
				func(_ context.Context, key string) (string, error) {
					loads.Add(1)
					time.Sleep(10 * time.Millisecond)
					return "v", nil
				})
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	assert.LessOrEqual(t, loads.Load(), int64(2),
		fmt.Sprintf("singleflight should collapse concurrent loads, got %d", loads.Load()))
	assert.True(t, c.Has("shared"))
}
