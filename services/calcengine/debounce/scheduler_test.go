// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the adaptive debounce scheduler

package debounce

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/zinsrechner/services/calcengine/behavior"
	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

func newTestScheduler(t *testing.T, policies map[string]Policy) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Policies = policies
	cfg.Default = Policy{
		BaseDelay:       20 * time.Millisecond,
		MinDelay:        5 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		Priority:        datatypes.PriorityMedium,
		AdaptiveEnabled: true,
	}
	cfg.TickInterval = 5 * time.Millisecond
	s := New(cfg, nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func resultInvocation(value string, calls *atomic.Int64) Invocation {
	return func(ctx context.Context) (datatypes.CalculationResult, error) {
		if calls != nil {
			calls.Add(1)
		}
		return datatypes.CalculationResult{Outputs: datatypes.Outputs{"v": value}}, nil
	}
}

// =============================================================================
// Trailing Debounce Tests
// =============================================================================

// A burst of schedules for the same calculator must execute exactly the
// last one; every earlier handle resolves with ErrCancelled.
func TestSchedule_BurstExecutesOnlyLast(t *testing.T) {
	s := newTestScheduler(t, nil)

	var calls atomic.Int64
	handles := make([]*Handle, 0, 5)
	for _, v := range []string{"1", "12", "123", "1234", "12345"} {
		handles = append(handles, s.Schedule("calc", datatypes.PriorityUnset,
			behavior.Profile{}, resultInvocation(v, &calls)))
		time.Sleep(2 * time.Millisecond) // well inside the 20ms window
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	last := handles[len(handles)-1]
	result, err := last.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12345", result.Outputs["v"])

	for _, h := range handles[:len(handles)-1] {
		_, err := h.Wait(ctx)
		assert.ErrorIs(t, err, datatypes.ErrCancelled)
	}
	assert.Equal(t, int64(1), calls.Load(), "only the final submission may execute")

	stats := s.Statistics()["calc"]
	assert.Equal(t, int64(5), stats.Scheduled)
	assert.Equal(t, int64(1), stats.Executed)
	assert.Equal(t, int64(4), stats.Cancelled)
}

func TestSchedule_IndependentTimelines(t *testing.T) {
	s := newTestScheduler(t, nil)

	var calls atomic.Int64
	ha := s.Schedule("calc-a", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("a", &calls))
	hb := s.Schedule("calc-b", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("b", &calls))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ra, err := ha.Wait(ctx)
	require.NoError(t, err)
	rb, err := hb.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a", ra.Outputs["v"])
	assert.Equal(t, "b", rb.Outputs["v"])
	assert.Equal(t, int64(2), calls.Load(), "different calculators must not supersede each other")
}

func TestHandle_ExplicitCancel(t *testing.T) {
	s := newTestScheduler(t, map[string]Policy{
		"calc": {BaseDelay: 500 * time.Millisecond, MinDelay: 500 * time.Millisecond, MaxDelay: time.Second},
	})

	var calls atomic.Int64
	h := s.Schedule("calc", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("v", &calls))
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, datatypes.ErrCancelled)

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, calls.Load(), "cancelled invocation must never run")
}

func TestStop_ResolvesPendingWithShutdown(t *testing.T) {
	s := newTestScheduler(t, map[string]Policy{
		"calc": {BaseDelay: time.Second, MinDelay: time.Second, MaxDelay: 2 * time.Second},
	})

	h := s.Schedule("calc", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("v", nil))
	s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, datatypes.ErrShutdown)

	// Scheduling after stop resolves immediately with shutdown.
	h2 := s.Schedule("calc", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("v", nil))
	_, err = h2.Wait(ctx)
	assert.ErrorIs(t, err, datatypes.ErrShutdown)
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestSchedule_UnknownIDUsesDefaultPolicy(t *testing.T) {
	s := newTestScheduler(t, nil)

	h := s.Schedule("never-configured", datatypes.PriorityUnset, behavior.Profile{}, resultInvocation("v", nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.NoError(t, err, "unknown calculator ids must schedule with the default policy")

	p := s.PolicyFor("never-configured")
	assert.Equal(t, 20*time.Millisecond, p.BaseDelay)
}

func TestReplacePolicies_HotReload(t *testing.T) {
	s := newTestScheduler(t, map[string]Policy{
		"calc": {BaseDelay: 10 * time.Millisecond},
	})

	s.ReplacePolicies(map[string]Policy{
		"calc": {BaseDelay: 42 * time.Millisecond, MinDelay: time.Millisecond, MaxDelay: time.Second},
	})
	assert.Equal(t, 42*time.Millisecond, s.PolicyFor("calc").BaseDelay)

	// Dropped ids fall back to the default policy.
	s.ReplacePolicies(map[string]Policy{})
	assert.Equal(t, 20*time.Millisecond, s.PolicyFor("calc").BaseDelay)
}

func TestNormalizePolicy_FillsZeroFields(t *testing.T) {
	def := DefaultPolicy()
	p := normalizePolicy(Policy{BaseDelay: 300 * time.Millisecond}, def)
	assert.Equal(t, 300*time.Millisecond, p.BaseDelay)
	assert.Equal(t, def.MinDelay, p.MinDelay)
	assert.Equal(t, def.MaxDelay, p.MaxDelay)

	// Min above max collapses to max rather than producing an inverted range.
	p = normalizePolicy(Policy{MinDelay: 5 * time.Second, MaxDelay: time.Second}, def)
	assert.Equal(t, time.Second, p.MinDelay)
}

// =============================================================================
// Adaptive Delay Tests
// =============================================================================

// The adaptation directions are the contract: fast typing raises the
// delay, long pauses lower it, repeated supersessions lower it. Exact
// values are tuning.
func TestEffectiveDelay_Directions(t *testing.T) {
	policy := Policy{
		BaseDelay:       500 * time.Millisecond,
		MinDelay:        150 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		AdaptiveEnabled: true,
	}
	base := effectiveDelay(policy, behavior.Profile{}, 0)
	assert.Equal(t, policy.BaseDelay, base)

	busy := effectiveDelay(policy, behavior.Profile{InputFrequency: 8}, 0)
	assert.Greater(t, busy, base, "fast typing must lengthen the delay")
	assert.LessOrEqual(t, busy, policy.MaxDelay)

	calm := effectiveDelay(policy, behavior.Profile{AveragePauseMs: 5000}, 0)
	assert.Less(t, calm, base, "deliberate pauses must shorten the delay")
	assert.GreaterOrEqual(t, calm, policy.MinDelay)

	streaky := effectiveDelay(policy, behavior.Profile{}, cancelStreakThreshold)
	assert.Less(t, streaky, base, "supersession streaks must shorten the delay")
}

func TestEffectiveDelay_Clamped(t *testing.T) {
	policy := Policy{
		BaseDelay:       500 * time.Millisecond,
		MinDelay:        150 * time.Millisecond,
		MaxDelay:        800 * time.Millisecond,
		AdaptiveEnabled: true,
	}
	// Extreme frequency would triple the base; the max clamps it.
	d := effectiveDelay(policy, behavior.Profile{InputFrequency: 100}, 0)
	assert.Equal(t, policy.MaxDelay, d)
}

func TestEffectiveDelay_AdaptiveDisabled(t *testing.T) {
	policy := Policy{
		BaseDelay: 500 * time.Millisecond,
		MinDelay:  150 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
	d := effectiveDelay(policy, behavior.Profile{InputFrequency: 100, AveragePauseMs: 9000}, 10)
	assert.Equal(t, policy.BaseDelay, d, "profile must be ignored when adaptation is off")
}

// =============================================================================
// Priority Queue Tests
// =============================================================================

func TestEnqueue_ByPriorityClass(t *testing.T) {
	// Scheduler not started: elapsed timers park invocations in their
	// priority queues where we can observe the placement directly.
	cfg := DefaultConfig()
	cfg.Default = Policy{BaseDelay: time.Millisecond, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
	s := New(cfg, nil)

	noop := func(ctx context.Context) (datatypes.CalculationResult, error) {
		return datatypes.CalculationResult{}, nil
	}
	s.Schedule("low-calc", datatypes.PriorityLow, behavior.Profile{}, noop)
	s.Schedule("med-calc", datatypes.PriorityMedium, behavior.Profile{}, noop)
	s.Schedule("high-calc", datatypes.PriorityHigh, behavior.Profile{}, noop)
	time.Sleep(30 * time.Millisecond) // let the timers enqueue

	s.mu.Lock()
	require.Len(t, s.queues[datatypes.PriorityHigh], 1)
	require.Len(t, s.queues[datatypes.PriorityMedium], 1)
	require.Len(t, s.queues[datatypes.PriorityLow], 1)
	assert.Equal(t, "high-calc", s.queues[datatypes.PriorityHigh][0].calculatorID)
	assert.Equal(t, "low-calc", s.queues[datatypes.PriorityLow][0].calculatorID)
	s.mu.Unlock()

	s.Stop()
}

// Every class is drained on every pass, so low priority work completes
// even while high priority work keeps arriving.
func TestDrain_LowPriorityNotStarved(t *testing.T) {
	s := newTestScheduler(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var lowRan atomic.Int64
	hLow := s.Schedule("low-calc", datatypes.PriorityLow, behavior.Profile{}, resultInvocation("low", &lowRan))
	for i := 0; i < 5; i++ {
		h := s.Schedule("high-calc", datatypes.PriorityHigh, behavior.Profile{}, resultInvocation("high", nil))
		_, _ = h.Wait(ctx)
	}

	_, err := hLow.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lowRan.Load())
}
