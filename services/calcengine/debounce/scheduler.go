// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce merges bursts of change events into single scheduled
// invocations with per-calculator adaptive delays.
//
// # Semantics
//
// Trailing debounce with supersession: a new Schedule call for a
// calculator that already has a pending invocation cancels the pending
// one outright and replaces it. Each calculator id has an independent
// timeline; invocations for different calculators may be in flight
// concurrently.
//
// # Dispatch
//
// Elapsed invocations land in one of three FIFO queues (high, medium,
// low). The dispatch loop drains high before medium before low, but every
// queue is drained on every pass, so low-priority work cannot starve.
//
// # Adaptation
//
// Delay starts from the calculator's policy base and is tuned by the
// behavior profile: high recent input frequency raises the delay toward
// MaxDelay (typing bursts would waste computation), a long observed pause
// lowers it toward MinDelay (the user likely finished), and a streak of
// supersessions nudges it down. Directions are load-bearing; the exact
// multipliers are tunable constants.
package debounce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/zinsrechner/pkg/logging"
	"github.com/AleutianAI/zinsrechner/services/calcengine/behavior"
	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

// Tunable adaptation constants. Qualitative direction matters here, the
// exact values do not.
const (
	// busyFrequencyThreshold is the events/second above which the user
	// counts as actively typing.
	busyFrequencyThreshold = 2.0

	// busyMaxScale caps how far frequency can stretch the base delay.
	busyMaxScale = 3.0

	// calmPauseThresholdMs is the average pause above which the user
	// counts as deliberate, shrinking the delay.
	calmPauseThresholdMs = 2000

	// cancelStreakThreshold is how many consecutive supersessions it
	// takes to start nudging the delay down.
	cancelStreakThreshold = 3

	// cancelStreakFactor is the per-call shrink once the streak trips.
	cancelStreakFactor = 0.85
)

// Policy is the per-calculator delay strategy.
type Policy struct {
	BaseDelay       time.Duration      `yaml:"base_delay" json:"base_delay"`
	MinDelay        time.Duration      `yaml:"min_delay" json:"min_delay"`
	MaxDelay        time.Duration      `yaml:"max_delay" json:"max_delay"`
	Priority        datatypes.Priority `yaml:"-" json:"priority"`
	AdaptiveEnabled bool               `yaml:"adaptive" json:"adaptive_enabled"`
}

// DefaultPolicy is used for calculator ids with no table entry;
// scheduling an unknown id never fails.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:       500 * time.Millisecond,
		MinDelay:        150 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Priority:        datatypes.PriorityMedium,
		AdaptiveEnabled: true,
	}
}

// Config configures a Scheduler.
type Config struct {
	// Policies is the per-calculator policy table.
	Policies map[string]Policy

	// Default applies to calculator ids missing from Policies.
	Default Policy

	// TickInterval bounds how long a ready invocation waits for the
	// dispatch loop when no wake signal is pending.
	TickInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Policies:     map[string]Policy{},
		Default:      DefaultPolicy(),
		TickInterval: 10 * time.Millisecond,
	}
}

// Invocation is the deferred work a Schedule call wraps.
type Invocation func(ctx context.Context) (datatypes.CalculationResult, error)

// Handle tracks one scheduled invocation through to its result.
//
// Thread Safety: safe for concurrent use; resolution is exactly-once.
type Handle struct {
	done   chan struct{}
	once   sync.Once
	result datatypes.CalculationResult
	err    error
	cancel func()
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{}), cancel: func() {}}
}

// Done is closed when the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the invocation resolves or ctx is cancelled.
// Context cancellation cancels a still-pending invocation.
func (h *Handle) Wait(ctx context.Context) (datatypes.CalculationResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		h.Cancel()
		return datatypes.CalculationResult{}, ctx.Err()
	}
}

// Cancel drops the invocation if it has not been dispatched yet.
// Cancelling a dispatched or resolved handle is a no-op.
func (h *Handle) Cancel() { h.cancel() }

// resolve publishes the outcome exactly once.
func (h *Handle) resolve(result datatypes.CalculationResult, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// pendingInvocation is the scheduler-internal state for one Schedule
// call, from timer start until dispatch or cancellation.
type pendingInvocation struct {
	calculatorID string
	priority     datatypes.Priority
	invoke       Invocation
	handle       *Handle
	timer        *time.Timer
	cancelled    bool // guarded by Scheduler.mu
}

// calcStats are the read-only per-calculator counters.
type calcStats struct {
	Scheduled int64
	Executed  int64
	Cancelled int64
	LastDelay time.Duration
}

// Stats is the exported snapshot of one calculator's counters.
type Stats struct {
	Scheduled   int64         `json:"scheduled"`
	Executed    int64         `json:"executed"`
	Cancelled   int64         `json:"cancelled"`
	LastDelayMs time.Duration `json:"last_delay_ms"`
}

// Scheduler is the adaptive debounce scheduler.
//
// Thread Safety: safe for concurrent use. Dispatch ordering decisions are
// made by a single loop goroutine; invocations themselves run in their
// own goroutines since they block on cache and pool operations.
type Scheduler struct {
	cfg Config
	log *logging.Logger

	mu            sync.Mutex
	policies      map[string]Policy
	pending       map[string]*pendingInvocation
	cancelStreaks map[string]int
	queues        [][]*pendingInvocation
	stats         map[string]*calcStats
	running       bool
	closed        bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(cfg Config, log *logging.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Default == (Policy{}) {
		cfg.Default = DefaultPolicy()
	}
	if log == nil {
		log = logging.Default()
	}
	policies := make(map[string]Policy, len(cfg.Policies))
	for id, p := range cfg.Policies {
		policies[id] = normalizePolicy(p, cfg.Default)
	}
	return &Scheduler{
		cfg:           cfg,
		log:           log,
		policies:      policies,
		pending:       make(map[string]*pendingInvocation),
		cancelStreaks: make(map[string]int),
		queues:        make([][]*pendingInvocation, datatypes.PriorityCount()),
		stats:         make(map[string]*calcStats),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// normalizePolicy fills zero fields from the default policy.
func normalizePolicy(p, def Policy) Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MinDelay <= 0 {
		p.MinDelay = def.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay = p.MaxDelay
	}
	return p
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("debounce scheduler already running")
	}
	if s.closed {
		return datatypes.ErrShutdown
	}
	s.running = true
	go s.dispatchLoop()
	return nil
}

// Stop terminates the dispatch loop and resolves every undispatched
// invocation with ErrShutdown. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var orphans []*pendingInvocation
		for _, p := range s.pending {
			p.cancelled = true
			if p.timer != nil {
				p.timer.Stop()
			}
			orphans = append(orphans, p)
		}
		s.pending = make(map[string]*pendingInvocation)
		for i := range s.queues {
			s.queues[i] = nil
		}
		s.mu.Unlock()

		for _, p := range orphans {
			p.handle.resolve(datatypes.CalculationResult{}, datatypes.ErrShutdown)
		}
		close(s.done)
	})
}

// PolicyFor returns the effective policy for a calculator id, falling
// back to the default for unknown ids.
func (s *Scheduler) PolicyFor(calculatorID string) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[calculatorID]; ok {
		return p
	}
	return s.cfg.Default
}

// SetPolicy installs or replaces the policy for one calculator id.
// Used by config hot reload; in-flight invocations keep their delay.
func (s *Scheduler) SetPolicy(calculatorID string, p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[calculatorID] = normalizePolicy(p, s.cfg.Default)
}

// ReplacePolicies swaps the whole policy table.
func (s *Scheduler) ReplacePolicies(policies map[string]Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = make(map[string]Policy, len(policies))
	for id, p := range policies {
		s.policies[id] = normalizePolicy(p, s.cfg.Default)
	}
}

// Schedule queues invoke behind the calculator's effective delay.
//
// A pending invocation for the same calculator id is superseded: its
// handle resolves with ErrCancelled and the new invocation takes over
// the timeline. The returned handle resolves with the invocation's
// result, or ErrCancelled if this invocation is itself superseded.
func (s *Scheduler) Schedule(calculatorID string, priority datatypes.Priority, profile behavior.Profile, invoke Invocation) *Handle {
	handle := newHandle()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.resolve(datatypes.CalculationResult{}, datatypes.ErrShutdown)
		return handle
	}

	// Supersede any not-yet-dispatched invocation on this timeline.
	if prev, ok := s.pending[calculatorID]; ok {
		prev.cancelled = true
		if prev.timer != nil {
			prev.timer.Stop()
		}
		delete(s.pending, calculatorID)
		s.statsFor(calculatorID).Cancelled++
		s.cancelStreaks[calculatorID]++
		defer prev.handle.resolve(datatypes.CalculationResult{}, datatypes.ErrCancelled)
	}

	policy, ok := s.policies[calculatorID]
	if !ok {
		policy = s.cfg.Default
	}
	if priority < datatypes.PriorityHigh || int(priority) >= datatypes.PriorityCount() {
		priority = policy.Priority
	}
	delay := effectiveDelay(policy, profile, s.cancelStreaks[calculatorID])

	p := &pendingInvocation{
		calculatorID: calculatorID,
		priority:     priority,
		invoke:       invoke,
		handle:       handle,
	}
	handle.cancel = func() { s.cancelPending(p) }
	s.pending[calculatorID] = p
	p.timer = time.AfterFunc(delay, func() { s.enqueue(p) })

	st := s.statsFor(calculatorID)
	st.Scheduled++
	st.LastDelay = delay
	s.mu.Unlock()

	return handle
}

// cancelPending drops p if it has not been dispatched.
func (s *Scheduler) cancelPending(p *pendingInvocation) {
	s.mu.Lock()
	if p.cancelled {
		s.mu.Unlock()
		return
	}
	p.cancelled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if s.pending[p.calculatorID] == p {
		delete(s.pending, p.calculatorID)
	}
	s.statsFor(p.calculatorID).Cancelled++
	s.cancelStreaks[p.calculatorID]++
	s.mu.Unlock()

	p.handle.resolve(datatypes.CalculationResult{}, datatypes.ErrCancelled)
}

// enqueue moves an elapsed invocation into its priority queue.
func (s *Scheduler) enqueue(p *pendingInvocation) {
	s.mu.Lock()
	if p.cancelled || s.closed {
		s.mu.Unlock()
		return
	}
	s.queues[p.priority] = append(s.queues[p.priority], p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the priority queues until Stop.
func (s *Scheduler) dispatchLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.drain()
	}
}

// drain dispatches every queued invocation, high priority first but
// visiting all queues, so lower classes advance on every pass.
func (s *Scheduler) drain() {
	s.mu.Lock()
	var batch []*pendingInvocation
	for pri := range s.queues {
		for _, p := range s.queues[pri] {
			if p.cancelled {
				continue
			}
			if s.pending[p.calculatorID] == p {
				delete(s.pending, p.calculatorID)
			}
			st := s.statsFor(p.calculatorID)
			st.Executed++
			s.cancelStreaks[p.calculatorID] = 0
			batch = append(batch, p)
		}
		s.queues[pri] = nil
	}
	s.mu.Unlock()

	for _, p := range batch {
		go func(p *pendingInvocation) {
			result, err := p.invoke(context.Background())
			p.handle.resolve(result, err)
		}(p)
	}
}

// statsFor returns (creating if needed) the counters for an id.
// Caller holds s.mu.
func (s *Scheduler) statsFor(calculatorID string) *calcStats {
	st, ok := s.stats[calculatorID]
	if !ok {
		st = &calcStats{}
		s.stats[calculatorID] = st
	}
	return st
}

// Statistics returns per-calculator scheduled/executed/cancelled counts.
func (s *Scheduler) Statistics() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.stats))
	for id, st := range s.stats {
		out[id] = Stats{
			Scheduled:   st.Scheduled,
			Executed:    st.Executed,
			Cancelled:   st.Cancelled,
			LastDelayMs: st.LastDelay / time.Millisecond,
		}
	}
	return out
}

// effectiveDelay computes the adapted delay for one Schedule call.
func effectiveDelay(policy Policy, profile behavior.Profile, cancelStreak int) time.Duration {
	delay := float64(policy.BaseDelay)
	if policy.AdaptiveEnabled {
		if profile.InputFrequency > busyFrequencyThreshold {
			scale := profile.InputFrequency / busyFrequencyThreshold
			if scale > busyMaxScale {
				scale = busyMaxScale
			}
			delay *= scale
		}
		if profile.AveragePauseMs > calmPauseThresholdMs {
			delay = (delay + float64(policy.MinDelay)) / 2
		}
		if cancelStreak >= cancelStreakThreshold {
			delay *= cancelStreakFactor
		}
	}
	d := time.Duration(delay)
	if d < policy.MinDelay {
		d = policy.MinDelay
	}
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}
