// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires the behavior analyzer, debounce scheduler,
// result cache, and worker pool into one request/response contract for
// the UI layer.
//
// # Flow
//
// change event → analyzer (records) → scheduler (delays/merges) → cache
// lookup → on miss, worker pool → cache populate → result delivered.
// Cancellation is honored at every stage: before dispatch the scheduler
// drops the pending invocation; after dispatch a per-calculator
// generation counter discards stale results instead of delivering them
// out of order.
//
// # Concurrency
//
// Dispatch decisions are serialized by the scheduler; the cache guards
// itself; actual computation runs on pool workers. Only the Cache is
// shared across calculators and callers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/zinsrechner/pkg/logging"
	"github.com/AleutianAI/zinsrechner/services/calcengine/behavior"
	"github.com/AleutianAI/zinsrechner/services/calcengine/cache"
	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/debounce"
	"github.com/AleutianAI/zinsrechner/services/calcengine/observability"
	"github.com/AleutianAI/zinsrechner/services/calcengine/registry"
	"github.com/AleutianAI/zinsrechner/services/calcengine/workerpool"
)

// Handle tracks one submission through to its result.
type Handle = debounce.Handle

// Pipeline is the orchestrator in front of the calculation stages.
//
// Thread Safety: safe for concurrent use.
type Pipeline struct {
	cfg      Config
	log      *logging.Logger
	registry *registry.Registry
	metrics  *observability.Metrics
	tracer   trace.Tracer

	analyzer  *behavior.Analyzer
	scheduler *debounce.Scheduler
	cache     *cache.ResultCache[datatypes.Outputs]
	pool      *workerpool.Manager

	mu          sync.Mutex
	generations map[string]uint64
	timedOut    map[string]struct{}
	retiredSeen int
	closed      bool
}

// New assembles a Pipeline. Call Start before submitting and Shutdown
// when done.
//
// Inputs:
//   - cfg: Stage tunables; use LoadConfig() or DefaultConfig().
//   - reg: The calculator registry. Must not be nil.
//   - metrics: Prometheus instruments. Nil disables instrumentation.
//   - log: Structured logger. Nil uses logging.Default().
func New(cfg Config, reg *registry.Registry, metrics *observability.Metrics, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		metrics:     metrics,
		tracer:      otel.Tracer("calcengine/pipeline"),
		analyzer:    behavior.New(behavior.DefaultConfig()),
		scheduler:   debounce.New(cfg.Debounce, log),
		cache:       cache.New[datatypes.Outputs](cfg.Cache, nil),
		pool:        workerpool.NewManager(cfg.Pool, reg, log),
		generations: make(map[string]uint64),
		timedOut:    make(map[string]struct{}),
	}
}

// Start launches the scheduler dispatch loop and the cache sweeper.
func (p *Pipeline) Start() error {
	if err := p.scheduler.Start(); err != nil {
		return err
	}
	if err := p.cache.StartSweeper(); err != nil {
		p.scheduler.Stop()
		return err
	}
	p.log.Info("calculation pipeline started",
		"max_workers", p.cfg.Pool.MaxWorkers,
		"cache_max_entries", p.cfg.Cache.MaxEntries,
		"cache_ttl", p.cfg.Cache.TTL)
	return nil
}

// Shutdown stops all stages. In-flight worker tasks finish; pending
// debounced invocations resolve with ErrShutdown.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.scheduler.Stop()
	p.pool.Shutdown()
	p.cache.StopSweeper()
	p.log.Info("calculation pipeline stopped")
}

// Submit schedules a calculation for calculatorID.
//
// The returned handle resolves to the result of the *last* submission
// for this calculator within the debounce window; earlier handles
// resolve with ErrCancelled. Pass datatypes.PriorityUnset to use the
// calculator policy's priority class.
//
// Outputs:
//   - *Handle: Never nil; wait on it with Handle.Wait.
//   - error: ValidationError or ErrUnknownCalculator for requests
//     rejected before entering the pipeline, ErrShutdown after Shutdown.
func (p *Pipeline) Submit(ctx context.Context, calculatorID string, inputs datatypes.Inputs, priority datatypes.Priority) (*Handle, error) {
	if calculatorID == "" {
		return nil, &datatypes.ValidationError{Field: "calculator_id", Message: "required"}
	}
	if !p.registry.Has(calculatorID) {
		return nil, fmt.Errorf("%w: %q", datatypes.ErrUnknownCalculator, calculatorID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, datatypes.ErrShutdown
	}
	p.generations[calculatorID]++
	gen := p.generations[calculatorID]
	p.mu.Unlock()

	normalized := inputs.Normalize()
	key := CacheKey(calculatorID, normalized)
	profile := p.analyzer.Snapshot(calculatorID)

	if p.metrics != nil {
		p.metrics.DebounceScheduledTotal.WithLabelValues(calculatorID).Inc()
	}

	invoke := func(invCtx context.Context) (datatypes.CalculationResult, error) {
		return p.execute(invCtx, calculatorID, normalized, key, gen, priority)
	}
	handle := p.scheduler.Schedule(calculatorID, priority, profile, invoke)
	return handle, nil
}

// execute is the dispatched body of one debounced invocation.
func (p *Pipeline) execute(ctx context.Context, calculatorID string, inputs datatypes.Inputs, key string, gen uint64, priority datatypes.Priority) (datatypes.CalculationResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("calculator.id", calculatorID),
			attribute.String("priority", priority.String()),
		))
	defer span.End()

	if !p.isCurrent(calculatorID, gen) {
		p.recordOutcome(calculatorID, "cancelled", "none", 0)
		return datatypes.CalculationResult{}, datatypes.ErrCancelled
	}

	req := datatypes.NewCalculationRequest(calculatorID, inputs, priority)
	started := time.Now()

	if outputs, ok := p.cacheGet(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		if p.metrics != nil {
			p.metrics.CacheHitsTotal.Inc()
		}
		if !p.isCurrent(calculatorID, gen) {
			p.recordOutcome(calculatorID, "cancelled", "none", 0)
			return datatypes.CalculationResult{}, datatypes.ErrCancelled
		}
		result := datatypes.CalculationResult{
			RequestID:    req.RequestID,
			CalculatorID: calculatorID,
			Outputs:      outputs,
			ComputedAt:   time.Now(),
			Source:       datatypes.SourceCache,
		}
		p.recordOutcome(calculatorID, "ok", string(result.Source), time.Since(started))
		return result, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	if p.metrics != nil {
		p.metrics.CacheMissesTotal.Inc()
	}

	outputs, source, err := p.compute(ctx, calculatorID, inputs, key)
	if err != nil {
		p.recordOutcome(calculatorID, "error", "none", time.Since(started))
		span.RecordError(err)
		return datatypes.CalculationResult{}, err
	}

	// Populate the cache even for stale results: the computation is
	// done either way, and identical inputs will want it.
	p.cacheSet(key, outputs)

	if !p.isCurrent(calculatorID, gen) {
		p.recordOutcome(calculatorID, "cancelled", "none", 0)
		return datatypes.CalculationResult{}, datatypes.ErrCancelled
	}

	result := datatypes.CalculationResult{
		RequestID:    req.RequestID,
		CalculatorID: calculatorID,
		Outputs:      outputs,
		ComputedAt:   time.Now(),
		Source:       source,
	}
	p.recordOutcome(calculatorID, "ok", string(source), time.Since(started))
	return result, nil
}

// compute routes a cache miss to the worker pool, honoring the
// timeout-once-then-fallback rule: a key whose previous identical
// request timed out in the queue goes straight to the synchronous
// fallback instead of queueing again.
func (p *Pipeline) compute(ctx context.Context, calculatorID string, inputs datatypes.Inputs, key string) (datatypes.Outputs, datatypes.ResultSource, error) {
	p.mu.Lock()
	_, timedOutBefore := p.timedOut[key]
	if timedOutBefore {
		delete(p.timedOut, key)
	}
	p.mu.Unlock()

	if timedOutBefore {
		return p.pool.ExecuteFallback(calculatorID, inputs)
	}

	outputs, source, err := p.pool.Calculate(ctx, calculatorID, inputs)
	if err != nil {
		if errors.Is(err, datatypes.ErrTimeout) {
			p.mu.Lock()
			p.timedOut[key] = struct{}{}
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.PoolTimeoutsTotal.Inc()
			}
		}
		return nil, "", err
	}
	if source == datatypes.SourceFallback && p.metrics != nil {
		p.metrics.PoolFallbacksTotal.Inc()
	}
	return outputs, source, nil
}

// isCurrent reports whether gen is still the newest generation for the
// calculator. A completing computation checks this before publishing,
// which is what makes cancellation cooperative instead of preemptive.
func (p *Pipeline) isCurrent(calculatorID string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generations[calculatorID] == gen
}

// cacheGet degrades any cache failure to a miss. The cache never blocks
// a calculation.
func (p *Pipeline) cacheGet(key string) (outputs datatypes.Outputs, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			cerr := &datatypes.CacheError{Op: "get", Err: fmt.Errorf("%v", r)}
			p.log.Error("cache degraded to pass-through", "error", cerr)
			outputs, ok = nil, false
		}
	}()
	return p.cache.Get(key)
}

// cacheSet degrades any cache failure to a no-op.
func (p *Pipeline) cacheSet(key string, outputs datatypes.Outputs) {
	defer func() {
		if r := recover(); r != nil {
			cerr := &datatypes.CacheError{Op: "set", Err: fmt.Errorf("%v", r)}
			p.log.Error("cache degraded to pass-through", "error", cerr)
		}
	}()
	p.cache.Set(key, outputs)
	if p.metrics != nil {
		stats := p.cache.Statistics()
		p.metrics.CacheEntries.Set(float64(stats.Entries))
		p.metrics.CacheMemoryBytes.Set(float64(stats.MemoryBytes))
	}
}

func (p *Pipeline) recordOutcome(calculatorID, status, source string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RequestsTotal.WithLabelValues(calculatorID, status, source).Inc()
	if status == "cancelled" {
		p.metrics.DebounceCancelledTotal.WithLabelValues(calculatorID).Inc()
	}
	if status == "ok" {
		p.metrics.RequestDurationSeconds.WithLabelValues(calculatorID, source).Observe(elapsed.Seconds())
	}
}

// RecordInputEvent feeds one behavior signal into the analyzer.
// Fire-and-forget; never fails.
func (p *Pipeline) RecordInputEvent(calculatorID, fieldName string, value any, eventType string) {
	_ = value // recorded for contract symmetry; profiles only need timing
	p.analyzer.Record(calculatorID, fieldName, eventType)
	if p.metrics != nil {
		p.metrics.InputEventsTotal.WithLabelValues(calculatorID, eventType).Inc()
	}
}

// WarmCache preloads results for the given calculator/input pairs by
// computing them through the fallback path.
func (p *Pipeline) WarmCache(ctx context.Context, calculatorID string, inputSets []datatypes.Inputs) (int, error) {
	keys := make([]string, 0, len(inputSets))
	byKey := make(map[string]datatypes.Inputs, len(inputSets))
	for _, inputs := range inputSets {
		normalized := inputs.Normalize()
		key := CacheKey(calculatorID, normalized)
		keys = append(keys, key)
		byKey[key] = normalized
	}
	return p.cache.Warmup(ctx, keys, func(ctx context.Context, key string) (datatypes.Outputs, error) {
		outputs, _, err := p.pool.ExecuteFallback(calculatorID, byKey[key])
		return outputs, err
	})
}

// Registry exposes the calculator registry for the API layer.
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

// CacheStatistics returns the result cache snapshot.
func (p *Pipeline) CacheStatistics() cache.Stats { return p.cache.Statistics() }

// WorkerStatistics returns the pool snapshot and refreshes the queue
// depth gauge as a side effect.
func (p *Pipeline) WorkerStatistics() workerpool.Stats {
	stats := p.pool.Statistics()
	if p.metrics != nil {
		p.metrics.PoolQueueDepth.Set(float64(stats.QueueDepth))
		p.mu.Lock()
		if retired := len(stats.Retired); retired > p.retiredSeen {
			p.metrics.WorkerRetirementsTotal.Add(float64(retired - p.retiredSeen))
			p.retiredSeen = retired
		}
		p.mu.Unlock()
	}
	return stats
}

// DebounceStatistics returns per-calculator scheduler counters.
func (p *Pipeline) DebounceStatistics() map[string]debounce.Stats {
	return p.scheduler.Statistics()
}

// BehaviorProfiles returns the advisory per-calculator profiles.
func (p *Pipeline) BehaviorProfiles() map[string]behavior.Profile {
	return p.analyzer.Snapshots()
}

// Scheduler exposes the debounce scheduler for policy hot reload.
func (p *Pipeline) Scheduler() *debounce.Scheduler { return p.scheduler }
