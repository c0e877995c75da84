// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workerpool owns the bounded set of isolated execution
// contexts that run calculation functions off the orchestration path.
//
// # Selection
//
// An incoming request prefers an idle worker that has already loaded the
// target calculator's function; among equally qualified workers the one
// with the fewest served requests wins. Below the cap a new worker is
// created lazily; at the cap the request queues FIFO until a worker
// frees or the queueing timeout elapses.
//
// # Failure Recovery
//
// Errors are isolated to the request that caused them. A worker whose
// error count crosses the threshold is retired and replaced lazily.
// When workers are disabled or the restart budget is exhausted, the
// manager falls back to synchronous execution in the caller's goroutine;
// fallback results are identical to worker results except for the
// result's source field.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/zinsrechner/pkg/logging"
	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/registry"
)

// Pool defaults.
const (
	// DefaultMaxWorkers caps the number of concurrent execution contexts.
	DefaultMaxWorkers = 4

	// DefaultQueueTimeout bounds how long a request waits for a free
	// worker. There is no additional timeout once a request is running.
	DefaultQueueTimeout = 10 * time.Second

	// DefaultErrorThreshold is how many errors retire a worker.
	DefaultErrorThreshold = 5

	// DefaultMaxRestarts is the total worker replacement budget. Once
	// exhausted with no live workers, the manager stays in fallback mode.
	DefaultMaxRestarts = 16

	// hungMultiplier flags a worker as a hung suspect once it has been
	// busy for this many queue timeouts. Advisory only; the worker is
	// never forcibly interrupted.
	hungMultiplier = 10
)

// Config configures a Manager.
type Config struct {
	// MaxWorkers caps the pool size. Zero disables workers entirely and
	// routes everything through the synchronous fallback.
	MaxWorkers int

	// QueueTimeout bounds the FIFO wait for a free worker.
	QueueTimeout time.Duration

	// ErrorThreshold retires a worker after this many recorded errors.
	ErrorThreshold int

	// MaxRestarts is the total replacement budget across the pool's
	// lifetime.
	MaxRestarts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     DefaultMaxWorkers,
		QueueTimeout:   DefaultQueueTimeout,
		ErrorThreshold: DefaultErrorThreshold,
		MaxRestarts:    DefaultMaxRestarts,
	}
}

// waiter is one queued request waiting for a worker.
type waiter struct {
	ch chan *worker

	// delivered and abandoned are guarded by Manager.mu and resolve the
	// race between timeout and hand-off.
	delivered bool
	abandoned bool
}

// Manager owns the worker set. All WorkerRecord mutation happens here.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	log      *logging.Logger

	mu       sync.Mutex
	workers  map[int]*worker
	retired  []WorkerRecord
	waiters  []*waiter
	nextID   int
	restarts int
	disabled bool
	closed   bool
	done     chan struct{}

	fallbacks atomic.Int64
	timeouts  atomic.Int64
}

// NewManager creates a Manager. Workers are created lazily on demand.
func NewManager(cfg Config, reg *registry.Registry, log *logging.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxWorkers < 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		log:      log,
		workers:  make(map[int]*worker),
		disabled: cfg.MaxWorkers == 0,
		done:     make(chan struct{}),
	}
}

// Calculate runs the calculator on the best available worker, queueing
// FIFO when the pool is saturated.
//
// Outputs:
//   - datatypes.Outputs: The calculation outputs on success.
//   - datatypes.ResultSource: SourceWorker or SourceFallback.
//   - error: ErrTimeout if no worker freed within the queue timeout,
//     ErrShutdown after Shutdown, ctx.Err() if the caller gave up while
//     queued, or the typed execution failure.
func (m *Manager) Calculate(ctx context.Context, calculatorID string, inputs datatypes.Inputs) (datatypes.Outputs, datatypes.ResultSource, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, "", datatypes.ErrShutdown
	}
	if m.disabled {
		m.mu.Unlock()
		return m.ExecuteFallback(calculatorID, inputs)
	}

	if w := m.selectWorkerLocked(calculatorID); w != nil {
		m.mu.Unlock()
		return m.runOn(w, calculatorID, inputs)
	}

	// Saturated: queue FIFO until a worker frees.
	wt := &waiter{ch: make(chan *worker, 1)}
	m.waiters = append(m.waiters, wt)
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case w := <-wt.ch:
		if w == nil {
			// Pool went into fallback mode while we were queued.
			return m.ExecuteFallback(calculatorID, inputs)
		}
		return m.runOn(w, calculatorID, inputs)
	case <-timer.C:
		if w, ok := m.abandonWaiter(wt); ok {
			// A worker was handed over concurrently with the timeout.
			if w == nil {
				return m.ExecuteFallback(calculatorID, inputs)
			}
			return m.runOn(w, calculatorID, inputs)
		}
		m.timeouts.Add(1)
		return nil, "", fmt.Errorf("%w: no worker freed within %s", datatypes.ErrTimeout, m.cfg.QueueTimeout)
	case <-ctx.Done():
		if w, ok := m.abandonWaiter(wt); ok {
			if w == nil {
				return m.ExecuteFallback(calculatorID, inputs)
			}
			return m.runOn(w, calculatorID, inputs)
		}
		return nil, "", ctx.Err()
	case <-m.done:
		return nil, "", datatypes.ErrShutdown
	}
}

// abandonWaiter marks wt abandoned. If a worker was already delivered it
// is returned so the caller can still use it instead of stranding it.
func (m *Manager) abandonWaiter(wt *waiter) (*worker, bool) {
	m.mu.Lock()
	if wt.delivered {
		m.mu.Unlock()
		return <-wt.ch, true
	}
	wt.abandoned = true
	m.mu.Unlock()
	return nil, false
}

// selectWorkerLocked picks or creates a worker for the request, marking
// it busy. Returns nil when the pool is saturated. Caller holds m.mu.
func (m *Manager) selectWorkerLocked(calculatorID string) *worker {
	var best *worker
	for _, w := range m.workers {
		if w.status != StatusIdle {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		bestLoaded := best.loadedIDs[calculatorID]
		wLoaded := w.loadedIDs[calculatorID]
		switch {
		case wLoaded && !bestLoaded:
			best = w
		case wLoaded == bestLoaded && w.totalServed < best.totalServed:
			best = w
		}
	}
	if best == nil && !m.disabled && len(m.workers) < m.cfg.MaxWorkers {
		best = m.spawnLocked()
	}
	if best != nil {
		best.status = StatusBusy
		best.active = 1
		best.busySince = time.Now()
	}
	return best
}

// spawnLocked creates and starts a new worker. Caller holds m.mu.
func (m *Manager) spawnLocked() *worker {
	m.nextID++
	w := &worker{
		id:        m.nextID,
		tasks:     make(chan *task),
		loaded:    make(map[string]registry.Calculator),
		loadedIDs: make(map[string]bool),
		status:    StatusIdle,
	}
	m.workers[w.id] = w
	go w.run(m)
	m.log.Debug("worker started", "worker_id", w.id, "pool_size", len(m.workers))
	return w
}

// runOn dispatches the task to a busy-marked worker and waits for its
// reply. The worker is released by its own goroutine via release().
func (m *Manager) runOn(w *worker, calculatorID string, inputs datatypes.Inputs) (datatypes.Outputs, datatypes.ResultSource, error) {
	t := &task{
		calculatorID: calculatorID,
		inputs:       inputs,
		reply:        make(chan taskResult, 1),
	}
	w.tasks <- t
	res := <-t.reply
	return res.outputs, datatypes.SourceWorker, res.err
}

// release returns a worker to the pool after a task, recording errors
// and retiring the worker past the error threshold. Called from the
// worker goroutine.
func (m *Manager) release(w *worker, calculatorID string, taskErr error) {
	m.mu.Lock()

	w.active = 0
	w.totalServed++
	if m.closed {
		close(w.tasks)
		w.status = StatusDead
		m.mu.Unlock()
		return
	}

	handoff := w
	if taskErr == nil {
		w.loadedIDs[calculatorID] = true
	} else if !isInputError(taskErr) {
		w.errorCount++
		w.lastErr = taskErr
		if w.errorCount >= m.cfg.ErrorThreshold {
			m.retireLocked(w)
			handoff = nil
		}
	}

	wt := m.popWaiterLocked()
	if wt == nil {
		if handoff != nil {
			handoff.status = StatusIdle
		}
		m.mu.Unlock()
		return
	}
	if handoff == nil {
		// The releasing worker was retired; respawn for the waiter so
		// queued requests are not stranded behind a lazy replacement.
		handoff = m.selectWorkerLocked(calculatorID)
	}
	if handoff == nil {
		// No capacity left; the waiter resolves through its own select.
		m.waiters = append([]*waiter{wt}, m.waiters...)
		m.mu.Unlock()
		return
	}
	wt.delivered = true
	handoff.status = StatusBusy
	handoff.active = 1
	handoff.busySince = time.Now()
	m.mu.Unlock()
	wt.ch <- handoff
}

// popWaiterLocked removes and returns the oldest live waiter, skipping
// abandoned ones. Caller holds m.mu.
func (m *Manager) popWaiterLocked() *waiter {
	for len(m.waiters) > 0 {
		wt := m.waiters[0]
		m.waiters = m.waiters[1:]
		if !wt.abandoned {
			return wt
		}
	}
	return nil
}

// retireLocked removes a worker from rotation. A replacement is created
// lazily by the next request. Caller holds m.mu.
func (m *Manager) retireLocked(w *worker) {
	w.status = StatusDead
	close(w.tasks)
	delete(m.workers, w.id)
	m.retired = append(m.retired, m.recordLocked(w))
	m.restarts++
	if m.restarts > m.cfg.MaxRestarts && len(m.workers) == 0 {
		m.disabled = true
		m.log.Warn("worker restart budget exhausted, switching to synchronous fallback",
			"restarts", m.restarts)
		// Wake queued requests; a nil worker routes them to fallback.
		for _, wt := range m.waiters {
			if !wt.abandoned {
				wt.delivered = true
				wt.ch <- nil
			}
		}
		m.waiters = nil
	}
	m.log.Warn("worker retired",
		"worker_id", w.id, "error_count", w.errorCount, "last_error", fmt.Sprint(w.lastErr))
}

// ExecuteFallback runs the calculation synchronously in the caller's
// goroutine. Results are identical to worker execution apart from the
// source field.
func (m *Manager) ExecuteFallback(calculatorID string, inputs datatypes.Inputs) (outputs datatypes.Outputs, src datatypes.ResultSource, err error) {
	m.fallbacks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &datatypes.WorkerError{
				WorkerID: 0,
				Err:      fmt.Errorf("panic during fallback %q: %v", calculatorID, r),
			}
		}
	}()

	calc, err := m.registry.Load(calculatorID)
	if err != nil {
		return nil, "", err
	}
	outputs, err = calc.Calculate(inputs)
	if err != nil {
		if isInputError(err) {
			return nil, "", err
		}
		return nil, "", &datatypes.ComputationError{CalculatorID: calculatorID, Err: err}
	}
	return outputs, datatypes.SourceFallback, nil
}

// Shutdown stops the pool. Queued requests resolve with ErrShutdown;
// in-flight tasks finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		if w.status == StatusIdle {
			close(w.tasks)
			w.status = StatusDead
		}
	}
	m.waiters = nil
	m.mu.Unlock()
	close(m.done)
}

// isInputError reports whether err is the caller's fault and therefore
// must not count against the worker's health.
func isInputError(err error) bool {
	var vErr *datatypes.ValidationError
	return errors.As(err, &vErr) || errors.Is(err, datatypes.ErrUnknownCalculator)
}

// WorkerRecord is the exported per-worker bookkeeping snapshot.
type WorkerRecord struct {
	ID                  int      `json:"id"`
	Status              Status   `json:"status"`
	LoadedCalculatorIDs []string `json:"loaded_calculator_ids"`
	ActiveRequests      int      `json:"active_requests"`
	ErrorCount          int      `json:"error_count"`
	TotalServed         int64    `json:"total_served"`
	LastError           string   `json:"last_error,omitempty"`
	BusyForMs           int64    `json:"busy_for_ms,omitempty"`
	HungSuspect         bool     `json:"hung_suspect,omitempty"`
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	Workers         []WorkerRecord `json:"workers"`
	Retired         []WorkerRecord `json:"retired,omitempty"`
	QueueDepth      int            `json:"queue_depth"`
	FallbackCount   int64          `json:"fallback_count"`
	TimeoutCount    int64          `json:"timeout_count"`
	Restarts        int            `json:"restarts"`
	WorkersDisabled bool           `json:"workers_disabled"`
}

// recordLocked snapshots one worker. Caller holds m.mu.
func (m *Manager) recordLocked(w *worker) WorkerRecord {
	loaded := make([]string, 0, len(w.loadedIDs))
	for id := range w.loadedIDs {
		loaded = append(loaded, id)
	}
	sort.Strings(loaded)
	rec := WorkerRecord{
		ID:                  w.id,
		Status:              w.status,
		LoadedCalculatorIDs: loaded,
		ActiveRequests:      w.active,
		ErrorCount:          w.errorCount,
		TotalServed:         w.totalServed,
	}
	if w.lastErr != nil {
		rec.LastError = w.lastErr.Error()
	}
	if w.status == StatusBusy && !w.busySince.IsZero() {
		busyFor := time.Since(w.busySince)
		rec.BusyForMs = busyFor.Milliseconds()
		rec.HungSuspect = busyFor > time.Duration(hungMultiplier)*m.cfg.QueueTimeout
	}
	return rec
}

// Statistics returns per-worker load and error counters plus queue and
// fallback health.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		records = append(records, m.recordLocked(w))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	liveWaiters := 0
	for _, wt := range m.waiters {
		if !wt.abandoned {
			liveWaiters++
		}
	}

	return Stats{
		Workers:         records,
		Retired:         append([]WorkerRecord(nil), m.retired...),
		QueueDepth:      liveWaiters,
		FallbackCount:   m.fallbacks.Load(),
		TimeoutCount:    m.timeouts.Load(),
		Restarts:        m.restarts,
		WorkersDisabled: m.disabled,
	}
}
