// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the worker pool manager

package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/registry"
)

// testRegistry wires a handful of behaviors the pool tests drive.
// "block" parks until gate is closed so tests can saturate the pool.
func testRegistry(t *testing.T, gate chan struct{}) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("ok", registry.Func(
		func(inputs datatypes.Inputs) (datatypes.Outputs, error) {
			return datatypes.Outputs{"sum": inputs["a"].(float64) + inputs["b"].(float64)}, nil
		})))
	require.NoError(t, reg.Register("fail", registry.Func(
		func(datatypes.Inputs) (datatypes.Outputs, error) {
			return nil, errors.New("numerical instability")
		})))
	require.NoError(t, reg.Register("invalid", registry.Func(
		func(datatypes.Inputs) (datatypes.Outputs, error) {
			return nil, &datatypes.ValidationError{Field: "a", Message: "required"}
		})))
	require.NoError(t, reg.Register("panics", registry.Func(
		func(datatypes.Inputs) (datatypes.Outputs, error) {
			panic("nil map write")
		})))
	require.NoError(t, reg.Register("block", registry.Func(
		func(datatypes.Inputs) (datatypes.Outputs, error) {
			<-gate
			return datatypes.Outputs{"done": true}, nil
		})))
	return reg
}

func newTestManager(t *testing.T, cfg Config, gate chan struct{}) *Manager {
	t.Helper()
	m := NewManager(cfg, testRegistry(t, gate), nil)
	t.Cleanup(m.Shutdown)
	return m
}

var okInputs = datatypes.Inputs{"a": 2.0, "b": 3.0}

// =============================================================================
// Execution Tests
// =============================================================================

func TestCalculate_WorkerPath(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 2}, nil)

	out, source, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceWorker, source)
	assert.Equal(t, 5.0, out["sum"])

	stats := m.Statistics()
	require.Len(t, stats.Workers, 1, "one request needs one lazy worker")
	assert.Equal(t, int64(1), stats.Workers[0].TotalServed)
}

func TestCalculate_FallbackWhenDisabled(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 0}, nil)

	out, source, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceFallback, source)
	assert.Equal(t, 5.0, out["sum"])

	stats := m.Statistics()
	assert.True(t, stats.WorkersDisabled)
	assert.Empty(t, stats.Workers)
	assert.Equal(t, int64(1), stats.FallbackCount)
}

// Fallback and worker execution must agree on outputs and on error
// shapes; only the source differs.
func TestFallback_MatchesWorkerResults(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 2}, nil)

	workerOut, _, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	fallbackOut, fallbackSource, err := m.ExecuteFallback("ok", okInputs)
	require.NoError(t, err)

	assert.Equal(t, workerOut, fallbackOut)
	assert.Equal(t, datatypes.SourceFallback, fallbackSource)

	_, _, workerErr := m.Calculate(context.Background(), "fail", nil)
	_, _, fallbackErr := m.ExecuteFallback("fail", nil)
	var cw, cf *datatypes.ComputationError
	require.ErrorAs(t, workerErr, &cw)
	require.ErrorAs(t, fallbackErr, &cf)
	assert.Equal(t, cw.CalculatorID, cf.CalculatorID)
}

func TestCalculate_UnknownCalculator(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 2}, nil)
	_, _, err := m.Calculate(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, datatypes.ErrUnknownCalculator)
}

func TestCalculate_PanicBecomesWorkerError(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1, ErrorThreshold: 5}, nil)

	_, _, err := m.Calculate(context.Background(), "panics", nil)
	var wErr *datatypes.WorkerError
	require.ErrorAs(t, err, &wErr)
	assert.Contains(t, wErr.Error(), "panic")

	// The pool keeps serving after a panic.
	out, _, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["sum"])
}

// =============================================================================
// Error Isolation and Retirement Tests
// =============================================================================

// A computation failure is scoped to the request that caused it: the
// next request on the same pool succeeds.
func TestCalculate_ErrorsIsolatedPerRequest(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1, ErrorThreshold: 5}, nil)

	_, _, err := m.Calculate(context.Background(), "fail", nil)
	var cErr *datatypes.ComputationError
	require.ErrorAs(t, err, &cErr)

	out, source, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceWorker, source)
	assert.Equal(t, 5.0, out["sum"])
}

func TestRetirement_AtErrorThreshold(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1, ErrorThreshold: 2}, nil)

	for i := 0; i < 2; i++ {
		_, _, err := m.Calculate(context.Background(), "fail", nil)
		require.Error(t, err)
	}

	stats := m.Statistics()
	require.Len(t, stats.Retired, 1)
	assert.Equal(t, 2, stats.Retired[0].ErrorCount)
	assert.Empty(t, stats.Workers, "replacement is lazy, not eager")

	// The next request spawns a fresh worker.
	out, source, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceWorker, source)
	assert.Equal(t, 5.0, out["sum"])
	assert.Len(t, m.Statistics().Workers, 1)
}

func TestRetirement_ValidationErrorsDoNotCount(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1, ErrorThreshold: 2}, nil)

	for i := 0; i < 10; i++ {
		_, _, err := m.Calculate(context.Background(), "invalid", nil)
		var vErr *datatypes.ValidationError
		require.ErrorAs(t, err, &vErr)
	}

	stats := m.Statistics()
	assert.Empty(t, stats.Retired, "bad inputs are the caller's fault, not the worker's")
	require.Len(t, stats.Workers, 1)
	assert.Zero(t, stats.Workers[0].ErrorCount)
}

func TestRestartBudget_ExhaustionDisablesWorkers(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1, ErrorThreshold: 1, MaxRestarts: 1}, nil)

	// Each failing request burns one worker; the budget allows one
	// replacement, so the second retirement tips into fallback mode.
	for i := 0; i < 2; i++ {
		_, _, err := m.Calculate(context.Background(), "fail", nil)
		require.Error(t, err)
	}

	stats := m.Statistics()
	assert.True(t, stats.WorkersDisabled)
	assert.Len(t, stats.Retired, 2)

	out, source, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SourceFallback, source)
	assert.Equal(t, 5.0, out["sum"])
}

// =============================================================================
// Queueing Tests
// =============================================================================

func TestCalculate_QueueTimeout(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, Config{MaxWorkers: 1, QueueTimeout: 50 * time.Millisecond}, gate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := m.Calculate(context.Background(), "block", nil)
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond) // let the blocker claim the only worker

	_, _, err := m.Calculate(context.Background(), "ok", okInputs)
	assert.ErrorIs(t, err, datatypes.ErrTimeout)
	assert.Equal(t, int64(1), m.Statistics().TimeoutCount)

	close(gate)
	wg.Wait()
}

func TestCalculate_QueuedRequestGetsFreedWorker(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, Config{MaxWorkers: 1, QueueTimeout: 2 * time.Second}, gate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := m.Calculate(context.Background(), "block", nil)
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, source, err := m.Calculate(context.Background(), "ok", okInputs)
		assert.NoError(t, err)
		assert.Equal(t, datatypes.SourceWorker, source)
		assert.Equal(t, 5.0, out["sum"])
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, m.Statistics().QueueDepth)

	close(gate) // free the worker; the queued request must run on it
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was never handed the freed worker")
	}
	wg.Wait()
	assert.Len(t, m.Statistics().Workers, 1, "the pool must reuse its single worker")
}

func TestCalculate_ContextCancelledWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m := newTestManager(t, Config{MaxWorkers: 1, QueueTimeout: 5 * time.Second}, gate)

	go func() {
		_, _, _ = m.Calculate(context.Background(), "block", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Calculate(ctx, "ok", okInputs)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestCalculate_PoolGrowsToCapOnly(t *testing.T) {
	gate := make(chan struct{})
	m := newTestManager(t, Config{MaxWorkers: 3, QueueTimeout: 2 * time.Second}, gate)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Calculate(context.Background(), "block", nil)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	stats := m.Statistics()
	assert.Len(t, stats.Workers, 3, "pool must not grow past the cap")
	assert.Equal(t, 2, stats.QueueDepth)
	for _, w := range stats.Workers {
		assert.LessOrEqual(t, w.ActiveRequests, 1, "one request per worker at a time")
	}

	close(gate)
	wg.Wait()
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestShutdown_RejectsNewWork(t *testing.T) {
	m := NewManager(Config{MaxWorkers: 2}, testRegistry(t, nil), nil)

	_, _, err := m.Calculate(context.Background(), "ok", okInputs)
	require.NoError(t, err)

	m.Shutdown()
	m.Shutdown() // idempotent

	_, _, err = m.Calculate(context.Background(), "ok", okInputs)
	assert.ErrorIs(t, err, datatypes.ErrShutdown)
}

func TestWorkerReuse_PrefersLoadedCalculator(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 4}, nil)

	for i := 0; i < 5; i++ {
		_, _, err := m.Calculate(context.Background(), "ok", okInputs)
		require.NoError(t, err)
	}

	stats := m.Statistics()
	require.Len(t, stats.Workers, 1, "sequential requests must reuse the loaded worker")
	assert.Equal(t, int64(5), stats.Workers[0].TotalServed)
	assert.Contains(t, stats.Workers[0].LoadedCalculatorIDs, "ok")
}
