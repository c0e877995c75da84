// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline outcomes.
var (
	// ErrCancelled is returned when a scheduled invocation is superseded
	// by a newer one or explicitly cancelled. It is a normal outcome of
	// trailing debounce, not a failure.
	ErrCancelled = errors.New("calculation cancelled")

	// ErrTimeout is returned when a request waited in the worker pool
	// queue longer than the configured queueing timeout.
	ErrTimeout = errors.New("calculation queue timeout")

	// ErrShutdown is returned when the pipeline or pool has been shut down.
	ErrShutdown = errors.New("pipeline shut down")

	// ErrUnknownCalculator is returned when no function is registered for
	// the requested calculator id.
	ErrUnknownCalculator = errors.New("unknown calculator")
)

// ValidationError rejects bad inputs before they enter the pipeline.
// It never reaches the worker pool.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Message)
}

// ComputationError wraps a failure raised by the calculation function
// itself. The failure is scoped to the one request that triggered it.
type ComputationError struct {
	CalculatorID string
	Err          error
}

// Error implements the error interface.
func (e *ComputationError) Error() string {
	return fmt.Sprintf("calculator %q failed: %v", e.CalculatorID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ComputationError) Unwrap() error { return e.Err }

// WorkerError reports that an execution context crashed or could not be
// created. It is recorded against the responsible worker's error count.
type WorkerError struct {
	WorkerID int
	Err      error
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.WorkerID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *WorkerError) Unwrap() error { return e.Err }

// CacheError reports an internal cache bookkeeping failure. The pipeline
// degrades it to a cache miss; it never surfaces to callers.
type CacheError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CacheError) Unwrap() error { return e.Err }

// Severity ranks failures for the consuming UI layer.
type Severity int

const (
	// SeverityInfo covers normal outcomes such as cancellation.
	SeverityInfo Severity = iota

	// SeverityWarning covers recoverable, user-correctable failures.
	SeverityWarning

	// SeverityError covers infrastructure failures (worker crashes,
	// repeated computation errors).
	SeverityError
)

// SuggestedAction hints the UI at a recovery path for a failure.
type SuggestedAction string

const (
	ActionNone     SuggestedAction = ""
	ActionRetry    SuggestedAction = "retry"
	ActionShowHelp SuggestedAction = "show-help"
	ActionReload   SuggestedAction = "reload"
)

// ErrorDescriptor maps a failure onto the contract consumed by the UI
// layer: a stable code usable as a localization key, a severity rank,
// and an optional suggested action.
type ErrorDescriptor struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Severity Severity        `json:"severity"`
	Action   SuggestedAction `json:"suggested_action,omitempty"`
}

// Describe classifies err into an ErrorDescriptor.
//
// Each failure kind maps to a distinct code. WorkerError ranks more
// severe than a single ValidationError; CancelledError is informational.
func Describe(err error) ErrorDescriptor {
	var (
		vErr *ValidationError
		cErr *ComputationError
		wErr *WorkerError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrorDescriptor{Code: "calculation_cancelled", Message: err.Error(), Severity: SeverityInfo}
	case errors.Is(err, ErrTimeout):
		return ErrorDescriptor{Code: "calculation_timeout", Message: err.Error(), Severity: SeverityWarning, Action: ActionRetry}
	case errors.Is(err, ErrUnknownCalculator):
		return ErrorDescriptor{Code: "unknown_calculator", Message: err.Error(), Severity: SeverityWarning, Action: ActionShowHelp}
	case errors.Is(err, ErrShutdown):
		return ErrorDescriptor{Code: "service_unavailable", Message: err.Error(), Severity: SeverityError, Action: ActionReload}
	case errors.As(err, &vErr):
		return ErrorDescriptor{Code: "invalid_input", Message: vErr.Error(), Severity: SeverityWarning, Action: ActionShowHelp}
	case errors.As(err, &wErr):
		return ErrorDescriptor{Code: "worker_failure", Message: wErr.Error(), Severity: SeverityError, Action: ActionReload}
	case errors.As(err, &cErr):
		return ErrorDescriptor{Code: "computation_failure", Message: cErr.Error(), Severity: SeverityError, Action: ActionRetry}
	default:
		return ErrorDescriptor{Code: "internal_error", Message: err.Error(), Severity: SeverityError, Action: ActionRetry}
	}
}
