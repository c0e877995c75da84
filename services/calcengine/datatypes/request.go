// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request/response contract shared by the
// calculation pipeline components.
package datatypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Priority classifies a calculation request for dispatch ordering.
//
// Higher priority requests are drained first by the debounce scheduler,
// but lower priorities are never starved (every class is visited on each
// dispatch tick).
type Priority int

const (
	// PriorityUnset defers to the calculator's debounce policy class.
	PriorityUnset Priority = -1
)

const (
	// PriorityHigh is for requests the user is actively waiting on.
	PriorityHigh Priority = iota

	// PriorityMedium is the default for interactive recalculation.
	PriorityMedium

	// PriorityLow is for background refresh and warmup work.
	PriorityLow

	// priorityCount is the number of priority classes.
	priorityCount
)

// PriorityCount returns the number of priority classes.
func PriorityCount() int { return int(priorityCount) }

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a string into a Priority.
//
// An empty string maps to PriorityUnset (defer to policy); unknown
// strings map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "":
		return PriorityUnset
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Inputs is an ordered-independent set of named calculator inputs.
//
// Values are normalized before hashing so that semantically identical
// requests collide to the same cache key regardless of key order or
// numeric representation (int vs float vs json.Number).
type Inputs map[string]any

// Normalize returns a copy of the inputs with all numeric values coerced
// to float64 and json.Number values decoded.
//
// Normalization is what makes cache keys deterministic: two payloads that
// differ only in numeric encoding produce identical normalized maps.
func (in Inputs) Normalize() Inputs {
	if in == nil {
		return Inputs{}
	}
	out := make(Inputs, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64, string, bool, nil:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}

// SortedKeys returns the input field names in lexicographic order.
func (in Inputs) SortedKeys() []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Outputs holds the named results of a calculation.
type Outputs map[string]any

// ResultSource identifies which path produced a CalculationResult.
type ResultSource string

const (
	// SourceCache means the result was served from the LRU result cache.
	SourceCache ResultSource = "cache"

	// SourceWorker means the result was computed by a pool worker.
	SourceWorker ResultSource = "worker"

	// SourceFallback means the result was computed synchronously in the
	// caller's goroutine because no worker was usable.
	SourceFallback ResultSource = "fallback"
)

// CalculationRequest is an immutable description of one debounced
// invocation. It is created when the scheduler dispatches and destroyed
// once the result is delivered, superseded, or cancelled.
type CalculationRequest struct {
	RequestID    string    `json:"request_id"`
	CalculatorID string    `json:"calculator_id"`
	Inputs       Inputs    `json:"inputs"`
	Priority     Priority  `json:"priority"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// NewCalculationRequest builds a request with a fresh UUID and normalized
// inputs.
func NewCalculationRequest(calculatorID string, inputs Inputs, priority Priority) CalculationRequest {
	return CalculationRequest{
		RequestID:    uuid.New().String(),
		CalculatorID: calculatorID,
		Inputs:       inputs.Normalize(),
		Priority:     priority,
		SubmittedAt:  time.Now(),
	}
}

// CalculationResult is the terminal value of a successful request.
type CalculationResult struct {
	RequestID    string       `json:"request_id"`
	CalculatorID string       `json:"calculator_id"`
	Outputs      Outputs      `json:"outputs"`
	ComputedAt   time.Time    `json:"computed_at"`
	Source       ResultSource `json:"source"`
}

// InputEvent is a fire-and-forget behavior signal from the UI layer.
type InputEvent struct {
	CalculatorID string    `json:"calculator_id"`
	FieldName    string    `json:"field_name"`
	Value        any       `json:"value"`
	EventType    string    `json:"event_type"`
	ReceivedAt   time.Time `json:"received_at"`
}
