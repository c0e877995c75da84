// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maps calculator identifiers to pure calculation
// functions.
//
// The registry is a startup-time lookup table, not dynamic code loading.
// The pipeline treats every calculator as an opaque capability; the only
// formula-specific code in the repository lives in the built-in entries
// registered by RegisterBuiltins.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
)

// Calculator is the pluggable capability behind a calculator id.
//
// Implementations must be pure: no retained state between calls, no side
// effects. Calculate returns a ValidationError for bad inputs and any
// other error for computation failures.
type Calculator interface {
	Calculate(inputs datatypes.Inputs) (datatypes.Outputs, error)
}

// Func adapts an ordinary function to the Calculator interface.
type Func func(inputs datatypes.Inputs) (datatypes.Outputs, error)

// Calculate implements Calculator.
func (f Func) Calculate(inputs datatypes.Inputs) (datatypes.Outputs, error) {
	return f(inputs)
}

// Registry holds the id → Calculator table.
type Registry struct {
	mu    sync.RWMutex
	calcs map[string]Calculator
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{calcs: make(map[string]Calculator)}
}

// Register adds a calculator under the given id.
//
// Registering an id twice replaces the earlier entry; the last
// registration wins. An empty id or nil calculator returns an error.
func (r *Registry) Register(id string, calc Calculator) error {
	if id == "" {
		return fmt.Errorf("register: empty calculator id")
	}
	if calc == nil {
		return fmt.Errorf("register %q: nil calculator", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calcs[id] = calc
	return nil
}

// Load returns the calculator registered under id.
//
// Returns datatypes.ErrUnknownCalculator (wrapped with the id) when no
// entry exists.
func (r *Registry) Load(id string) (Calculator, error) {
	r.mu.RLock()
	calc, ok := r.calcs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", datatypes.ErrUnknownCalculator, id)
	}
	return calc, nil
}

// Has reports whether a calculator is registered under id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.calcs[id]
	return ok
}

// IDs returns all registered calculator ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.calcs))
	for id := range r.calcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
