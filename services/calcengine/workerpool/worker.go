// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workerpool

import (
	"fmt"
	"time"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/registry"
)

// Status is a worker's lifecycle state.
type Status string

const (
	// StatusIdle means the worker is ready for a request.
	StatusIdle Status = "idle"

	// StatusBusy means the worker is executing a request.
	StatusBusy Status = "busy"

	// StatusDead means the worker crossed the error threshold and was
	// retired. A dead worker is never selected again.
	StatusDead Status = "dead"
)

// task is one unit of work handed to a worker goroutine.
type task struct {
	calculatorID string
	inputs       datatypes.Inputs
	reply        chan taskResult
}

type taskResult struct {
	outputs datatypes.Outputs
	err     error
}

// worker is one isolated execution context.
//
// The tasks channel and the loaded function cache belong to the worker
// goroutine. All other fields are bookkeeping owned by the Manager and
// guarded by the Manager's mutex.
type worker struct {
	id    int
	tasks chan *task

	// loaded is the worker-local lazy function cache. Only the worker
	// goroutine touches it.
	loaded map[string]registry.Calculator

	// Manager-guarded bookkeeping.
	status      Status
	active      int
	errorCount  int
	totalServed int64
	lastErr     error
	busySince   time.Time
	loadedIDs   map[string]bool
}

// run is the worker goroutine body: execute tasks one at a time until
// the tasks channel closes. One worker never has more than one request
// in flight.
func (w *worker) run(m *Manager) {
	for t := range w.tasks {
		outputs, err := w.execute(m.registry, t)
		t.reply <- taskResult{outputs: outputs, err: err}
		m.release(w, t.calculatorID, err)
	}
}

// execute resolves the calculator (lazily, cached per worker) and runs
// it with panic isolation. A panic inside a calculation function is
// surfaced as a WorkerError for this one request only.
func (w *worker) execute(reg *registry.Registry, t *task) (outputs datatypes.Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &datatypes.WorkerError{
				WorkerID: w.id,
				Err:      fmt.Errorf("panic during %q: %v", t.calculatorID, r),
			}
		}
	}()

	calc, ok := w.loaded[t.calculatorID]
	if !ok {
		calc, err = reg.Load(t.calculatorID)
		if err != nil {
			return nil, err
		}
		w.loaded[t.calculatorID] = calc
	}

	outputs, err = calc.Calculate(t.inputs)
	if err != nil {
		if isInputError(err) {
			return nil, err
		}
		return nil, &datatypes.ComputationError{CalculatorID: t.calculatorID, Err: err}
	}
	return outputs, nil
}
