// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/zinsrechner/pkg/logging"
	"github.com/AleutianAI/zinsrechner/services/calcengine/debounce"
)

// reloadDebounce collapses editor write bursts into one reload.
const reloadDebounce = 250 * time.Millisecond

// PolicyWatcher hot-reloads the debounce policy table when the policy
// file changes on disk. Parse failures keep the previous table.
type PolicyWatcher struct {
	path      string
	scheduler *debounce.Scheduler
	log       *logging.Logger
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// WatchPolicyFile starts watching path and applying changes to sched.
// Call Stop to release the watcher.
func WatchPolicyFile(path string, sched *debounce.Scheduler, log *logging.Logger) (*PolicyWatcher, error) {
	if log == nil {
		log = logging.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	pw := &PolicyWatcher{
		path:      path,
		scheduler: sched,
		log:       log,
		watcher:   w,
		done:      make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

// Stop releases the underlying watcher.
func (pw *PolicyWatcher) Stop() {
	close(pw.done)
	pw.watcher.Close()
}

func (pw *PolicyWatcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, pw.reload)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("policy watcher error", "error", err)
		}
	}
}

func (pw *PolicyWatcher) reload() {
	policies, def, err := LoadPolicyFile(pw.path)
	if err != nil {
		pw.log.Warn("policy reload failed, keeping previous table",
			"path", pw.path, "error", err)
		return
	}
	pw.scheduler.ReplacePolicies(policies)
	if def != nil {
		pw.log.Debug("default policy in file ignored on reload; defaults are init-only")
	}
	pw.log.Info("debounce policy table reloaded",
		"path", pw.path, "calculators", len(policies))
}
