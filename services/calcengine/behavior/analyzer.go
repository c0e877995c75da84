// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package behavior derives per-calculator input-behavior profiles from
// the stream of UI change events.
//
// Profiles are exponentially weighted rolling aggregates, advisory only
// and never persisted. The debounce scheduler uses them to tune delays;
// nothing in the pipeline depends on them for correctness.
package behavior

import (
	"sync"
	"time"
)

// Analyzer defaults. Thresholds here are empirically chosen tuning
// constants, not correctness requirements.
const (
	// DefaultSmoothing is the EWMA weight given to the newest sample.
	DefaultSmoothing = 0.3

	// DefaultSessionIdleWindow resets a profile after this much silence.
	DefaultSessionIdleWindow = 30 * time.Minute

	// expertEventCount is how many events it takes to be considered a
	// returning user at the maximum expertise score.
	expertEventCount = 200
)

// Profile is the advisory behavior summary for one calculator.
type Profile struct {
	// InputFrequency is the smoothed event rate in events per second.
	InputFrequency float64 `json:"input_frequency"`

	// AveragePauseMs is the smoothed gap between consecutive events.
	AveragePauseMs float64 `json:"average_pause_ms"`

	// ExpertiseScore grows from 0 to 1 with observed interaction volume
	// and shrinks with correction events.
	ExpertiseScore float64 `json:"expertise_score"`

	// EventCount is the number of events observed this session.
	EventCount int64 `json:"event_count"`

	// LastEventAt is when the most recent event arrived.
	LastEventAt time.Time `json:"last_event_at"`
}

// Config configures an Analyzer.
type Config struct {
	// Smoothing is the EWMA weight for new samples (0 < s <= 1).
	Smoothing float64

	// SessionIdleWindow resets a profile after this much inactivity.
	SessionIdleWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Smoothing:         DefaultSmoothing,
		SessionIdleWindow: DefaultSessionIdleWindow,
	}
}

// Analyzer observes input events and maintains one Profile per
// calculator id.
//
// Thread Safety: safe for concurrent use.
type Analyzer struct {
	cfg      Config
	mu       sync.RWMutex
	profiles map[string]*Profile
	now      func() time.Time // test seam
}

// New creates an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.Smoothing <= 0 || cfg.Smoothing > 1 {
		cfg.Smoothing = DefaultSmoothing
	}
	if cfg.SessionIdleWindow <= 0 {
		cfg.SessionIdleWindow = DefaultSessionIdleWindow
	}
	return &Analyzer{
		cfg:      cfg,
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

// Record folds one input event into the calculator's profile.
//
// Fire-and-forget: Record never blocks on anything but the profile map
// lock and never fails. Event types:
//   - "change": ordinary field edit
//   - "correction": the user reverted or fixed a value (lowers expertise)
//   - "focus"/"blur": counted but weightless for frequency
func (a *Analyzer) Record(calculatorID, fieldName string, eventType string) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.profiles[calculatorID]
	if !ok || now.Sub(p.LastEventAt) > a.cfg.SessionIdleWindow {
		p = &Profile{}
		a.profiles[calculatorID] = p
	}

	if !p.LastEventAt.IsZero() && eventType == "change" {
		gap := now.Sub(p.LastEventAt)
		if gap > 0 {
			pauseMs := float64(gap.Milliseconds())
			freq := 1000 / max(pauseMs, 1)
			p.AveragePauseMs = ewma(p.AveragePauseMs, pauseMs, a.cfg.Smoothing)
			p.InputFrequency = ewma(p.InputFrequency, freq, a.cfg.Smoothing)
		}
	}

	p.EventCount++
	p.LastEventAt = now
	p.ExpertiseScore = expertise(p.EventCount, eventType, p.ExpertiseScore)
}

// Snapshot returns a copy of the profile for calculatorID. Unknown ids
// return a zero profile so callers never branch on existence.
func (a *Analyzer) Snapshot(calculatorID string) Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if p, ok := a.profiles[calculatorID]; ok {
		return *p
	}
	return Profile{}
}

// Snapshots returns copies of all known profiles keyed by calculator id.
func (a *Analyzer) Snapshots() map[string]Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Profile, len(a.profiles))
	for id, p := range a.profiles {
		out[id] = *p
	}
	return out
}

func ewma(prev, sample, smoothing float64) float64 {
	if prev == 0 {
		return sample
	}
	return smoothing*sample + (1-smoothing)*prev
}

// expertise nudges the score toward interaction volume; corrections pull
// it back down.
func expertise(eventCount int64, eventType string, prev float64) float64 {
	score := float64(eventCount) / expertEventCount
	if score > 1 {
		score = 1
	}
	if prev > score {
		score = prev
	}
	if eventType == "correction" {
		score *= 0.8
	}
	return score
}
