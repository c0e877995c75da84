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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/zinsrechner/services/calcengine/cache"
	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/debounce"
	"github.com/AleutianAI/zinsrechner/services/calcengine/workerpool"
)

// Config aggregates the tunables of every pipeline stage. Read once at
// init; the debounce policy table may additionally be hot reloaded from
// the policy file.
type Config struct {
	Cache    cache.Config
	Debounce debounce.Config
	Pool     workerpool.Config

	// PolicyFile optionally points at a YAML debounce policy table.
	PolicyFile string
}

// DefaultConfig returns the composed defaults of all stages.
func DefaultConfig() Config {
	return Config{
		Cache:    cache.DefaultConfig(),
		Debounce: debounce.DefaultConfig(),
		Pool:     workerpool.DefaultConfig(),
	}
}

// LoadConfig builds a Config from defaults overridden by environment
// variables:
//
//	CALC_MAX_WORKERS        worker pool cap
//	CALC_QUEUE_TIMEOUT      pool queueing timeout (duration)
//	CALC_ERROR_THRESHOLD    errors before a worker is retired
//	CALC_CACHE_MAX_ENTRIES  result cache entry bound
//	CALC_CACHE_MAX_MEMORY   result cache memory bound (bytes)
//	CALC_CACHE_TTL          result cache TTL (duration)
//	CALC_POLICY_FILE        debounce policy table path
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.Pool.MaxWorkers = getEnvInt("CALC_MAX_WORKERS", cfg.Pool.MaxWorkers)
	cfg.Pool.QueueTimeout = getEnvDuration("CALC_QUEUE_TIMEOUT", cfg.Pool.QueueTimeout)
	cfg.Pool.ErrorThreshold = getEnvInt("CALC_ERROR_THRESHOLD", cfg.Pool.ErrorThreshold)
	cfg.Cache.MaxEntries = getEnvInt("CALC_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxMemoryBytes = int64(getEnvInt("CALC_CACHE_MAX_MEMORY", int(cfg.Cache.MaxMemoryBytes)))
	cfg.Cache.TTL = getEnvDuration("CALC_CACHE_TTL", cfg.Cache.TTL)
	cfg.PolicyFile = getEnvString("CALC_POLICY_FILE", "")

	if cfg.PolicyFile != "" {
		if policies, def, err := LoadPolicyFile(cfg.PolicyFile); err == nil {
			cfg.Debounce.Policies = policies
			if def != nil {
				cfg.Debounce.Default = *def
			}
		}
	}
	return cfg
}

// policyDoc is the YAML shape of the policy table. Durations are strings
// ("400ms", "2s") and priority is a class name.
type policyDoc struct {
	Default     *policyEntry           `yaml:"default"`
	Calculators map[string]policyEntry `yaml:"calculators"`
}

type policyEntry struct {
	BaseDelay string `yaml:"base_delay"`
	MinDelay  string `yaml:"min_delay"`
	MaxDelay  string `yaml:"max_delay"`
	Priority  string `yaml:"priority"`
	Adaptive  *bool  `yaml:"adaptive"`
}

// LoadPolicyFile parses a YAML debounce policy table.
//
// Outputs:
//   - map[string]debounce.Policy: Per-calculator policies.
//   - *debounce.Policy: Optional default override (nil if absent).
//   - error: Non-nil on read or parse failure.
func LoadPolicyFile(path string) (map[string]debounce.Policy, *debounce.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc policyDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse policy file: %w", err)
	}

	var def *debounce.Policy
	if doc.Default != nil {
		p, err := doc.Default.toPolicy()
		if err != nil {
			return nil, nil, fmt.Errorf("default policy: %w", err)
		}
		def = &p
	}

	policies := make(map[string]debounce.Policy, len(doc.Calculators))
	for id, entry := range doc.Calculators {
		p, err := entry.toPolicy()
		if err != nil {
			return nil, nil, fmt.Errorf("policy for %q: %w", id, err)
		}
		policies[id] = p
	}
	return policies, def, nil
}

func (e policyEntry) toPolicy() (debounce.Policy, error) {
	p := debounce.DefaultPolicy()
	var err error
	if e.BaseDelay != "" {
		if p.BaseDelay, err = time.ParseDuration(e.BaseDelay); err != nil {
			return p, fmt.Errorf("base_delay: %w", err)
		}
	}
	if e.MinDelay != "" {
		if p.MinDelay, err = time.ParseDuration(e.MinDelay); err != nil {
			return p, fmt.Errorf("min_delay: %w", err)
		}
	}
	if e.MaxDelay != "" {
		if p.MaxDelay, err = time.ParseDuration(e.MaxDelay); err != nil {
			return p, fmt.Errorf("max_delay: %w", err)
		}
	}
	if e.Priority != "" {
		p.Priority = datatypes.ParsePriority(e.Priority)
		if p.Priority == datatypes.PriorityUnset {
			p.Priority = datatypes.PriorityMedium
		}
	}
	if e.Adaptive != nil {
		p.AdaptiveEnabled = *e.Adaptive
	}
	return p, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
