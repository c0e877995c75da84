// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the calculation
// pipeline.
//
// Metrics cover the four pipeline stages: debounce scheduling, cache
// effectiveness, worker pool health, and end-to-end request outcomes.
// Expose them via promhttp on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "zinsrechner"

// Metrics holds all Prometheus instruments for the pipeline.
//
// Initialize once at startup via Default(), or with NewMetrics and a
// private registry in tests.
type Metrics struct {
	// RequestsTotal counts finished calculations.
	// Labels: calculator, status (ok, error, cancelled), source (cache, worker, fallback, none)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures dispatch-to-result latency.
	// Labels: calculator, source
	RequestDurationSeconds *prometheus.HistogramVec

	// DebounceScheduledTotal counts Schedule calls by calculator.
	DebounceScheduledTotal *prometheus.CounterVec

	// DebounceCancelledTotal counts superseded/cancelled invocations.
	DebounceCancelledTotal *prometheus.CounterVec

	// CacheHitsTotal and CacheMissesTotal count result cache lookups.
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// CacheEntries and CacheMemoryBytes mirror the cache's bookkeeping.
	CacheEntries     prometheus.Gauge
	CacheMemoryBytes prometheus.Gauge

	// PoolQueueDepth is the number of requests waiting for a worker.
	PoolQueueDepth prometheus.Gauge

	// PoolTimeoutsTotal counts queueing timeouts.
	PoolTimeoutsTotal prometheus.Counter

	// PoolFallbacksTotal counts synchronous fallback executions.
	PoolFallbacksTotal prometheus.Counter

	// WorkerRetirementsTotal counts workers retired past the error
	// threshold.
	WorkerRetirementsTotal prometheus.Counter

	// InputEventsTotal counts behavior signals by calculator and type.
	InputEventsTotal *prometheus.CounterVec

	// WSConnections is the number of open realtime websocket sessions.
	WSConnections prometheus.Gauge
}

// NewMetrics creates and registers all instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Finished calculation requests by calculator, status, and source.",
		}, []string{"calculator", "status", "source"}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "request_duration_seconds",
			Help:      "Dispatch-to-result latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"calculator", "source"}),
		DebounceScheduledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "debounce",
			Name:      "scheduled_total",
			Help:      "Scheduled invocations by calculator.",
		}, []string{"calculator"}),
		DebounceCancelledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "debounce",
			Name:      "cancelled_total",
			Help:      "Superseded or cancelled invocations by calculator.",
		}, []string{"calculator"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Result cache hits.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Result cache misses, including expired entries.",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live result cache entries.",
		}),
		CacheMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "memory_bytes",
			Help:      "Estimated result cache memory footprint.",
		}),
		PoolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Requests waiting for a free worker.",
		}),
		PoolTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "timeouts_total",
			Help:      "Requests that exhausted the queueing timeout.",
		}),
		PoolFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "fallbacks_total",
			Help:      "Calculations executed via the synchronous fallback.",
		}),
		WorkerRetirementsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "worker_retirements_total",
			Help:      "Workers retired after crossing the error threshold.",
		}),
		InputEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "behavior",
			Name:      "input_events_total",
			Help:      "Behavior signals by calculator and event type.",
		}, []string{"calculator", "event_type"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "ws_connections",
			Help:      "Open realtime websocket sessions.",
		}),
	}
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide Metrics registered on the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
