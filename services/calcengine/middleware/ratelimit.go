// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware holds gin middleware shared by the calculation
// API routes.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-client token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond refills each client's bucket. Default 30.
	RequestsPerSecond float64
	// Burst is the bucket capacity. Default 60.
	Burst int
	// IdleEviction drops a client's bucket after this much silence so
	// the limiter map does not grow forever. Default 10 minutes.
	IdleEviction time.Duration
}

// DefaultRateLimitConfig returns limits sized for an interactive
// calculator UI, where a fast typist produces a few requests a second.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 30,
		Burst:             60,
		IdleEviction:      10 * time.Minute,
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client-IP token bucket.
//
// Thread Safety: safe for concurrent use.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientBucket
}

// NewRateLimiter builds a limiter; zero config fields fall back to
// defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	return &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*clientBucket),
	}
}

// Allow reports whether the client may proceed, creating its bucket on
// first sight and opportunistically evicting idle buckets.
func (rl *RateLimiter) Allow(clientIP string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.clients[clientIP]
	if !ok {
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		}
		rl.clients[clientIP] = bucket
		// Piggyback eviction on bucket creation; traffic spikes are
		// exactly when the map is worth pruning.
		for ip, b := range rl.clients {
			if now.Sub(b.lastSeen) > rl.cfg.IdleEviction && ip != clientIP {
				delete(rl.clients, ip)
			}
		}
	}
	bucket.lastSeen = now
	return bucket.limiter.Allow()
}

// Middleware rejects over-limit clients with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, slow down",
			})
			return
		}
		c.Next()
	}
}
