// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the calculation API on a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/zinsrechner/services/calcengine/handlers"
	"github.com/AleutianAI/zinsrechner/services/calcengine/middleware"
	"github.com/AleutianAI/zinsrechner/services/calcengine/observability"
	"github.com/AleutianAI/zinsrechner/services/calcengine/pipeline"
)

// SetupRoutes wires every API endpoint. The rate limiter may be nil in
// tests; the websocket endpoint skips it because one long-lived
// connection carries many logical requests.
func SetupRoutes(router *gin.Engine, p *pipeline.Pipeline, metrics *observability.Metrics,
	limiter *middleware.RateLimiter) {

	router.GET("/health", handlers.HealthCheck(p))

	v1 := router.Group("/v1")
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	{
		v1.POST("/calculate", handlers.HandleCalculate(p))
		v1.POST("/events", handlers.HandleInputEvent(p))
		v1.GET("/calculators", handlers.HandleListCalculators(p))

		stats := v1.Group("/stats")
		{
			stats.GET("/cache", handlers.HandleCacheStats(p))
			stats.GET("/workers", handlers.HandleWorkerStats(p))
			stats.GET("/debounce", handlers.HandleDebounceStats(p))
			stats.GET("/behavior", handlers.HandleBehaviorProfiles(p))
		}
	}

	router.GET("/v1/calculate/ws", handlers.HandleCalculateWebSocket(p, metrics))
}
