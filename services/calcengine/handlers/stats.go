// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/zinsrechner/services/calcengine/pipeline"
)

// HandleCacheStats reports result cache occupancy and hit rates.
func HandleCacheStats(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.CacheStatistics())
	}
}

// HandleWorkerStats reports per-worker load and error counters.
func HandleWorkerStats(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.WorkerStatistics())
	}
}

// HandleDebounceStats reports per-calculator scheduler counters.
func HandleDebounceStats(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.DebounceStatistics())
	}
}

// HandleBehaviorProfiles reports the advisory typing profiles.
func HandleBehaviorProfiles(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.BehaviorProfiles())
	}
}

// HandleListCalculators lists registered calculator ids.
func HandleListCalculators(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"calculators": p.Registry().IDs()})
	}
}
