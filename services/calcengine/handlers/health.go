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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/zinsrechner/services/calcengine/pipeline"
)

var startedAt = time.Now()

// HealthCheck reports service liveness plus a coarse degradation flag:
// "degraded" means workers are disabled and every calculation runs on
// the synchronous fallback.
func HealthCheck(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if p.WorkerStatistics().WorkersDisabled {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         status,
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		})
	}
}
