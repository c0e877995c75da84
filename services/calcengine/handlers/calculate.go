// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the calculation API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/pipeline"
)

// CalculateRequest is the POST /v1/calculate body.
type CalculateRequest struct {
	CalculatorID string         `json:"calculator_id" binding:"required"`
	Inputs       map[string]any `json:"inputs" binding:"required"`
	Priority     string         `json:"priority,omitempty"`
}

// CalculateResponse is the success body.
type CalculateResponse struct {
	RequestID    string         `json:"request_id"`
	CalculatorID string         `json:"calculator_id"`
	Outputs      map[string]any `json:"outputs"`
	Source       string         `json:"source"`
	ComputedAt   string         `json:"computed_at"`
}

// statusForCode maps an error descriptor code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case "invalid_input":
		return http.StatusBadRequest
	case "unknown_calculator":
		return http.StatusNotFound
	case "calculation_cancelled":
		return http.StatusConflict
	case "calculation_timeout":
		return http.StatusGatewayTimeout
	case "service_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	desc := datatypes.Describe(err)
	c.JSON(statusForCode(desc.Code), gin.H{"error": desc})
}

// HandleCalculate runs one calculation synchronously through the
// pipeline and reports cache participation in the X-Cache header.
func HandleCalculate(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CalculateRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		handle, err := p.Submit(c.Request.Context(), req.CalculatorID,
			datatypes.Inputs(req.Inputs), datatypes.ParsePriority(req.Priority))
		if err != nil {
			writeError(c, err)
			return
		}

		result, err := handle.Wait(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}

		if result.Source == datatypes.SourceCache {
			c.Header("X-Cache", "HIT")
		} else {
			c.Header("X-Cache", "MISS")
		}
		c.JSON(http.StatusOK, CalculateResponse{
			RequestID:    result.RequestID,
			CalculatorID: result.CalculatorID,
			Outputs:      result.Outputs,
			Source:       string(result.Source),
			ComputedAt:   result.ComputedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
}

// InputEventRequest is the POST /v1/events body.
type InputEventRequest struct {
	CalculatorID string `json:"calculator_id" binding:"required"`
	FieldName    string `json:"field_name" binding:"required"`
	Value        any    `json:"value,omitempty"`
	EventType    string `json:"event_type" binding:"required"`
}

// HandleInputEvent records one behavior signal. Always 202: the
// analyzer is advisory and has no failure mode worth surfacing.
func HandleInputEvent(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InputEventRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		p.RecordInputEvent(req.CalculatorID, req.FieldName, req.Value, req.EventType)
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}
