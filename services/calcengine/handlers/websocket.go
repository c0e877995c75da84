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
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/zinsrechner/services/calcengine/datatypes"
	"github.com/AleutianAI/zinsrechner/services/calcengine/observability"
	"github.com/AleutianAI/zinsrechner/services/calcengine/pipeline"
)

// WSRequest is one client→server frame.
//
// Types: "input" feeds the behavior analyzer, "calculate" schedules a
// debounced calculation, "cancel" drops the pending calculation for a
// calculator.
type WSRequest struct {
	Type         string         `json:"type"`
	CalculatorID string         `json:"calculator_id"`
	FieldName    string         `json:"field_name,omitempty"`
	Value        any            `json:"value,omitempty"`
	EventType    string         `json:"event_type,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Priority     string         `json:"priority,omitempty"`
}

// WSResponse is one server→client frame: "ack", "result", or "error".
type WSResponse struct {
	Type         string                     `json:"type"`
	CalculatorID string                     `json:"calculator_id,omitempty"`
	RequestID    string                     `json:"request_id,omitempty"`
	Outputs      map[string]any             `json:"outputs,omitempty"`
	Source       string                     `json:"source,omitempty"`
	Error        *datatypes.ErrorDescriptor `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSession serializes writes: gorilla permits one concurrent writer,
// and results arrive from waiter goroutines.
type wsSession struct {
	ws *websocket.Conn
	mu sync.Mutex

	handleMu sync.Mutex
	handles  map[string]*pipeline.Handle
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ws.WriteJSON(v); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return err
	}
	return nil
}

func (s *wsSession) track(calculatorID string, h *pipeline.Handle) {
	s.handleMu.Lock()
	s.handles[calculatorID] = h
	s.handleMu.Unlock()
}

func (s *wsSession) cancel(calculatorID string) bool {
	s.handleMu.Lock()
	h, ok := s.handles[calculatorID]
	delete(s.handles, calculatorID)
	s.handleMu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

func (s *wsSession) cancelAll() {
	s.handleMu.Lock()
	handles := s.handles
	s.handles = make(map[string]*pipeline.Handle)
	s.handleMu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// HandleCalculateWebSocket streams the interactive protocol: the client
// sends input events and calculate requests as it types, the server
// pushes back debounced results. Superseded calculations resolve as
// cancellations and are not echoed as errors.
func HandleCalculateWebSocket(p *pipeline.Pipeline, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		if metrics != nil {
			metrics.WSConnections.Inc()
			defer metrics.WSConnections.Dec()
		}

		sessionID := uuid.New().String()
		slog.Info("Websocket calculation session started", "sessionID", sessionID)

		session := &wsSession{ws: ws, handles: make(map[string]*pipeline.Handle)}
		defer session.cancelAll()

		if err := session.send(map[string]any{
			"type":      "session_created",
			"sessionId": sessionID,
		}); err != nil {
			return
		}

		ctx := c.Request.Context()
		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "sessionID", sessionID, "error", err.Error())
				return
			}

			switch req.Type {
			case "input":
				p.RecordInputEvent(req.CalculatorID, req.FieldName, req.Value, req.EventType)

			case "calculate":
				handle, err := p.Submit(ctx, req.CalculatorID,
					datatypes.Inputs(req.Inputs), datatypes.ParsePriority(req.Priority))
				if err != nil {
					desc := datatypes.Describe(err)
					_ = session.send(WSResponse{Type: "error", CalculatorID: req.CalculatorID, Error: &desc})
					continue
				}
				session.track(req.CalculatorID, handle)
				_ = session.send(WSResponse{Type: "ack", CalculatorID: req.CalculatorID})

				go func(calculatorID string, h *pipeline.Handle) {
					result, err := h.Wait(ctx)
					if err != nil {
						// Supersession is the normal rhythm of typing;
						// the client only hears about real failures.
						if errors.Is(err, datatypes.ErrCancelled) {
							return
						}
						desc := datatypes.Describe(err)
						_ = session.send(WSResponse{Type: "error", CalculatorID: calculatorID, Error: &desc})
						return
					}
					_ = session.send(WSResponse{
						Type:         "result",
						CalculatorID: calculatorID,
						RequestID:    result.RequestID,
						Outputs:      result.Outputs,
						Source:       string(result.Source),
					})
				}(req.CalculatorID, handle)

			case "cancel":
				if !session.cancel(req.CalculatorID) {
					_ = session.send(map[string]any{
						"type":          "ack",
						"calculator_id": req.CalculatorID,
						"note":          "nothing pending",
					})
				}

			default:
				desc := datatypes.ErrorDescriptor{
					Code:     "invalid_input",
					Message:  "unknown message type",
					Severity: datatypes.SeverityWarning,
					Action:   datatypes.ActionShowHelp,
				}
				_ = session.send(WSResponse{Type: "error", Error: &desc})
			}
		}
	}
}
