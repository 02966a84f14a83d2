// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecoord

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers adapts the Service to the HTTP tool surface.
//
// The transport is deliberately thin: every tool endpoint reads the JSON
// body as opaque parameters and hands them to Invoke, which owns
// validation, dispatch, and the response envelope. HTTP status is 200
// for every well-formed call; the envelope's status field is the real
// discriminator, matching the tool protocol's contract.
type Handlers struct {
	service *Service
}

// NewHandlers creates the HTTP adapter.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// requestID returns the caller-provided request id or mints one.
func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// handleTool returns a gin handler that invokes the named tool.
func (h *Handlers) handleTool(tool string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, newErrorResponse(
				opErr(KindServerError, "", "failed to read request body", err)))
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}

		id := requestID(c)
		c.Header("X-Request-ID", id)
		resp := h.service.Invoke(c.Request.Context(), id, tool, json.RawMessage(body))
		c.JSON(http.StatusOK, resp)
	}
}

// HandleCancel implements the cancel(request_id) transport hook.
func (h *Handlers) HandleCancel(c *gin.Context) {
	var req struct {
		RequestID string `json:"request_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, newErrorResponse(
			opErr(KindServerError, "", "request_id is required", err)))
		return
	}
	cancelled := h.service.Cancel(req.RequestID)
	c.JSON(http.StatusOK, gin.H{
		"status":     StatusOK,
		"cancelled":  cancelled,
		"request_id": req.RequestID,
		"timestamp":  nowISO(),
	})
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Health())
}

// HandleReady reports readiness: the engine accepts work only after
// persisted state is loaded and reconciled.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.service.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
