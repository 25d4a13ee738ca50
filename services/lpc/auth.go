// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lpc

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
)

// bearerToken returns the token of an "Authorization: Bearer" header.
// Websocket clients that cannot set headers may pass access_token instead.
func bearerToken(c *gin.Context) string {
	if tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return c.Query("access_token")
}

// authenticate resolves the caller's identity and stores it in the request
// context for handlers and the audit trail.
func (h *Handlers) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.svc.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "authenticate")
			fail(c, logger, err)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(extensions.WithAuthInfo(c.Request.Context(), info))
		c.Next()
	}
}

// require rejects callers not permitted to perform action on resource.
func (h *Handlers) require(action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		info, _ := extensions.AuthInfoFromContext(ctx)
		if err := h.svc.Authorize(ctx, info, action, resource); err != nil {
			logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "require")
			fail(c, logger, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// HandleAuditTrail handles GET /v1/lpc/audit.
//
// Query Parameters:
//
//	type - Event type, repeatable (e.g. offset.save)
//	user - Operator id
//	resource - Run id or offset id
//	since - RFC 3339 timestamp
//	limit - Maximum events, up to 1000
//
// Response:
//
//	200 OK: AuditTrailResponse, newest first
func (h *Handlers) HandleAuditTrail(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAuditTrail")

	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("invalid audit query", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Code: CodeInvalidRequest, Details: err.Error()})
		return
	}
	if err := h.validate.Struct(q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Code: CodeInvalidRequest, Details: err.Error()})
		return
	}

	events, err := h.svc.AuditTrail(c.Request.Context(), q.Filter())
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, AuditTrailResponse{Events: events, Count: len(events)})
}
