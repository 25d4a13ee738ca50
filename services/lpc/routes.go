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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
	"github.com/AleutianAI/AleutianLPC/services/lpc/observability"
)

// RegisterRoutes registers the LPC routes on the given router group.
//
// Every endpoint except health requires authentication. Reads need the
// read permission, session and offset changes need write, and deleting
// stored offsets or reading the audit trail needs delete.
//
// Endpoints:
//
//	GET    /v1/lpc/health - Health check
//	GET    /v1/lpc/sessions - List open sessions
//	POST   /v1/lpc/sessions - Open a session for a run
//	GET    /v1/lpc/sessions/:runId - Session status
//	DELETE /v1/lpc/sessions/:runId - Close a session
//	GET    /v1/lpc/sessions/:runId/conflict - Divergent run/database offsets
//	POST   /v1/lpc/sessions/:runId/source - Choose the authoritative source
//	GET    /v1/lpc/sessions/:runId/labware - Snapshot of the offset index
//	POST   /v1/lpc/sessions/:runId/resolve - Offset governing a location
//	POST   /v1/lpc/sessions/:runId/jog - Jog a working offset
//	POST   /v1/lpc/sessions/:runId/confirm - Confirm a working offset
//	POST   /v1/lpc/sessions/:runId/save - Persist a confirmed offset
//	POST   /v1/lpc/sessions/:runId/discard - Discard a working offset
//	GET    /v1/lpc/sessions/:runId/events - Websocket event stream
//	GET    /v1/lpc/offsets - Offsets stored on the robot
//	DELETE /v1/lpc/offsets/:id - Delete a stored offset
//	GET    /v1/lpc/audit - Audit trail of offset changes
//
// Example:
//
//	handlers := lpc.NewHandlers(lpc.NewService(cfg, manager, db))
//	v1 := router.Group("/v1")
//	lpc.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	lpc := rg.Group("/lpc")
	lpc.GET("/health", handlers.HandleHealth)

	api := lpc.Group("", handlers.authenticate())
	read := handlers.require(extensions.ActionRead, "session")
	write := handlers.require(extensions.ActionWrite, "session")
	{
		// Session lifecycle
		api.GET("/sessions", read, handlers.HandleListSessions)
		api.POST("/sessions", write, handlers.HandleOpenSession)
		api.GET("/sessions/:runId", read, handlers.HandleGetSession)
		api.DELETE("/sessions/:runId", write, handlers.HandleCloseSession)
		api.GET("/sessions/:runId/events", read, handlers.HandleEvents)

		// Source reconciliation
		api.GET("/sessions/:runId/conflict", read, handlers.HandleGetConflict)
		api.POST("/sessions/:runId/source", write, handlers.HandleChooseSource)

		// Offset lookup and working offsets
		api.GET("/sessions/:runId/labware", read, handlers.HandleGetLabware)
		api.POST("/sessions/:runId/resolve", read, handlers.HandleResolve)
		api.POST("/sessions/:runId/jog", write, handlers.HandleJog)
		api.POST("/sessions/:runId/confirm", write, handlers.HandleConfirm)
		api.POST("/sessions/:runId/save", write, handlers.HandleSave)
		api.POST("/sessions/:runId/discard", write, handlers.HandleDiscard)

		// Stored offsets
		api.GET("/offsets", handlers.require(extensions.ActionRead, "offset"), handlers.HandleListOffsets)
		api.DELETE("/offsets/:id", handlers.require(extensions.ActionDelete, "offset"), handlers.HandleDeleteOffset)

		api.GET("/audit", handlers.require(extensions.ActionDelete, "audit"), handlers.HandleAuditTrail)
	}
}

// NewRouter builds the gin engine serving the LPC API and /metrics.
//
// Inputs:
//
//	serviceName - Reported by the otelgin middleware.
//	handlers - The LPC handlers.
//	metrics - Receives per-request counters. May be nil.
//	gatherer - Served at /metrics. May be nil to omit the endpoint.
func NewRouter(serviceName string, handlers *Handlers, metrics *observability.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if metrics != nil {
		router.Use(metricsMiddleware(metrics))
	}
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

// metricsMiddleware records every request by route template, so path
// parameters do not explode label cardinality.
func metricsMiddleware(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
