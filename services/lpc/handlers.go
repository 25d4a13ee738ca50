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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLPC/services/lpc/telemetry"
)

// ServiceVersion is the LPC service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the LPC service.
type Handlers struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, validate: validator.New()}
}

// getOrCreateRequestID returns the caller's X-Request-ID, or a new one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// bind decodes and validates the JSON body into dst. On failure it writes a
// 400 response and returns false.
func (h *Handlers) bind(c *gin.Context, logger *slog.Logger, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		logger.Warn("request validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    CodeInvalidRequest,
			Details: err.Error(),
		})
		return false
	}
	return true
}

// fail maps err to a status and code and writes the error response. The
// log entry carries the trace id so failures can be found in the trace
// backend.
func fail(c *gin.Context, logger *slog.Logger, err error) {
	logger = telemetry.LoggerWithTrace(c.Request.Context(), logger)
	statusCode, errCode := classifyError(err)
	if statusCode >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "code", errCode)
	} else {
		logger.Info("request rejected", "error", err, "code", errCode)
	}
	c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
}

// HandleHealth handles GET /v1/lpc/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Sessions:  len(h.svc.Manager().RunIDs()),
		Database:  h.svc.HasDatabase(),
		Timestamp: time.Now().UTC(),
	})
}

// HandleOpenSession handles POST /v1/lpc/sessions.
//
// Description:
//
//	Opens the offset session for a run. The body names either a run id to
//	fetch from the robot or an inline run record. Opening an already open
//	run returns its current status.
//
// Request Body:
//
//	OpenSessionRequest
//
// Response:
//
//	201 Created: session.Status
//	400 Bad Request: Invalid request
//	404 Not Found: Run not found on the robot
//	503 Service Unavailable: Robot unreachable
func (h *Handlers) HandleOpenSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleOpenSession")

	var req OpenSessionRequest
	if !h.bind(c, logger, &req) {
		return
	}

	st, err := h.svc.OpenSession(c.Request.Context(), req)
	if err != nil {
		fail(c, logger, err)
		return
	}
	logger.Info("session open",
		"run_id", st.RunID,
		"requires_user_choice", st.RequiresUserChoice,
		"placements", st.Placements)
	c.JSON(http.StatusCreated, st)
}

// HandleListSessions handles GET /v1/lpc/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: h.svc.ListSessions()})
}

// HandleGetSession handles GET /v1/lpc/sessions/:runId.
func (h *Handlers) HandleGetSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetSession")

	st, err := h.svc.Status(c.Param("runId"))
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleGetConflict handles GET /v1/lpc/sessions/:runId/conflict.
//
// Returns the divergent (labware, location) pairs and both candidate offset
// sets so the operator can choose a source.
func (h *Handlers) HandleGetConflict(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetConflict")

	info, err := h.svc.Conflict(c.Param("runId"))
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleChooseSource handles POST /v1/lpc/sessions/:runId/source.
//
// Description:
//
//	Makes the chosen source authoritative. Every offset entry is rebuilt
//	from that source alone and working offsets are discarded. In-flight
//	saves complete but are not applied.
//
// Response:
//
//	200 OK: session.Status
//	400 Bad Request: Unknown source
//	404 Not Found: Session not found
//	410 Gone: Session closed
func (h *Handlers) HandleChooseSource(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleChooseSource")

	var req ChooseSourceRequest
	if !h.bind(c, logger, &req) {
		return
	}

	st, err := h.svc.ChooseSource(c.Request.Context(), c.Param("runId"), req.Source)
	if err != nil {
		fail(c, logger, err)
		return
	}
	logger.Info("offset source chosen", "run_id", st.RunID, "source", req.Source)
	c.JSON(http.StatusOK, st)
}

// HandleGetLabware handles GET /v1/lpc/sessions/:runId/labware.
func (h *Handlers) HandleGetLabware(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetLabware")

	info, err := h.svc.Labware(c.Param("runId"))
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, LabwareResponse{Labware: info})
}

// HandleResolve handles POST /v1/lpc/sessions/:runId/resolve.
//
// Response:
//
//	200 OK: ResolveResponse
//	404 Not Found: Session or labware not found
//	409 Conflict: Source choice pending
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolve")

	var req LocationRequest
	if !h.bind(c, logger, &req) {
		return
	}

	resp, err := h.svc.Resolve(c.Request.Context(), c.Param("runId"), req.LabwareURI, *req.LocationSequence)
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleJog handles POST /v1/lpc/sessions/:runId/jog.
//
// Description:
//
//	Adds the step to the working offset of the entry at exactly the given
//	location. The first jog starts from the vector currently in force.
//	Jogging a confirmed offset returns it to jogging.
//
// Response:
//
//	200 OK: ResolveResponse for the jogged entry
//	404 Not Found: Session, labware or location not found
//	409 Conflict: Source choice pending
func (h *Handlers) HandleJog(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleJog")

	var req JogRequest
	if !h.bind(c, logger, &req) {
		return
	}

	resp, err := h.svc.Jog(c.Request.Context(), c.Param("runId"), req.LabwareURI, *req.LocationSequence, req.Step.Vector())
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleConfirm handles POST /v1/lpc/sessions/:runId/confirm.
func (h *Handlers) HandleConfirm(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleConfirm")

	var req LocationRequest
	if !h.bind(c, logger, &req) {
		return
	}

	resp, err := h.svc.Confirm(c.Request.Context(), c.Param("runId"), req.LabwareURI, *req.LocationSequence)
	if err != nil {
		fail(c, logger, err)
		return
	}
	logger.Info("offset confirmed",
		"labware_uri", req.LabwareURI,
		"location", req.LocationSequence.String(),
		"vector", resp.Formatted)
	c.JSON(http.StatusOK, resp)
}

// HandleSave handles POST /v1/lpc/sessions/:runId/save.
//
// Description:
//
//	Persists the confirmed offset and installs it as the existing offset.
//	On failure the offset stays confirmed and the call can be retried.
//	Concurrent saves of the same entry share one robot request.
//
// Response:
//
//	200 OK: SaveResponse
//	409 Conflict: Not confirmed, source pending, or superseded
//	410 Gone: Session closed while saving
//	502 Bad Gateway: The robot rejected the save
func (h *Handlers) HandleSave(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSave")

	var req LocationRequest
	if !h.bind(c, logger, &req) {
		return
	}

	resp, err := h.svc.Save(c.Request.Context(), c.Param("runId"), req.LabwareURI, *req.LocationSequence)
	if err != nil {
		fail(c, logger, err)
		return
	}
	logger.Info("offset saved", "offset_id", resp.Offset.ID, "vector", resp.Formatted)
	c.JSON(http.StatusOK, resp)
}

// HandleDiscard handles POST /v1/lpc/sessions/:runId/discard.
func (h *Handlers) HandleDiscard(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDiscard")

	var req LocationRequest
	if !h.bind(c, logger, &req) {
		return
	}

	if err := h.svc.Discard(c.Request.Context(), c.Param("runId"), req.LabwareURI, *req.LocationSequence); err != nil {
		fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCloseSession handles DELETE /v1/lpc/sessions/:runId.
func (h *Handlers) HandleCloseSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCloseSession")

	runID := c.Param("runId")
	if err := h.svc.CloseSession(c.Request.Context(), runID); err != nil {
		fail(c, logger, err)
		return
	}
	logger.Info("session closed", "run_id", runID)
	c.Status(http.StatusNoContent)
}

// HandleListOffsets handles GET /v1/lpc/offsets.
func (h *Handlers) HandleListOffsets(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListOffsets")

	out, err := h.svc.ListOffsets(c.Request.Context())
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ListOffsetsResponse{Offsets: out, Count: len(out)})
}

// HandleDeleteOffset handles DELETE /v1/lpc/offsets/:id.
func (h *Handlers) HandleDeleteOffset(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteOffset")

	if err := h.svc.DeleteOffset(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
