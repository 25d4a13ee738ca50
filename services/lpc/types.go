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

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OpenSessionRequest is the request body for POST /v1/lpc/sessions.
//
// Exactly one of RunID or Record is needed. With RunID the run record is
// fetched from the robot; with Record the caller supplies it inline.
type OpenSessionRequest struct {
	// RunID identifies the run to fetch.
	RunID string `json:"runId" validate:"required_without=Record,max=256"`

	// Record is an inline run record.
	Record *session.RunRecord `json:"record" validate:"required_without=RunID"`
}

// ChooseSourceRequest is the request body for POST /sessions/:runId/source.
type ChooseSourceRequest struct {
	// Source is "fromRun" or "fromDatabase".
	Source offsets.Source `json:"source" validate:"required,oneof=fromRun fromDatabase"`
}

// LocationRequest addresses one offset entry within a session.
type LocationRequest struct {
	// LabwareURI is the labware definition URI.
	LabwareURI string `json:"labwareUri" validate:"required,max=512"`

	// LocationSequence is a canonical sequence or "anyLocation".
	LocationSequence *location.Sequence `json:"locationSequence" validate:"required"`
}

// JogStep is a single jog increment in millimetres.
type JogStep struct {
	X float64 `json:"x" validate:"gte=-50,lte=50"`
	Y float64 `json:"y" validate:"gte=-50,lte=50"`
	Z float64 `json:"z" validate:"gte=-50,lte=50"`
}

// Vector converts the step to an offset vector.
func (j JogStep) Vector() offsets.Vector {
	return offsets.Vector{X: j.X, Y: j.Y, Z: j.Z}
}

// JogRequest is the request body for POST /sessions/:runId/jog.
type JogRequest struct {
	LocationRequest
	Step JogStep `json:"step"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HealthResponse is the response for GET /v1/lpc/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Sessions  int       `json:"sessions"`
	Database  bool      `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

// ListSessionsResponse is the response for GET /v1/lpc/sessions.
type ListSessionsResponse struct {
	Sessions []session.Status `json:"sessions"`
}

// ResolveResponse carries the offset entry governing a location.
type ResolveResponse struct {
	Detail offsets.OffsetDetail `json:"detail"`

	// Effective is the vector currently in force: the working vector if
	// one exists, else the existing vector, else zero.
	Effective offsets.Vector `json:"effectiveVector"`

	// Formatted is Effective rendered as "X 0.0 Y 0.0 Z 0.0".
	Formatted string `json:"formattedVector"`
}

// ConfirmResponse is the response for POST /sessions/:runId/confirm.
type ConfirmResponse struct {
	Vector    offsets.Vector `json:"confirmedVector"`
	Formatted string         `json:"formattedVector"`
}

// SaveResponse is the response for POST /sessions/:runId/save.
type SaveResponse struct {
	Offset    offsets.ExistingOffset `json:"existingOffset"`
	Formatted string                 `json:"formattedVector"`
}

// LabwareResponse is the response for GET /sessions/:runId/labware.
type LabwareResponse struct {
	Labware offsets.LabwareInfo `json:"labware"`
}

// ListOffsetsResponse is the response for GET /v1/lpc/offsets.
type ListOffsetsResponse struct {
	Offsets []offsets.LabwareOffset `json:"offsets"`
	Count   int                     `json:"count"`
}

// AuditQuery holds the query parameters of GET /v1/lpc/audit.
type AuditQuery struct {
	Types    []string  `form:"type"`
	User     string    `form:"user" validate:"max=256"`
	Resource string    `form:"resource" validate:"max=256"`
	Since    time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int       `form:"limit" validate:"gte=0,lte=1000"`
}

// Filter converts the query to an audit filter.
func (q AuditQuery) Filter() extensions.AuditFilter {
	return extensions.AuditFilter{
		EventTypes: q.Types,
		UserID:     q.User,
		ResourceID: q.Resource,
		Since:      q.Since,
		Limit:      q.Limit,
	}
}

// AuditTrailResponse is the response for GET /v1/lpc/audit.
type AuditTrailResponse struct {
	Events []extensions.AuditEvent `json:"events"`
	Count  int                     `json:"count"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details carries optional context, such as validation failures.
	Details string `json:"details,omitempty"`
}
