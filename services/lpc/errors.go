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
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/reconcile"
	"github.com/AleutianAI/AleutianLPC/services/lpc/robot"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
	"github.com/AleutianAI/AleutianLPC/services/lpc/store"
	"github.com/AleutianAI/AleutianLPC/services/lpc/working"
)

// ErrNoOffsetDatabase is returned when the service has no offset database
// configured.
var ErrNoOffsetDatabase = errors.New("no offset database configured")

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflictUnresolved = "CONFLICT_UNRESOLVED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodeUnknownLabware     = "UNKNOWN_LABWARE"
	CodeUnknownLocation    = "UNKNOWN_LOCATION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeInvalidSource      = "INVALID_SOURCE"
	CodeSaveFailed         = "SAVE_FAILED"
	CodeSaveAbandoned      = "SAVE_ABANDONED"
	CodeSaveSuperseded     = "SAVE_SUPERSEDED"
	CodeOffsetNotFound     = "OFFSET_NOT_FOUND"
	CodeRobotUnavailable   = "ROBOT_UNAVAILABLE"
	CodeNotConfigured      = "NOT_CONFIGURED"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// classifyError maps a service error to an HTTP status and error code.
//
// Order matters: a *working.SaveError matches both ErrSaveFailed and its
// cause, and the save outcome is what callers act on.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, extensions.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, extensions.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, CodeSessionNotFound
	case errors.Is(err, session.ErrSaveSuperseded):
		return http.StatusConflict, CodeSaveSuperseded
	case errors.Is(err, working.ErrSaveAbandoned):
		return http.StatusGone, CodeSaveAbandoned
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, CodeSessionClosed
	case errors.Is(err, working.ErrSaveFailed):
		return http.StatusBadGateway, CodeSaveFailed
	case errors.Is(err, session.ErrConflictUnresolved):
		return http.StatusConflict, CodeConflictUnresolved
	case errors.Is(err, working.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, offsets.ErrUnknownLabware):
		return http.StatusNotFound, CodeUnknownLabware
	case errors.Is(err, offsets.ErrUnknownLocation):
		return http.StatusNotFound, CodeUnknownLocation
	case errors.Is(err, reconcile.ErrInvalidSource):
		return http.StatusBadRequest, CodeInvalidSource
	case errors.Is(err, session.ErrInvalidRunRecord):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, robot.ErrNotFound):
		return http.StatusNotFound, CodeOffsetNotFound
	case errors.Is(err, robot.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeRobotUnavailable
	case errors.Is(err, session.ErrNoPersister), errors.Is(err, ErrNoOffsetDatabase):
		return http.StatusNotImplemented, CodeNotConfigured
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
