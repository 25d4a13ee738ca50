// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lpc provides the Labware Position Check HTTP service.
//
// The service exposes endpoints for:
//   - Opening per-run offset sessions and resolving source conflicts
//   - Resolving the offset that governs a labware location
//   - Jogging, confirming, saving and discarding working offsets
//   - Listing and deleting offsets stored on the robot
//   - Reading the audit trail of offset changes
package lpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

var tracer = otel.Tracer("aleutian.lpc.service")

// OffsetDatabase lists and deletes offsets stored on the robot.
type OffsetDatabase interface {
	ListOffsets(ctx context.Context) ([]offsets.LabwareOffset, error)
	DeleteOffset(ctx context.Context, id string) error
}

// ServiceConfig configures the LPC service.
type ServiceConfig struct {
	// OpenTimeout bounds fetching a run record and database offsets.
	// Default: 30s
	OpenTimeout time.Duration

	// SaveTimeout bounds a single offset save.
	// Default: 15s
	SaveTimeout time.Duration

	// Logger receives service logs. Default: slog.Default().
	Logger *slog.Logger

	// Extensions supplies authentication, authorization and the audit
	// trail. Nil fields take no-op defaults.
	Extensions extensions.ServiceOptions
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		OpenTimeout: 30 * time.Second,
		SaveTimeout: 15 * time.Second,
	}
}

func (c *ServiceConfig) applyDefaults() {
	d := DefaultServiceConfig()
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Extensions = c.Extensions.Complete()
}

// Service is the LPC service.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Per-run serialisation is handled
//	by the sessions it manages.
type Service struct {
	config   ServiceConfig
	manager  *session.Manager
	database OffsetDatabase
	ext      extensions.ServiceOptions
	logger   *slog.Logger
}

// NewService creates the service.
//
// Inputs:
//
//	cfg - Timeouts and logger. Zero values take defaults.
//	manager - Owns the open sessions. Must not be nil.
//	database - The robot's offset database. May be nil, in which case the
//	  offset endpoints return ErrNoOffsetDatabase.
func NewService(cfg ServiceConfig, manager *session.Manager, database OffsetDatabase) *Service {
	cfg.applyDefaults()
	return &Service{
		config:   cfg,
		manager:  manager,
		database: database,
		ext:      cfg.Extensions,
		logger:   cfg.Logger.With(slog.String("component", "lpc_service")),
	}
}

// Manager returns the session manager.
func (s *Service) Manager() *session.Manager {
	return s.manager
}

// HasDatabase reports whether an offset database is configured.
func (s *Service) HasDatabase() bool {
	return s.database != nil
}

// Authenticate validates a bearer token.
func (s *Service) Authenticate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	return s.ext.AuthProvider.Validate(ctx, token)
}

// Authorize checks that user may perform action on resourceType.
func (s *Service) Authorize(ctx context.Context, user *extensions.AuthInfo, action, resourceType string) error {
	return s.ext.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         user,
		Action:       action,
		ResourceType: resourceType,
	})
}

// audit records an event. A failing audit logger is logged, not returned:
// the change it describes has already happened.
func (s *Service) audit(ctx context.Context, eventType, resourceType, resourceID string, err error, meta map[string]any) {
	ev := extensions.AuditEvent{
		EventType:    eventType,
		UserID:       extensions.UserID(ctx),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata:     meta,
	}
	if err != nil {
		ev.Outcome = extensions.OutcomeFailure
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		ev.Metadata["error"] = err.Error()
	}
	if lerr := s.ext.AuditLogger.Log(ctx, ev); lerr != nil {
		s.logger.Warn("audit log failed",
			slog.String("event_type", eventType),
			slog.String("error", lerr.Error()))
	}
}

// AuditTrail returns recorded offset changes, newest first.
func (s *Service) AuditTrail(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	return s.ext.AuditLogger.Query(ctx, filter)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// OpenSession opens, or returns the already open, session for a run.
//
// Description:
//
//	With an inline record the session is built from it directly. Otherwise
//	the run record is fetched from the robot. Either way the database
//	offsets are listed and reconciled against the run's offsets.
//
// Outputs:
//
//	session.Status - The session summary. RequiresUserChoice is set when
//	  the operator must pick a source before offsets can be resolved.
//	error - Non-nil if the run could not be loaded.
func (s *Service) OpenSession(ctx context.Context, req OpenSessionRequest) (st session.Status, err error) {
	runID := req.RunID
	if req.Record != nil {
		runID = req.Record.RunID
	}
	ctx, span := startSpan(ctx, "lpc.OpenSession",
		attribute.String("run_id", runID),
		attribute.Bool("inline_record", req.Record != nil))
	defer func() { endSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.config.OpenTimeout)
	defer cancel()

	var sess *session.Session
	if req.Record != nil {
		sess, err = s.manager.OpenWithRecord(ctx, *req.Record)
	} else {
		sess, err = s.manager.Open(ctx, req.RunID)
	}
	if err != nil {
		err = fmt.Errorf("opening session for run %s: %w", runID, err)
		s.audit(ctx, extensions.EventSessionOpen, "session", runID, err, nil)
		return session.Status{}, err
	}
	st = sess.Status()
	s.audit(ctx, extensions.EventSessionOpen, "session", runID, nil, map[string]any{
		"requires_user_choice": st.RequiresUserChoice,
		"conflicts":            st.Conflicts,
	})
	span.SetAttributes(
		attribute.Bool("requires_user_choice", st.RequiresUserChoice),
		attribute.Int("placements", st.Placements))
	return st, nil
}

// ListSessions returns a summary of every open session.
func (s *Service) ListSessions() []session.Status {
	ids := s.manager.RunIDs()
	out := make([]session.Status, 0, len(ids))
	for _, id := range ids {
		sess, err := s.manager.Get(id)
		if err != nil {
			// Closed between RunIDs and Get.
			continue
		}
		out = append(out, sess.Status())
	}
	return out
}

// Status returns the summary of one session.
func (s *Service) Status(runID string) (session.Status, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return session.Status{}, err
	}
	return sess.Status(), nil
}

// Conflict returns the divergent offsets of a session.
func (s *Service) Conflict(runID string) (session.ConflictInfo, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return session.ConflictInfo{}, err
	}
	return sess.Conflict(), nil
}

// ChooseSource applies the operator's source choice.
func (s *Service) ChooseSource(ctx context.Context, runID string, src offsets.Source) (session.Status, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return session.Status{}, err
	}
	err = sess.ChooseSource(ctx, src)
	s.audit(ctx, extensions.EventSourceChosen, "session", runID, err, map[string]any{"source": string(src)})
	if err != nil {
		return session.Status{}, err
	}
	return sess.Status(), nil
}

// Labware returns a snapshot of a session's offset index.
func (s *Service) Labware(runID string) (offsets.LabwareInfo, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot()
}

// Resolve returns the offset entry governing (uri, seq).
func (s *Service) Resolve(ctx context.Context, runID, uri string, seq location.Sequence) (ResolveResponse, error) {
	_, span := startSpan(ctx, "lpc.Resolve",
		attribute.String("run_id", runID),
		attribute.String("labware_uri", uri),
		attribute.String("location", seq.Key()))
	defer span.End()

	sess, err := s.manager.Get(runID)
	if err != nil {
		return ResolveResponse{}, err
	}
	d, v, err := sess.Inspect(uri, seq)
	if err != nil {
		return ResolveResponse{}, err
	}
	return ResolveResponse{Detail: d, Effective: v, Formatted: offsets.FormatVector(v)}, nil
}

// Jog moves the working offset at (uri, seq) by step.
func (s *Service) Jog(ctx context.Context, runID, uri string, seq location.Sequence, step offsets.Vector) (ResolveResponse, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return ResolveResponse{}, err
	}
	d, err := sess.Jog(ctx, uri, seq, step)
	if err != nil {
		return ResolveResponse{}, err
	}
	var v offsets.Vector
	if d.WorkingOffset != nil {
		v = d.WorkingOffset.JogVector
	}
	return ResolveResponse{Detail: d, Effective: v, Formatted: offsets.FormatVector(v)}, nil
}

// Confirm locks in the working offset at (uri, seq).
func (s *Service) Confirm(ctx context.Context, runID, uri string, seq location.Sequence) (ConfirmResponse, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return ConfirmResponse{}, err
	}
	v, err := sess.Confirm(ctx, uri, seq)
	if err != nil {
		return ConfirmResponse{}, err
	}
	return ConfirmResponse{Vector: v, Formatted: offsets.FormatVector(v)}, nil
}

// Save persists the confirmed offset at (uri, seq).
//
// The save is bounded by SaveTimeout. A failed save leaves the offset
// confirmed so the operator can retry.
func (s *Service) Save(ctx context.Context, runID, uri string, seq location.Sequence) (SaveResponse, error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return SaveResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.SaveTimeout)
	defer cancel()

	existing, err := sess.Save(ctx, uri, seq)
	meta := map[string]any{
		"run_id":      runID,
		"labware_uri": uri,
		"location":    seq.Key(),
	}
	if err != nil {
		s.logger.Warn("save failed",
			slog.String("run_id", runID),
			slog.String("labware_uri", uri),
			slog.String("error", err.Error()))
		s.audit(ctx, extensions.EventOffsetSaved, "offset", "", err, meta)
		return SaveResponse{}, err
	}
	meta["vector"] = offsets.FormatVector(existing.Vector)
	s.audit(ctx, extensions.EventOffsetSaved, "offset", existing.ID, nil, meta)
	return SaveResponse{Offset: existing, Formatted: offsets.FormatVector(existing.Vector)}, nil
}

// Discard drops the working offset at (uri, seq).
func (s *Service) Discard(ctx context.Context, runID, uri string, seq location.Sequence) error {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return err
	}
	return sess.Discard(ctx, uri, seq)
}

// CloseSession closes a session, abandoning any in-flight save.
func (s *Service) CloseSession(ctx context.Context, runID string) error {
	err := s.manager.Close(runID)
	if err == nil {
		s.audit(ctx, extensions.EventSessionClose, "session", runID, nil, nil)
	}
	return err
}

// Subscribe returns the event stream of a session.
func (s *Service) Subscribe(runID string) (<-chan session.Event, func(), error) {
	sess, err := s.manager.Get(runID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.Subscribe()
	return ch, cancel, nil
}

// ListOffsets returns every offset stored in the database.
func (s *Service) ListOffsets(ctx context.Context) (out []offsets.LabwareOffset, err error) {
	ctx, span := startSpan(ctx, "lpc.ListOffsets")
	defer func() { endSpan(span, err) }()

	if s.database == nil {
		return nil, ErrNoOffsetDatabase
	}
	out, err = s.database.ListOffsets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing offsets: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// DeleteOffset removes a stored offset by id.
func (s *Service) DeleteOffset(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "lpc.DeleteOffset", attribute.String("offset_id", id))
	defer func() { endSpan(span, err) }()

	if s.database == nil {
		return ErrNoOffsetDatabase
	}
	if err := s.database.DeleteOffset(ctx, id); err != nil {
		err = fmt.Errorf("deleting offset %s: %w", id, err)
		s.audit(ctx, extensions.EventOffsetDeleted, "offset", id, err, nil)
		return err
	}
	s.logger.Info("offset deleted", slog.String("offset_id", id))
	s.audit(ctx, extensions.EventOffsetDeleted, "offset", id, nil, nil)
	return nil
}

// Shutdown closes every session and flushes the audit trail.
func (s *Service) Shutdown() {
	s.manager.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ext.AuditLogger.Flush(ctx); err != nil {
		s.logger.Warn("audit flush failed", slog.String("error", err.Error()))
	}
}
