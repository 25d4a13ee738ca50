// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrInvalidAuditEvent is returned by Log for events without a type.
var ErrInvalidAuditEvent = errors.New("audit event type is required")

// Audit event types emitted by the LPC service.
const (
	EventSessionOpen   = "session.open"
	EventSessionClose  = "session.close"
	EventSourceChosen  = "session.source"
	EventOffsetSaved   = "offset.save"
	EventOffsetDeleted = "offset.delete"
)

// Outcomes recorded in AuditEvent.Outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records who changed which offset, and how it went.
type AuditEvent struct {
	// EventType is one of the Event* constants, "category.action".
	EventType string `json:"eventType"`

	// Timestamp is set to time.Now().UTC() by Log if zero.
	Timestamp time.Time `json:"timestamp"`

	// UserID identifies who performed the action.
	UserID string `json:"userId"`

	// ResourceType is "session" or "offset".
	ResourceType string `json:"resourceType"`

	// ResourceID is the run id or offset id.
	ResourceID string `json:"resourceId,omitempty"`

	// Outcome is OutcomeSuccess or OutcomeFailure.
	Outcome string `json:"outcome"`

	// Metadata holds event-specific details such as the labware URI,
	// location and vector of a saved offset, or the error of a failure.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects audit events. Zero fields do not filter.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	ResourceID string

	// Since is the earliest timestamp included.
	Since time.Time

	// Limit caps the result. Zero means no cap.
	Limit int
}

func (f AuditFilter) matches(ev AuditEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.EventType) {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLogger records offset changes.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Log should return quickly; it runs on the request path.
type AuditLogger interface {
	// Log records an event.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error {
	return nil
}

// Query returns an empty slice.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error {
	return nil
}

// MemoryAuditLogger keeps the most recent events in a ring buffer and
// writes each one to a structured log.
//
// # Thread Safety
//
// MemoryAuditLogger is safe for concurrent use.
type MemoryAuditLogger struct {
	logger *slog.Logger

	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
}

// DefaultAuditCapacity is used when NewMemoryAuditLogger is given a
// non-positive capacity.
const DefaultAuditCapacity = 1000

// NewMemoryAuditLogger creates a logger retaining up to capacity events.
// A nil logger writes to slog.Default().
func NewMemoryAuditLogger(capacity int, logger *slog.Logger) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryAuditLogger{
		logger: logger.With(slog.String("component", "audit")),
		events: make([]AuditEvent, capacity),
	}
}

// Log implements AuditLogger.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.EventType == "" {
		return ErrInvalidAuditEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = UserID(ctx)
	}

	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.String("user_id", event.UserID),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Query implements AuditLogger.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := []AuditEvent{}
	for i := 1; i <= n; i++ {
		ev := l.events[(l.next-i+len(l.events))%len(l.events)]
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op; events are held in memory.
func (l *MemoryAuditLogger) Flush(context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
