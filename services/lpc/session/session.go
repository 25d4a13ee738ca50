// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the offset state of one Labware Position Check run.
//
// A Session is created once the run record and database offsets are known.
// It reconciles the two offset sources, gates resolution behind an explicit
// source choice when they diverge, and drives one working-offset engine per
// (labware, location) the operator edits.
//
// # Concurrency
//
// Operations on the same (labware, location) are serialised by a keyed lock.
// Identical concurrent saves for one key share a single persistence call.
// A caller that stops waiting does not cancel the shared call. Closing the session cancels in-flight saves, and a save that returns after
// close is never applied. Switching the offset source discards working
// offsets and supersedes any save still in flight.
//
// # Thread Safety
//
// Session is safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/reconcile"
	"github.com/AleutianAI/AleutianLPC/services/lpc/working"
)

var tracer = otel.Tracer("aleutian.lpc.session")

// DefaultEventBuffer is the per-subscriber event channel capacity.
const DefaultEventBuffer = 32

// DefaultSaveTimeout bounds a shared offset save.
const DefaultSaveTimeout = 15 * time.Second

// Config holds session collaborators. Zero values are replaced by defaults.
type Config struct {
	// Logger receives session logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Persister stores saved offsets. Save fails with ErrNoPersister if nil.
	Persister Persister

	// Recorder receives metrics. Defaults to a no-op recorder.
	Recorder Recorder

	// EventBuffer is the per-subscriber channel capacity.
	EventBuffer int

	// SaveTimeout bounds a persistence call. It is independent of the
	// callers waiting on the save.
	SaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	return c
}

// Session is the per-run offset context.
type Session struct {
	runID      string
	placements []protocol.Placement
	openedAt   time.Time
	cfg        Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	keys  *keyedMutex
	saves singleflight.Group

	mu         sync.RWMutex
	result     reconcile.Result
	info       offsets.LabwareInfo
	source     offsets.Source
	pending    bool
	generation uint64
	engines    map[string]*working.Engine
	closed     bool
	ready      chan struct{}

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

// Status summarises a session.
type Status struct {
	RunID              string         `json:"runId"`
	RequiresUserChoice bool           `json:"requiresUserChoice"`
	Source             offsets.Source `json:"source,omitempty"`
	Conflicts          int            `json:"conflicts"`
	Placements         int            `json:"placements"`
	Closed             bool           `json:"closed"`
	OpenedAt           time.Time      `json:"openedAt"`
	Working            bool           `json:"hasWorkingOffsets"`
}

// ConflictInfo is what the operator needs to choose a source.
type ConflictInfo struct {
	RunID     string                  `json:"runId"`
	Conflicts []reconcile.Conflict    `json:"conflicts"`
	Run       []offsets.LabwareOffset `json:"fromRun"`
	Database  []offsets.LabwareOffset `json:"fromDatabase"`
}

// New opens a session for a run.
//
// Description:
//
//	Placements are derived from the run's protocol analysis. The run and
//	database offsets are reconciled. If they diverge the session starts
//	blocked until ChooseSource or AwaitSource is called; otherwise the
//	merged offsets are used immediately.
//
// Inputs:
//
//	parent - Bounds the session lifetime. Close also ends it.
//	cfg - Collaborators.
//	rec - The run record.
//	database - Offsets stored on the robot.
//
// Outputs:
//
//	*Session - The open session.
//	error - ErrInvalidRunRecord if rec has no run id.
func New(parent context.Context, cfg Config, rec RunRecord, database []offsets.LabwareOffset) (*Session, error) {
	if rec.RunID == "" {
		return nil, ErrInvalidRunRecord
	}
	cfg = cfg.withDefaults()

	placements := protocol.Placements(rec.Analysis)
	result := reconcile.Reconcile(rec.Offsets, database, protocol.Targets(placements)...)

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		runID:      rec.RunID,
		placements: placements,
		openedAt:   time.Now(),
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "lpc_session"), slog.String("run_id", rec.RunID)),
		ctx:        ctx,
		cancel:     cancel,
		keys:       newKeyedMutex(),
		result:     result,
		pending:    result.RequiresUserChoice,
		engines:    make(map[string]*working.Engine),
		ready:      make(chan struct{}),
		subs:       make(map[int]chan Event),
	}
	if !s.pending {
		s.info = result.Sourced
		close(s.ready)
	}

	cfg.Recorder.SessionOpened()
	if s.pending {
		cfg.Recorder.ConflictDetected(len(result.Conflicts))
		s.logger.Warn("run and database offsets diverge, source choice required",
			slog.Int("conflicts", len(result.Conflicts)))
	}
	s.logger.Info("session opened",
		slog.Int("placements", len(placements)),
		slog.Int("run_offsets", len(result.Run)),
		slog.Int("database_offsets", len(result.Database)))
	return s, nil
}

// RunID returns the run the session belongs to.
func (s *Session) RunID() string {
	return s.runID
}

// Placements returns the placements derived from the protocol.
func (s *Session) Placements() []protocol.Placement {
	return append([]protocol.Placement(nil), s.placements...)
}

// Status returns a summary of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		RunID:              s.runID,
		RequiresUserChoice: s.pending,
		Source:             s.source,
		Conflicts:          len(s.result.Conflicts),
		Placements:         len(s.placements),
		Closed:             s.closed,
		OpenedAt:           s.openedAt,
	}
	if s.info != nil {
		st.Working = s.info.HasWorking()
	}
	return st
}

// Conflict returns the divergent pairs and both candidate offset sets.
func (s *Session) Conflict() ConflictInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ConflictInfo{
		RunID:     s.runID,
		Conflicts: append([]reconcile.Conflict(nil), s.result.Conflicts...),
		Run:       append([]offsets.LabwareOffset(nil), s.result.Run...),
		Database:  append([]offsets.LabwareOffset(nil), s.result.Database...),
	}
}

// ChooseSource makes src authoritative and rebuilds every offset entry
// strictly from it. Working offsets are discarded.
func (s *Session) ChooseSource(ctx context.Context, src offsets.Source) error {
	_, span := tracer.Start(ctx, "session.ChooseSource")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", s.runID), attribute.String("source", string(src)))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	info, err := s.result.Choose(src)
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.info = info
	s.source = src
	s.pending = false
	s.generation++
	s.engines = make(map[string]*working.Engine)
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	s.cfg.Recorder.SourceChosen(src)
	s.logger.Info("offset source chosen", slog.String("source", string(src)))
	s.publish(Event{Type: EventSourceChosen, Source: src})
	return nil
}

// AwaitSource asks p for a source if a choice is pending and applies it.
//
// It returns immediately when no choice is pending. The prompt is abandoned
// if ctx ends or the session closes.
func (s *Session) AwaitSource(ctx context.Context, p Prompter) (offsets.Source, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrSessionClosed
	}
	if !s.pending {
		src := s.source
		s.mu.RUnlock()
		return src, nil
	}
	run := append([]offsets.LabwareOffset(nil), s.result.Run...)
	db := append([]offsets.LabwareOffset(nil), s.result.Database...)
	s.mu.RUnlock()

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	src, err := p.ChooseSource(promptCtx, s.runID, run, db)
	if err != nil {
		return "", fmt.Errorf("prompting for offset source: %w", err)
	}
	if err := s.ChooseSource(ctx, src); err != nil {
		return "", err
	}
	return src, nil
}

// WaitReady blocks until offsets can be resolved.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return ErrSessionClosed
		}
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// usable returns the index if the session is open and not blocked.
// Callers hold s.mu.
func (s *Session) usable() (offsets.LabwareInfo, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.pending {
		return nil, ErrConflictUnresolved
	}
	return s.info, nil
}

// Resolve returns a copy of the detail governing uri at seq.
func (s *Session) Resolve(uri string, seq location.Sequence) (offsets.OffsetDetail, error) {
	d, _, err := s.Inspect(uri, seq)
	return d, err
}

// Snapshot returns a copy of the whole index.
func (s *Session) Snapshot() (offsets.LabwareInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := s.usable()
	if err != nil {
		return nil, err
	}
	return info.Clone(), nil
}

// EffectiveVector returns the vector in force for uri at seq: the working
// vector of the governing entry if it has one, else the existing vector a
// jog would start from.
func (s *Session) EffectiveVector(uri string, seq location.Sequence) (offsets.Vector, error) {
	_, v, err := s.Inspect(uri, seq)
	return v, err
}

// Inspect returns the governing detail and the effective vector for uri at
// seq, both read from the same state.
func (s *Session) Inspect(uri string, seq location.Sequence) (offsets.OffsetDetail, offsets.Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := s.usable()
	if err != nil {
		return offsets.OffsetDetail{}, offsets.Vector{}, err
	}
	d, err := info.Resolve(uri, seq)
	if err != nil {
		return offsets.OffsetDetail{}, offsets.Vector{}, err
	}
	v := info.EffectiveVector(uri, seq)
	if w := d.WorkingOffset; w != nil {
		v = w.JogVector
		if w.ConfirmedVector != nil {
			v = *w.ConfirmedVector
		}
	}
	return d.Clone(), v, nil
}

// engineLocked returns the engine for (uri, seq), creating it on first use.
// Callers hold s.mu for writing.
func (s *Session) engineLocked(uri string, seq location.Sequence) (*working.Engine, error) {
	info, err := s.usable()
	if err != nil {
		return nil, err
	}
	key := offsets.Key(uri, seq)
	if e, ok := s.engines[key]; ok {
		return e, nil
	}
	if _, ok := info[uri]; !ok {
		return nil, fmt.Errorf("%w: %s", offsets.ErrUnknownLabware, uri)
	}
	e, err := working.New(info, uri, seq)
	if err != nil {
		return nil, err
	}
	s.engines[key] = e
	return e, nil
}

// detailLocked returns a copy of the entry at exactly (uri, seq).
// Callers hold s.mu.
func (s *Session) detailLocked(uri string, seq location.Sequence) *offsets.OffsetDetail {
	d, ok := s.info.Lookup(uri, seq)
	if !ok {
		return nil
	}
	c := d.Clone()
	return &c
}

// Jog moves the working offset at (uri, seq) by step.
func (s *Session) Jog(ctx context.Context, uri string, seq location.Sequence, step offsets.Vector) (offsets.OffsetDetail, error) {
	unlock := s.keys.Lock(offsets.Key(uri, seq))
	defer unlock()

	s.mu.Lock()
	e, err := s.engineLocked(uri, seq)
	if err != nil {
		s.mu.Unlock()
		return offsets.OffsetDetail{}, err
	}
	if _, err := e.Jog(step); err != nil {
		s.mu.Unlock()
		return offsets.OffsetDetail{}, err
	}
	detail := s.detailLocked(uri, seq)
	s.mu.Unlock()

	s.cfg.Recorder.JogStep()
	s.logger.Debug("jogged",
		slog.String("labware_uri", uri),
		slog.String("location", seq.Key()),
		slog.String("vector", offsets.FormatVector(detail.WorkingOffset.JogVector)))
	s.publish(Event{Type: EventJogged, LabwareURI: uri, Sequence: &seq, Detail: detail})
	return *detail, nil
}

// Confirm captures the working offset at (uri, seq) for saving.
func (s *Session) Confirm(ctx context.Context, uri string, seq location.Sequence) (offsets.Vector, error) {
	unlock := s.keys.Lock(offsets.Key(uri, seq))
	defer unlock()

	s.mu.Lock()
	e, err := s.engineLocked(uri, seq)
	if err != nil {
		s.mu.Unlock()
		return offsets.Vector{}, err
	}
	v, err := e.Confirm()
	if err != nil {
		s.mu.Unlock()
		return offsets.Vector{}, err
	}
	detail := s.detailLocked(uri, seq)
	s.mu.Unlock()

	s.logger.Info("offset confirmed",
		slog.String("labware_uri", uri),
		slog.String("location", seq.Key()),
		slog.String("vector", offsets.FormatVector(v)))
	s.publish(Event{Type: EventConfirmed, LabwareURI: uri, Sequence: &seq, Detail: detail})
	return v, nil
}

// Discard drops the working offset at (uri, seq).
func (s *Session) Discard(ctx context.Context, uri string, seq location.Sequence) error {
	unlock := s.keys.Lock(offsets.Key(uri, seq))
	defer unlock()

	s.mu.Lock()
	e, err := s.engineLocked(uri, seq)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := e.Discard(); err != nil {
		s.mu.Unlock()
		return err
	}
	detail := s.detailLocked(uri, seq)
	s.mu.Unlock()

	s.publish(Event{Type: EventDiscarded, LabwareURI: uri, Sequence: &seq, Detail: detail})
	return nil
}

// Save persists the confirmed offset at (uri, seq).
//
// Description:
//
//	Concurrent saves for the same key share one persistence call and all
//	receive its result. The call is cancelled if the session closes or
//	Config.SaveTimeout passes, not when ctx ends. A caller whose ctx ends
//	gets ctx.Err() while the shared call carries on. The result is applied
//	only if the session is still open and the offset source has not been
//	switched in the meantime.
//
// Outputs:
//
//	offsets.ExistingOffset - The new existing offset.
//	error - ErrNoPersister, ErrSessionClosed, ErrConflictUnresolved,
//	  working.ErrInvalidTransition, *working.SaveError (wraps
//	  working.ErrSaveFailed), working.ErrSaveAbandoned or ErrSaveSuperseded.
func (s *Session) Save(ctx context.Context, uri string, seq location.Sequence) (offsets.ExistingOffset, error) {
	if s.cfg.Persister == nil {
		return offsets.ExistingOffset{}, ErrNoPersister
	}
	ctx, span := tracer.Start(ctx, "session.Save")
	defer span.End()
	key := offsets.Key(uri, seq)
	span.SetAttributes(
		attribute.String("run_id", s.runID),
		attribute.String("labware_uri", uri),
		attribute.String("location", seq.Key()),
	)

	// The shared call outlives any single caller. Only Close or its own
	// timeout stops it.
	detached := context.WithoutCancel(ctx)
	ch := s.saves.DoChan(key, func() (any, error) {
		return s.save(detached, uri, seq, key)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		err := fmt.Errorf("waiting for offset save: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return offsets.ExistingOffset{}, err
	}
	resultI, err := res.Val, res.Err
	span.SetAttributes(attribute.Bool("shared", res.Shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return offsets.ExistingOffset{}, err
	}
	existing, ok := resultI.(offsets.ExistingOffset)
	if !ok {
		err := fmt.Errorf("unexpected type from singleflight group 'saves': got %T", resultI)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return offsets.ExistingOffset{}, err
	}
	return existing, nil
}

func (s *Session) save(ctx context.Context, uri string, seq location.Sequence, key string) (offsets.ExistingOffset, error) {
	start := time.Now()
	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.Lock()
	e, err := s.engineLocked(uri, seq)
	if err != nil {
		s.mu.Unlock()
		return offsets.ExistingOffset{}, err
	}
	pending, err := e.Pending()
	if err != nil {
		s.mu.Unlock()
		return offsets.ExistingOffset{}, err
	}
	generation := s.generation
	s.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	stored, persistErr := s.cfg.Persister.SaveOffset(saveCtx, pending)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.cfg.Recorder.SaveCompleted(SaveResultAbandoned, time.Since(start))
		s.logger.Warn("save returned after session close, not applied",
			slog.String("labware_uri", uri), slog.String("location", seq.Key()))
		return offsets.ExistingOffset{}, fmt.Errorf("%w: %w", working.ErrSaveAbandoned, ErrSessionClosed)
	}
	if generation != s.generation {
		s.mu.Unlock()
		s.cfg.Recorder.SaveCompleted(SaveResultSuperseded, time.Since(start))
		s.logger.Warn("save superseded by source change, not applied",
			slog.String("labware_uri", uri), slog.String("location", seq.Key()),
			slog.Bool("persisted", persistErr == nil))
		return offsets.ExistingOffset{}, ErrSaveSuperseded
	}
	// A stored offset is applied even if the save deadline passed meanwhile.
	applyCtx := saveCtx
	if persistErr == nil {
		applyCtx = context.WithoutCancel(saveCtx)
	}
	existing, err := e.Save(applyCtx, func(context.Context, offsets.NewOffset) (offsets.LabwareOffset, error) {
		return stored, persistErr
	})
	if err != nil {
		detail := s.detailLocked(uri, seq)
		s.mu.Unlock()
		result := SaveResultFailed
		if persistErr == nil {
			result = SaveResultAbandoned
		}
		s.cfg.Recorder.SaveCompleted(result, time.Since(start))
		s.logger.Error("offset save failed",
			slog.String("labware_uri", uri), slog.String("location", seq.Key()),
			slog.String("error", err.Error()))
		s.publish(Event{Type: EventSaveFailed, LabwareURI: uri, Sequence: &seq, Detail: detail, Error: err.Error()})
		return offsets.ExistingOffset{}, err
	}
	s.result.Database = append(s.result.Database, stored)
	detail := s.detailLocked(uri, seq)
	s.mu.Unlock()

	s.cfg.Recorder.SaveCompleted(SaveResultOK, time.Since(start))
	s.logger.Info("offset saved",
		slog.String("labware_uri", uri),
		slog.String("location", seq.Key()),
		slog.String("offset_id", existing.ID),
		slog.String("vector", offsets.FormatVector(existing.Vector)))
	s.publish(Event{Type: EventSaved, LabwareURI: uri, Sequence: &seq, Detail: detail})
	return existing, nil
}

// Close ends the session. In-flight saves are cancelled and never applied,
// working offsets are discarded, and subscribers are closed. Close is
// idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	discarded := 0
	for _, lw := range s.info {
		if lw.DefaultOffsetDetails.WorkingOffset != nil {
			lw.DefaultOffsetDetails.WorkingOffset = nil
			discarded++
		}
		for i := range lw.LocationSpecificOffsetDetails {
			if lw.LocationSpecificOffsetDetails[i].WorkingOffset != nil {
				lw.LocationSpecificOffsetDetails[i].WorkingOffset = nil
				discarded++
			}
		}
	}
	s.engines = nil
	s.mu.Unlock()

	s.cfg.Recorder.SessionClosed()
	s.logger.Info("session closed",
		slog.Int("discarded_working_offsets", discarded),
		slog.Duration("open_for", time.Since(s.openedAt)))
	s.publish(Event{Type: EventSessionClosed})
	s.closeSubscribers()
	return nil
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}
