// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Session is applied to every session the manager opens.
	Session Config

	// Runs fetches run records by id. Required by Open.
	Runs RunSource

	// Offsets lists database offsets. Required.
	Offsets OffsetSource
}

// Manager keeps at most one open session per run.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	opening singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. Sessions it opens live until closed or
// until Shutdown.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.Session = cfg.Session.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Session.Logger.With(slog.String("component", "lpc_session_manager")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for runID, fetching the run record and the
// database offsets concurrently if no session is open yet. Concurrent opens
// for the same run share one fetch.
func (m *Manager) Open(ctx context.Context, runID string) (*Session, error) {
	if s, err := m.Get(runID); err == nil {
		return s, nil
	}
	if m.cfg.Runs == nil {
		return nil, fmt.Errorf("opening session for run %s: no run source configured", runID)
	}

	resultI, err, _ := m.opening.Do(runID, func() (any, error) {
		if s, err := m.Get(runID); err == nil {
			return s, nil
		}

		var (
			rec RunRecord
			db  []offsets.LabwareOffset
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			rec, err = m.cfg.Runs.FetchRun(gctx, runID)
			if err != nil {
				return fmt.Errorf("fetching run %s: %w", runID, err)
			}
			return nil
		})
		g.Go(func() error {
			var err error
			db, err = m.listOffsets(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if rec.RunID == "" {
			rec.RunID = runID
		}
		return m.add(rec, db)
	})
	if err != nil {
		return nil, err
	}
	s, ok := resultI.(*Session)
	if !ok {
		return nil, fmt.Errorf("unexpected type from singleflight group 'opening': got %T", resultI)
	}
	return s, nil
}

// OpenWithRecord opens a session from a run record supplied by the caller.
// An existing session for the same run is returned unchanged.
func (m *Manager) OpenWithRecord(ctx context.Context, rec RunRecord) (*Session, error) {
	if rec.RunID == "" {
		return nil, ErrInvalidRunRecord
	}
	if s, err := m.Get(rec.RunID); err == nil {
		return s, nil
	}
	db, err := m.listOffsets(ctx)
	if err != nil {
		return nil, err
	}
	return m.add(rec, db)
}

func (m *Manager) listOffsets(ctx context.Context) ([]offsets.LabwareOffset, error) {
	if m.cfg.Offsets == nil {
		return nil, nil
	}
	db, err := m.cfg.Offsets.ListOffsets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing database offsets: %w", err)
	}
	return db, nil
}

func (m *Manager) add(rec RunRecord, db []offsets.LabwareOffset) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[rec.RunID]; ok {
		return s, nil
	}
	s, err := New(m.ctx, m.cfg.Session, rec, db)
	if err != nil {
		return nil, err
	}
	m.sessions[rec.RunID] = s
	return s, nil
}

// Get returns the open session for runID.
func (m *Manager) Get(runID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, runID)
	}
	return s, nil
}

// RunIDs returns the ids of open sessions, sorted.
func (m *Manager) RunIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes and forgets the session for runID.
func (m *Manager) Close(runID string) error {
	m.mu.Lock()
	s, ok := m.sessions[runID]
	delete(m.sessions, runID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, runID)
	}
	return s.Close()
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	m.cancel()
	m.logger.Info("session manager shut down", slog.Int("closed", len(sessions)))
}
