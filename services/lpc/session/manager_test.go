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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

type fakeRuns struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRuns) FetchRun(_ context.Context, runID string) (RunRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return RunRecord{}, f.err
	}
	rec := runRecord()
	rec.RunID = runID
	return rec, nil
}

type fakeDB struct {
	offs []offsets.LabwareOffset
	err  error
}

func (f *fakeDB) ListOffsets(context.Context) ([]offsets.LabwareOffset, error) {
	return f.offs, f.err
}

func TestManager_OpenGetClose(t *testing.T) {
	runs := &fakeRuns{}
	db := &fakeDB{offs: []offsets.LabwareOffset{
		{ID: "db-1", DefinitionURI: uriB, LocationSequence: location.Slot("C2"), Vector: offsets.Vector{X: 0.7}, CreatedAt: t0},
	}}
	m := NewManager(ManagerConfig{Runs: runs, Offsets: db})
	defer m.Shutdown()

	s, err := m.Open(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, "run-42", s.RunID())

	again, err := m.Open(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.EqualValues(t, 1, runs.calls.Load())

	d, err := s.Resolve(uriB, location.Slot("C2"))
	require.NoError(t, err)
	require.NotNil(t, d.ExistingOffset)
	assert.Equal(t, "db-1", d.ExistingOffset.ID)

	assert.Equal(t, []string{"run-42"}, m.RunIDs())
	require.NoError(t, m.Close("run-42"))
	_, err = m.Get("run-42")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Close("run-42"), ErrSessionNotFound)

	<-s.Done()
}

func TestManager_ConcurrentOpensShareSession(t *testing.T) {
	m := NewManager(ManagerConfig{Runs: &fakeRuns{}, Offsets: &fakeDB{}})
	defer m.Shutdown()

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(context.Background(), "run-7")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
}

func TestManager_OpenErrors(t *testing.T) {
	boom := errors.New("robot offline")

	m := NewManager(ManagerConfig{Runs: &fakeRuns{err: boom}, Offsets: &fakeDB{}})
	defer m.Shutdown()
	_, err := m.Open(context.Background(), "run-1")
	assert.ErrorIs(t, err, boom)

	m2 := NewManager(ManagerConfig{Runs: &fakeRuns{}, Offsets: &fakeDB{err: boom}})
	defer m2.Shutdown()
	_, err = m2.Open(context.Background(), "run-1")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m2.RunIDs())

	m3 := NewManager(ManagerConfig{})
	defer m3.Shutdown()
	_, err = m3.Open(context.Background(), "run-1")
	assert.Error(t, err)
}

func TestManager_OpenWithRecord(t *testing.T) {
	m := NewManager(ManagerConfig{Offsets: &fakeDB{}})
	defer m.Shutdown()

	s, err := m.OpenWithRecord(context.Background(), runRecord())
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID())

	_, err = m.OpenWithRecord(context.Background(), RunRecord{})
	assert.ErrorIs(t, err, ErrInvalidRunRecord)
}

func TestManager_ShutdownClosesSessions(t *testing.T) {
	m := NewManager(ManagerConfig{Offsets: &fakeDB{}})
	s, err := m.OpenWithRecord(context.Background(), runRecord())
	require.NoError(t, err)

	m.Shutdown()
	assert.True(t, s.Status().Closed)
	assert.Empty(t, m.RunIDs())
}

func TestKeyedMutex_ForgetsReleasedKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
