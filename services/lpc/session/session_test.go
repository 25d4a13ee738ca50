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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/working"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	uriA = "A"
	uriB = "opentrons/opentrons_flex_96_tiprack_200ul/1"
)

var t0 = time.Date(2025, 7, 4, 10, 0, 0, 0, time.UTC)

// fakePersister records calls and delegates to hook when set.
type fakePersister struct {
	calls atomic.Int32
	hook  func(ctx context.Context, o offsets.NewOffset) error
}

func (p *fakePersister) SaveOffset(ctx context.Context, o offsets.NewOffset) (offsets.LabwareOffset, error) {
	n := p.calls.Add(1)
	if p.hook != nil {
		if err := p.hook(ctx, o); err != nil {
			return offsets.LabwareOffset{}, err
		}
	}
	return offsets.LabwareOffset{
		ID:               fmt.Sprintf("saved-%d", n),
		DefinitionURI:    o.DefinitionURI,
		LocationSequence: o.LocationSequence,
		Vector:           o.Vector,
		CreatedAt:        t0.Add(time.Duration(n) * time.Minute),
	}, nil
}

func runRecord(runOffsets ...offsets.LabwareOffset) RunRecord {
	return RunRecord{
		RunID: "run-1",
		Analysis: protocol.Analysis{
			Labware: []location.LoadedLabware{
				{ID: "lw-a", DefinitionURI: uriA},
				{ID: "lw-b", DefinitionURI: uriB},
			},
			Commands: []protocol.Command{
				{CommandType: protocol.CommandLoadLabware, Params: protocol.CommandParams{Location: &protocol.Location{SlotName: "D1"}}, Result: protocol.CommandResult{LabwareID: "lw-a"}},
				{CommandType: protocol.CommandLoadLabware, Params: protocol.CommandParams{Location: &protocol.Location{SlotName: "C2"}}, Result: protocol.CommandResult{LabwareID: "lw-b"}},
			},
		},
		Offsets: runOffsets,
	}
}

func openSession(t *testing.T, p Persister, rec RunRecord, db ...offsets.LabwareOffset) *Session {
	t.Helper()
	s, err := New(context.Background(), Config{Persister: p}, rec, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func jogAndConfirm(t *testing.T, s *Session, uri string, seq location.Sequence, step offsets.Vector) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Jog(ctx, uri, seq, step)
	require.NoError(t, err)
	_, err = s.Confirm(ctx, uri, seq)
	require.NoError(t, err)
}

func TestSession_ConflictBlocksUntilChoice(t *testing.T) {
	db := offsets.LabwareOffset{ID: "db", DefinitionURI: uriA, LocationSequence: location.AnyLocation,
		Vector: offsets.Vector{X: 1, Y: 1, Z: 1}, CreatedAt: t0}
	run := offsets.LabwareOffset{ID: "run", DefinitionURI: uriA, LocationSequence: location.AnyLocation,
		Vector: offsets.Vector{X: 2, Y: 2, Z: 2}, CreatedAt: t0}
	s := openSession(t, &fakePersister{}, runRecord(run), db)

	assert.True(t, s.Status().RequiresUserChoice)
	_, err := s.Resolve(uriA, location.AnyLocation)
	assert.ErrorIs(t, err, ErrConflictUnresolved)
	_, err = s.Jog(context.Background(), uriA, location.Slot("D1"), offsets.Vector{X: 1})
	assert.ErrorIs(t, err, ErrConflictUnresolved)

	var prompted atomic.Bool
	src, err := s.AwaitSource(context.Background(), PromptFunc(
		func(_ context.Context, runID string, runOffs, dbOffs []offsets.LabwareOffset) (offsets.Source, error) {
			prompted.Store(true)
			assert.Equal(t, "run-1", runID)
			assert.Len(t, runOffs, 1)
			assert.Len(t, dbOffs, 1)
			return offsets.SourceDatabase, nil
		}))
	require.NoError(t, err)
	assert.True(t, prompted.Load())
	assert.Equal(t, offsets.SourceDatabase, src)

	require.NoError(t, s.WaitReady(context.Background()))
	d, err := s.Resolve(uriA, location.AnyLocation)
	require.NoError(t, err)
	require.NotNil(t, d.ExistingOffset)
	assert.Equal(t, offsets.Vector{X: 1, Y: 1, Z: 1}, d.ExistingOffset.Vector)

	src, err = s.AwaitSource(context.Background(), PromptFunc(
		func(context.Context, string, []offsets.LabwareOffset, []offsets.LabwareOffset) (offsets.Source, error) {
			t.Fatal("no prompt once a source is chosen")
			return "", nil
		}))
	require.NoError(t, err)
	assert.Equal(t, offsets.SourceDatabase, src)
}

func TestSession_PromptErrorLeavesChoicePending(t *testing.T) {
	db := offsets.LabwareOffset{ID: "db", DefinitionURI: uriA, LocationSequence: location.AnyLocation, Vector: offsets.Vector{X: 1}, CreatedAt: t0}
	run := offsets.LabwareOffset{ID: "run", DefinitionURI: uriA, LocationSequence: location.AnyLocation, Vector: offsets.Vector{X: 2}, CreatedAt: t0}
	s := openSession(t, nil, runRecord(run), db)

	_, err := s.AwaitSource(context.Background(), PromptFunc(
		func(context.Context, string, []offsets.LabwareOffset, []offsets.LabwareOffset) (offsets.Source, error) {
			return "", errors.New("operator walked away")
		}))
	require.Error(t, err)
	assert.True(t, s.Status().RequiresUserChoice)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), context.DeadlineExceeded)
}

func TestSession_JogConfirmSave(t *testing.T) {
	p := &fakePersister{}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")

	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 0.5, Y: -0.2, Z: 0})
	existing, err := s.Save(context.Background(), uriB, c2)
	require.NoError(t, err)
	assert.Equal(t, "saved-1", existing.ID)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	entries := snap[uriB].LocationSpecificOffsetDetails
	require.Len(t, entries, 1)
	assert.True(t, entries[0].LocationDetails.Sequence.Equal(c2))
	require.NotNil(t, entries[0].ExistingOffset)
	assert.Equal(t, offsets.Vector{X: 0.5, Y: -0.2, Z: 0}, entries[0].ExistingOffset.Vector)
	assert.Nil(t, entries[0].WorkingOffset)
	assert.False(t, s.Status().Working)
}

func TestSession_EffectiveVector(t *testing.T) {
	def := offsets.LabwareOffset{ID: "def", DefinitionURI: uriA, LocationSequence: location.AnyLocation,
		Vector: offsets.Vector{X: 1}, CreatedAt: t0}
	s := openSession(t, &fakePersister{}, runRecord(def))
	d1 := location.Slot("D1")

	v, err := s.EffectiveVector(uriA, d1)
	require.NoError(t, err)
	assert.Equal(t, offsets.Vector{X: 1}, v, "falls back to the default offset")

	_, err = s.Jog(context.Background(), uriA, d1, offsets.Vector{Y: 0.5})
	require.NoError(t, err)
	v, err = s.EffectiveVector(uriA, d1)
	require.NoError(t, err)
	assert.Equal(t, offsets.Vector{X: 1, Y: 0.5}, v)

	_, err = s.EffectiveVector("nope", d1)
	assert.ErrorIs(t, err, offsets.ErrUnknownLabware)
}

func TestSession_InspectReadsOneState(t *testing.T) {
	s := openSession(t, &fakePersister{}, runRecord())
	c2 := location.Slot("C2")
	ctx := context.Background()
	_, err := s.Jog(ctx, uriB, c2, offsets.Vector{X: 0.1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = s.Jog(ctx, uriB, c2, offsets.Vector{X: 0.1})
		}
	}()
	for i := 0; i < 200; i++ {
		d, v, err := s.Inspect(uriB, c2)
		require.NoError(t, err)
		require.NotNil(t, d.WorkingOffset)
		assert.Equal(t, d.WorkingOffset.JogVector, v)
	}
	<-done
}

func TestSession_SaveFailureIsRetryable(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		if fail.Load() {
			return errors.New("503 from robot")
		}
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{Z: 0.4})

	_, err := s.Save(context.Background(), uriB, c2)
	assert.ErrorIs(t, err, working.ErrSaveFailed)

	d, err := s.Resolve(uriB, c2)
	require.NoError(t, err)
	require.NotNil(t, d.WorkingOffset)
	require.NotNil(t, d.WorkingOffset.ConfirmedVector)
	assert.Equal(t, offsets.Vector{Z: 0.4}, *d.WorkingOffset.ConfirmedVector)

	fail.Store(false)
	_, err = s.Save(context.Background(), uriB, c2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestSession_CloseAbandonsInFlightSave(t *testing.T) {
	started := make(chan struct{})
	p := &fakePersister{hook: func(ctx context.Context, _ offsets.NewOffset) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background(), uriB, c2)
		errCh <- err
	}()
	<-started
	require.NoError(t, s.Close())

	err := <-errCh
	assert.ErrorIs(t, err, working.ErrSaveAbandoned)
	assert.ErrorIs(t, err, ErrSessionClosed)

	d, ok := s.info.Lookup(uriB, c2)
	require.True(t, ok)
	assert.Nil(t, d.ExistingOffset)
	assert.Nil(t, d.WorkingOffset, "closing discards working offsets")

	_, err = s.Resolve(uriB, c2)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_SourceSwitchSupersedesSave(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		close(started)
		<-release
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 1})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background(), uriB, c2)
		errCh <- err
	}()
	<-started
	require.NoError(t, s.ChooseSource(context.Background(), offsets.SourceRun))
	close(release)

	assert.ErrorIs(t, <-errCh, ErrSaveSuperseded)
	d, err := s.Resolve(uriB, c2)
	require.NoError(t, err)
	assert.Nil(t, d.ExistingOffset)
	assert.Nil(t, d.WorkingOffset)
}

func TestSession_ConcurrentSavesShareOneCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{Y: 2})

	results := make(chan offsets.ExistingOffset, 2)
	errs := make(chan error, 2)
	save := func() {
		e, err := s.Save(context.Background(), uriB, c2)
		errs <- err
		results <- e
	}
	go save()
	<-started
	go save()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	first, second := <-results, <-results
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestSession_CallerCancelDoesNotAbandonSharedSave(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{Z: 0.5})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Save(ctxA, uriB, c2)
		errA <- err
	}()
	<-started

	type outcome struct {
		existing offsets.ExistingOffset
		err      error
	}
	doneB := make(chan outcome, 1)
	go func() {
		e, err := s.Save(context.Background(), uriB, c2)
		doneB <- outcome{e, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	err := <-errA
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, working.ErrSaveAbandoned)
	close(release)

	b := <-doneB
	require.NoError(t, b.err)
	assert.Equal(t, offsets.Vector{Z: 0.5}, b.existing.Vector)
	assert.EqualValues(t, 1, p.calls.Load())

	d, err := s.Resolve(uriB, c2)
	require.NoError(t, err)
	require.NotNil(t, d.ExistingOffset)
	assert.Equal(t, b.existing.ID, d.ExistingOffset.ID)
	assert.Nil(t, d.WorkingOffset)
}

func TestSession_StoredOffsetAppliedAfterCallerGivesUp(t *testing.T) {
	release := make(chan struct{})
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		<-release
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: -1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Save(ctx, uriB, c2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		d, err := s.Resolve(uriB, c2)
		return err == nil && d.ExistingOffset != nil && d.WorkingOffset == nil
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestSession_JogWaitsForSaveOnSameKey(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakePersister{hook: func(context.Context, offsets.NewOffset) error {
		close(started)
		<-release
		return nil
	}}
	s := openSession(t, p, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 1})

	saveDone := make(chan error, 1)
	go func() {
		_, err := s.Save(context.Background(), uriB, c2)
		saveDone <- err
	}()
	<-started

	jogDone := make(chan offsets.OffsetDetail, 1)
	go func() {
		d, _ := s.Jog(context.Background(), uriB, c2, offsets.Vector{X: 1})
		jogDone <- d
	}()

	select {
	case <-jogDone:
		t.Fatal("jog must wait for the in-flight save")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-saveDone)

	d := <-jogDone
	require.NotNil(t, d.WorkingOffset)
	assert.Equal(t, offsets.Vector{X: 2}, d.WorkingOffset.JogVector, "jog starts from the saved offset")
	require.NotNil(t, d.ExistingOffset)
	assert.Equal(t, offsets.Vector{X: 1}, d.ExistingOffset.Vector)
}

func TestSession_Discard(t *testing.T) {
	s := openSession(t, &fakePersister{}, runRecord())
	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 1})

	require.NoError(t, s.Discard(context.Background(), uriB, c2))
	d, err := s.Resolve(uriB, c2)
	require.NoError(t, err)
	assert.Nil(t, d.WorkingOffset)

	_, err = s.Save(context.Background(), uriB, c2)
	assert.ErrorIs(t, err, working.ErrInvalidTransition)
}

func TestSession_UnknownTargets(t *testing.T) {
	s := openSession(t, &fakePersister{}, runRecord())

	_, err := s.Jog(context.Background(), "nope/nope/1", location.Slot("C2"), offsets.Vector{})
	assert.ErrorIs(t, err, offsets.ErrUnknownLabware)

	_, err = s.Jog(context.Background(), uriB, location.Slot("A4"), offsets.Vector{})
	assert.ErrorIs(t, err, offsets.ErrUnknownLocation)
}

func TestSession_NoPersister(t *testing.T) {
	s := openSession(t, nil, runRecord())
	jogAndConfirm(t, s, uriB, location.Slot("C2"), offsets.Vector{X: 1})
	_, err := s.Save(context.Background(), uriB, location.Slot("C2"))
	assert.ErrorIs(t, err, ErrNoPersister)
}

func TestSession_Events(t *testing.T) {
	s := openSession(t, &fakePersister{}, runRecord())
	events, cancel := s.Subscribe()
	defer cancel()

	c2 := location.Slot("C2")
	jogAndConfirm(t, s, uriB, c2, offsets.Vector{X: 1})
	_, err := s.Save(context.Background(), uriB, c2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var types []EventType
	for ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventJogged, EventConfirmed, EventSaved, EventSessionClosed}, types)

	late, _ := s.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestNew_RequiresRunID(t *testing.T) {
	_, err := New(context.Background(), Config{}, RunRecord{}, nil)
	assert.ErrorIs(t, err, ErrInvalidRunRecord)
}
