// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, nil)
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestOpenDB(t *testing.T) {
	t.Run("persistent", func(t *testing.T) {
		cfg := DefaultConfig(t.TempDir())
		cfg.GCInterval = time.Hour
		db, err := OpenDB(cfg)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := OpenDB(Config{})
		assert.Error(t, err)
	})
}

func TestStore_SaveListGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seq := location.MustSequence(
		location.ModuleComponent{ModuleModel: "heaterShakerModuleV1"},
		location.OnAddressableArea{AddressableAreaName: "D3"},
	)
	first, err := s.SaveOffset(ctx, offsets.NewOffset{DefinitionURI: "a/a/1", LocationSequence: seq, Vector: offsets.Vector{X: 0.1}})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	second, err := s.SaveOffset(ctx, offsets.NewOffset{DefinitionURI: "b/b/1", LocationSequence: location.AnyLocation, Vector: offsets.Vector{Z: -1}})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	all, err := s.ListOffsets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID, "oldest first")
	assert.True(t, all[0].LocationSequence.Equal(seq))
	assert.True(t, all[1].LocationSequence.IsAny())

	got, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, offsets.Vector{Z: -1}, got.Vector)
	assert.True(t, got.CreatedAt.Equal(second.CreatedAt))

	require.NoError(t, s.DeleteOffset(ctx, first.ID))
	_, err = s.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteOffset(ctx, first.ID), ErrNotFound)

	require.NoError(t, s.Clear(ctx))
	all, err = s.ListOffsets(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_RejectsMissingURI(t *testing.T) {
	_, err := newTestStore(t).SaveOffset(context.Background(), offsets.NewOffset{})
	assert.Error(t, err)
}

func TestStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SaveOffset(ctx, offsets.NewOffset{DefinitionURI: "a/a/1"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.ListOffsets(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	saved, err := src.SaveOffset(ctx, offsets.NewOffset{DefinitionURI: "a/a/1", LocationSequence: location.Slot("B2"), Vector: offsets.Vector{Y: 0.25}})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := src.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dst := newTestStore(t)
	n, err = dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := dst.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, got.LocationSequence.Equal(location.Slot("B2")))
	assert.True(t, got.CreatedAt.Equal(saved.CreatedAt))
}

func TestStore_ExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	n, err := newTestStore(t).Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.JSONEq(t, `[]`, buf.String())
}
