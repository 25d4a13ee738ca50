// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offsets

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
)

const (
	plateURI = "opentrons/nest_96_wellplate_100ul_pcr_full_skirt/2"
	tipsURI  = "opentrons/opentrons_flex_96_tiprack_50ul/1"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func onTempModule(area string) location.Sequence {
	return location.MustSequence(
		location.ModuleComponent{ModuleModel: "temperatureModuleV2"},
		location.OnAddressableArea{AddressableAreaName: area},
	)
}

func offset(id, uri string, seq location.Sequence, v Vector, at time.Time) LabwareOffset {
	return LabwareOffset{ID: id, DefinitionURI: uri, LocationSequence: seq, Vector: v, CreatedAt: at}
}

func TestBuild(t *testing.T) {
	targets := []Target{
		{LabwareURI: plateURI, Sequence: location.Slot("C2")},
		{LabwareURI: plateURI, Sequence: onTempModule("temperatureModuleV2D1")},
		{LabwareURI: tipsURI, Sequence: location.Slot("B3")},
		{LabwareURI: plateURI, Sequence: location.Slot("C2")},
	}
	offs := []LabwareOffset{
		offset("o1", plateURI, location.AnyLocation, Vector{X: 0.1}, t0),
		offset("o2", plateURI, location.Slot("C2"), Vector{Y: 0.4}, t0),
		offset("o3", tipsURI, location.Slot("A1"), Vector{Z: -1}, t0),
	}

	info := Build(targets, offs)

	assert.Equal(t, []string{plateURI, tipsURI}, info.URIs())

	plate := info[plateURI]
	require.Len(t, plate.LocationSpecificOffsetDetails, 2, "duplicate target collapses")
	assert.Equal(t, KindDefault, plate.DefaultOffsetDetails.LocationDetails.Kind)
	require.NotNil(t, plate.DefaultOffsetDetails.ExistingOffset)
	assert.Equal(t, "o1", plate.DefaultOffsetDetails.ExistingOffset.ID)
	require.NotNil(t, plate.LocationSpecificOffsetDetails[0].ExistingOffset)
	assert.Equal(t, Vector{Y: 0.4}, plate.LocationSpecificOffsetDetails[0].ExistingOffset.Vector)
	assert.Nil(t, plate.LocationSpecificOffsetDetails[1].ExistingOffset)
	assert.Equal(t, "temperatureModuleV2", plate.LocationSpecificOffsetDetails[1].LocationDetails.ModuleModel)

	tips := info[tipsURI]
	require.Len(t, tips.LocationSpecificOffsetDetails, 2, "offset at an unseen location gets its own entry")
	assert.True(t, tips.LocationSpecificOffsetDetails[1].LocationDetails.Sequence.Equal(location.Slot("A1")))
	assert.Nil(t, tips.DefaultOffsetDetails.ExistingOffset)
}

func TestResolve(t *testing.T) {
	info := Build(
		[]Target{{LabwareURI: plateURI, Sequence: location.Slot("C2")}},
		[]LabwareOffset{
			offset("def", plateURI, location.AnyLocation, Vector{X: 1}, t0),
			offset("c2", plateURI, location.Slot("C2"), Vector{X: 2}, t0),
		},
	)

	t.Run("location specific wins", func(t *testing.T) {
		d, err := info.Resolve(plateURI, location.Slot("C2"))
		require.NoError(t, err)
		assert.Equal(t, "c2", d.ExistingOffset.ID)
	})

	t.Run("falls back to default", func(t *testing.T) {
		d, err := info.Resolve(plateURI, location.Slot("D4"))
		require.NoError(t, err)
		assert.Equal(t, "def", d.ExistingOffset.ID)
		assert.True(t, d.LocationDetails.Sequence.IsAny())
	})

	t.Run("any location resolves to default", func(t *testing.T) {
		d, err := info.Resolve(plateURI, location.AnyLocation)
		require.NoError(t, err)
		assert.Equal(t, "def", d.ExistingOffset.ID)
	})

	t.Run("empty sequence is not any location", func(t *testing.T) {
		d, err := info.Resolve(plateURI, location.Sequence{})
		require.NoError(t, err)
		assert.Equal(t, KindDefault, d.LocationDetails.Kind)
		_, ok := info.Lookup(plateURI, location.Sequence{})
		assert.False(t, ok)
	})

	t.Run("unknown labware", func(t *testing.T) {
		_, err := info.Resolve("nope/nope/1", location.Slot("C2"))
		assert.ErrorIs(t, err, ErrUnknownLabware)
	})

	t.Run("idempotent", func(t *testing.T) {
		first, err := info.Resolve(plateURI, location.Slot("C2"))
		require.NoError(t, err)
		second, err := info.Resolve(plateURI, location.Slot("C2"))
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first.Clone(), second.Clone()))
	})
}

func TestResolve_FirstMatchWins(t *testing.T) {
	info := LabwareInfo{
		plateURI: &LabwareDetails{
			URI:                  plateURI,
			DefaultOffsetDetails: newDetail(plateURI, location.AnyLocation),
			LocationSpecificOffsetDetails: []OffsetDetail{
				{ExistingOffset: &ExistingOffset{ID: "first"}, LocationDetails: LocationDetails{Sequence: location.Slot("A2")}},
				{ExistingOffset: &ExistingOffset{ID: "second"}, LocationDetails: LocationDetails{Sequence: location.Slot("A2")}},
			},
		},
	}
	d, err := info.Resolve(plateURI, location.Slot("A2"))
	require.NoError(t, err)
	assert.Equal(t, "first", d.ExistingOffset.ID)
}

func TestEffectiveVector(t *testing.T) {
	info := Build(
		[]Target{
			{LabwareURI: plateURI, Sequence: location.Slot("C2")},
			{LabwareURI: plateURI, Sequence: location.Slot("C3")},
			{LabwareURI: tipsURI, Sequence: location.Slot("A1")},
		},
		[]LabwareOffset{
			offset("def", plateURI, location.AnyLocation, Vector{X: 1}, t0),
			offset("c2", plateURI, location.Slot("C2"), Vector{X: 2}, t0),
		},
	)

	assert.Equal(t, Vector{X: 2}, info.EffectiveVector(plateURI, location.Slot("C2")))
	assert.Equal(t, Vector{X: 1}, info.EffectiveVector(plateURI, location.Slot("C3")))
	assert.Equal(t, Vector{}, info.EffectiveVector(tipsURI, location.Slot("A1")))
	assert.Equal(t, Vector{}, info.EffectiveVector("missing", location.Slot("A1")))
}

func TestDedupe(t *testing.T) {
	offs := []LabwareOffset{
		offset("old", plateURI, location.Slot("C2"), Vector{X: 1}, t0),
		offset("tips", tipsURI, location.AnyLocation, Vector{Z: 1}, t0),
		offset("new", plateURI, location.Slot("C2"), Vector{X: 2}, t0.Add(time.Minute)),
		offset("older", plateURI, location.Slot("C2"), Vector{X: 3}, t0.Add(-time.Minute)),
		offset("tie", tipsURI, location.AnyLocation, Vector{Z: 2}, t0),
		offset("older-tips", tipsURI, location.AnyLocation, Vector{Z: 3}, t0.Add(-time.Second)),
	}

	got := Dedupe(offs)

	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID, "latest createdAt wins")
	assert.Equal(t, "tips", got[1].ID, "equal timestamps keep the earlier input")
}

func TestEnsure(t *testing.T) {
	info := make(LabwareInfo)

	d := info.Ensure(plateURI, location.Slot("B2"))
	require.NotNil(t, d)
	assert.Equal(t, KindLocationSpecific, d.LocationDetails.Kind)
	assert.Equal(t, "B2", d.LocationDetails.AddressableAreaName)

	again := info.Ensure(plateURI, location.Slot("B2"))
	assert.Same(t, d, again)
	assert.Len(t, info[plateURI].LocationSpecificOffsetDetails, 1)

	def := info.Ensure(plateURI, location.AnyLocation)
	assert.Same(t, &info[plateURI].DefaultOffsetDetails, def)
}

func TestExistingAndHasWorking(t *testing.T) {
	info := Build(
		[]Target{{LabwareURI: plateURI, Sequence: location.Slot("C2")}},
		[]LabwareOffset{
			offset("c2", plateURI, location.Slot("C2"), Vector{X: 2}, t0),
			offset("def", plateURI, location.AnyLocation, Vector{X: 1}, t0),
		},
	)

	existing := info.Existing()
	require.Len(t, existing, 2)
	assert.Equal(t, "def", existing[0].ID)
	assert.True(t, existing[0].LocationSequence.IsAny())
	assert.Equal(t, "c2", existing[1].ID)

	assert.False(t, info.HasWorking())
	d, _ := info.Lookup(plateURI, location.Slot("C2"))
	d.WorkingOffset = &WorkingOffset{JogVector: Vector{X: 0.1}}
	assert.True(t, info.HasWorking())
}

func TestClone_IsDeep(t *testing.T) {
	confirmed := Vector{X: 1}
	info := Build([]Target{{LabwareURI: plateURI, Sequence: location.Slot("C2")}}, nil)
	d, _ := info.Lookup(plateURI, location.Slot("C2"))
	d.WorkingOffset = &WorkingOffset{ConfirmedVector: &confirmed}

	clone := info.Clone()
	cd, _ := clone.Lookup(plateURI, location.Slot("C2"))
	cd.WorkingOffset.ConfirmedVector.X = 9

	assert.Equal(t, 1.0, d.WorkingOffset.ConfirmedVector.X)
}

func TestFormatCoordinate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{-0.04, "0.0"},
		{0.04, "0.0"},
		{0.25, "0.3"},
		{-1.26, "-1.3"},
		{12, "12.0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCoordinate(tt.in), "input %v", tt.in)
	}
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "X 0.5 Y -0.2 Z 0.0", FormatVector(Vector{X: 0.5, Y: -0.2, Z: -0.01}))
}

func TestVectorArithmetic(t *testing.T) {
	a := Vector{X: 1, Y: 2, Z: 3}
	b := Vector{X: 0.5, Y: -1, Z: 0}
	assert.Equal(t, Vector{X: 1.5, Y: 1, Z: 3}, a.Add(b))
	assert.Equal(t, Vector{X: 0.5, Y: 3, Z: 3}, a.Sub(b))
	assert.True(t, Vector{}.IsZero())
	assert.False(t, a.Equal(b))
}

func TestSource_Valid(t *testing.T) {
	assert.True(t, SourceRun.Valid())
	assert.True(t, SourceDatabase.Valid())
	assert.False(t, Source("fromElsewhere").Valid())
}

func TestLabwareOffset_UnmarshalRequiresSequence(t *testing.T) {
	var o LabwareOffset
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","definitionUri":"`+plateURI+`","locationSequence":"anyLocation","vector":{"x":1,"y":0,"z":0}}`), &o))
	assert.Equal(t, "a", o.ID)
	assert.True(t, o.LocationSequence.IsAny())
	assert.Equal(t, Vector{X: 1}, o.Vector)

	for name, in := range map[string]string{
		"missing": `{"id":"b","definitionUri":"` + plateURI + `"}`,
		"null":    `{"id":"c","definitionUri":"` + plateURI + `","locationSequence":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			var o LabwareOffset
			assert.ErrorIs(t, json.Unmarshal([]byte(in), &o), location.ErrInvalidSequence)
			var n NewOffset
			assert.ErrorIs(t, json.Unmarshal([]byte(in), &n), location.ErrInvalidSequence)
		})
	}
}
