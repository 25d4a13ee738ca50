// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package offsets holds the labware offset data model and the lookup index
// used during Labware Position Check.
//
// An offset is a vector correction applied to a labware's nominal position.
// Offsets are saved either for a specific location sequence or for
// location.AnyLocation (a default offset). LabwareInfo groups, per labware
// definition URI, the default entry and every location-specific entry the
// run can reach.
package offsets

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
)

// Source names where a set of offsets came from.
type Source string

const (
	// SourceRun is the set of offsets embedded in the current run record.
	SourceRun Source = "fromRun"

	// SourceDatabase is the set of offsets persisted on the robot.
	SourceDatabase Source = "fromDatabase"
)

// Valid reports whether s is one of the two known sources.
func (s Source) Valid() bool {
	return s == SourceRun || s == SourceDatabase
}

// Vector is a position correction in millimetres.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the component-wise sum.
func (v Vector) Add(o Vector) Vector {
	return Vector{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns the component-wise difference.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Equal reports exact component equality.
func (v Vector) Equal(o Vector) bool {
	return v.X == o.X && v.Y == o.Y && v.Z == o.Z
}

// IsZero reports whether every component is zero.
func (v Vector) IsZero() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}

// LabwareOffset is a persisted offset record. Offsets embedded in a run
// record and offsets stored in the robot's database share this shape.
type LabwareOffset struct {
	ID               string            `json:"id"`
	DefinitionURI    string            `json:"definitionUri"`
	LocationSequence location.Sequence `json:"locationSequence"`
	Vector           Vector            `json:"vector"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// StoredLabwareOffset is a LabwareOffset sourced from the robot's database.
type StoredLabwareOffset = LabwareOffset

// NewOffset is the payload sent to persist an offset. The receiver assigns
// the id and creation time.
type NewOffset struct {
	DefinitionURI    string            `json:"definitionUri"`
	LocationSequence location.Sequence `json:"locationSequence"`
	Vector           Vector            `json:"vector"`
}

// UnmarshalJSON requires locationSequence to be present.
func (o *LabwareOffset) UnmarshalJSON(data []byte) error {
	type plain LabwareOffset
	aux := struct {
		*plain
		LocationSequence *location.Sequence `json:"locationSequence"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.LocationSequence == nil {
		return fmt.Errorf("offset %q: %w: missing locationSequence", o.ID, location.ErrInvalidSequence)
	}
	o.LocationSequence = *aux.LocationSequence
	return nil
}

// UnmarshalJSON requires locationSequence to be present.
func (o *NewOffset) UnmarshalJSON(data []byte) error {
	type plain NewOffset
	aux := struct {
		*plain
		LocationSequence *location.Sequence `json:"locationSequence"`
	}{plain: (*plain)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.LocationSequence == nil {
		return fmt.Errorf("%w: missing locationSequence", location.ErrInvalidSequence)
	}
	o.LocationSequence = *aux.LocationSequence
	return nil
}

// Key returns the (definition URI, location sequence) identity used for
// deduplication, lookup and single-flight guarding.
func Key(definitionURI string, seq location.Sequence) string {
	return definitionURI + "\x00" + seq.Key()
}

// Key returns the identity of the offset.
func (o LabwareOffset) Key() string {
	return Key(o.DefinitionURI, o.LocationSequence)
}
