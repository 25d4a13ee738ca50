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
	"time"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
)

// DetailKind distinguishes default entries from location-specific ones.
type DetailKind string

const (
	// KindDefault marks the AnyLocation entry of a labware.
	KindDefault DetailKind = "default"

	// KindLocationSpecific marks an entry bound to one concrete sequence.
	KindLocationSpecific DetailKind = "location-specific"
)

// ExistingOffset is the last persisted offset for an exact location.
type ExistingOffset struct {
	ID        string    `json:"id"`
	Vector    Vector    `json:"vector"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkingOffset is an unsaved, in-session offset.
//
// JogVector is the running offset while the operator adjusts position.
// ConfirmedVector is set once the operator confirms, and cleared again by any
// further jog.
type WorkingOffset struct {
	JogVector       Vector  `json:"jogVector"`
	ConfirmedVector *Vector `json:"confirmedVector,omitempty"`
}

// LocationDetails is the lookup key of an entry plus resolved display data.
type LocationDetails struct {
	LabwareURI          string            `json:"labwareUri"`
	Kind                DetailKind        `json:"kind"`
	Sequence            location.Sequence `json:"lwOffsetLocSeq"`
	ModuleModel         string            `json:"moduleModel,omitempty"`
	AddressableAreaName string            `json:"addressableAreaName,omitempty"`
	StackURIs           []string          `json:"stackUris,omitempty"`
}

// OffsetDetail is the per-labware, per-location record.
//
// At most one existing and one working offset exist per record. The working
// offset is cleared when it is persisted as the existing offset, or when the
// operator discards it.
type OffsetDetail struct {
	ExistingOffset  *ExistingOffset `json:"existingOffset"`
	WorkingOffset   *WorkingOffset  `json:"workingOffset"`
	LocationDetails LocationDetails `json:"locationDetails"`
}

func newDetail(uri string, seq location.Sequence) OffsetDetail {
	kind := KindLocationSpecific
	if seq.IsAny() {
		kind = KindDefault
	}
	d := location.Describe(seq)
	return OffsetDetail{
		LocationDetails: LocationDetails{
			LabwareURI:          uri,
			Kind:                kind,
			Sequence:            seq,
			ModuleModel:         d.ModuleModel,
			AddressableAreaName: d.AddressableAreaName,
			StackURIs:           d.StackURIs,
		},
	}
}

// Clone returns a deep copy.
func (d OffsetDetail) Clone() OffsetDetail {
	out := d
	if d.ExistingOffset != nil {
		e := *d.ExistingOffset
		out.ExistingOffset = &e
	}
	if d.WorkingOffset != nil {
		w := *d.WorkingOffset
		if d.WorkingOffset.ConfirmedVector != nil {
			v := *d.WorkingOffset.ConfirmedVector
			w.ConfirmedVector = &v
		}
		out.WorkingOffset = &w
	}
	if d.LocationDetails.StackURIs != nil {
		out.LocationDetails.StackURIs = append([]string(nil), d.LocationDetails.StackURIs...)
	}
	return out
}

// LabwareDetails holds every offset entry for one labware definition.
type LabwareDetails struct {
	URI                           string         `json:"uri"`
	DefaultOffsetDetails          OffsetDetail   `json:"defaultOffsetDetails"`
	LocationSpecificOffsetDetails []OffsetDetail `json:"locationSpecificOffsetDetails"`
}

// Clone returns a deep copy.
func (l *LabwareDetails) Clone() *LabwareDetails {
	out := &LabwareDetails{
		URI:                  l.URI,
		DefaultOffsetDetails: l.DefaultOffsetDetails.Clone(),
	}
	out.LocationSpecificOffsetDetails = make([]OffsetDetail, len(l.LocationSpecificOffsetDetails))
	for i, d := range l.LocationSpecificOffsetDetails {
		out.LocationSpecificOffsetDetails[i] = d.Clone()
	}
	return out
}
