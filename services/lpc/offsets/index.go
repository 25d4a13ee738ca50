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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
)

// LabwareInfo is the per-run offset index, keyed by labware definition URI.
//
// # Description
//
// Each entry holds the default (AnyLocation) detail and the ordered list of
// location-specific details for one labware definition. The structure is
// created when a session opens and discarded when it closes.
//
// # Thread Safety
//
// Not safe for concurrent use. The owning session serialises access.
type LabwareInfo map[string]*LabwareDetails

// Target is a labware placement the run can reach.
type Target struct {
	LabwareURI string
	Sequence   location.Sequence
}

// Build creates the index for a run.
//
// # Description
//
// Every target gets a location-specific entry and every labware URI gets a
// default entry. Offsets are deduplicated first, then attached as existing
// offsets. An offset whose sequence matches no target still gets its own
// entry, so no sourced value is lost.
//
// # Inputs
//
//   - targets: Placements derived from the protocol, in command order.
//   - offs: Offsets from the authoritative source (or the merged set).
//
// # Outputs
//
//   - LabwareInfo: The populated index.
func Build(targets []Target, offs []LabwareOffset) LabwareInfo {
	info := make(LabwareInfo)
	for _, t := range targets {
		if t.Sequence.IsAny() {
			info.labware(t.LabwareURI)
			continue
		}
		info.Ensure(t.LabwareURI, t.Sequence)
	}
	for _, o := range Dedupe(offs) {
		d := info.Ensure(o.DefinitionURI, o.LocationSequence)
		d.ExistingOffset = &ExistingOffset{ID: o.ID, Vector: o.Vector, CreatedAt: o.CreatedAt}
	}
	return info
}

func (info LabwareInfo) labware(uri string) *LabwareDetails {
	lw, ok := info[uri]
	if !ok {
		lw = &LabwareDetails{
			URI:                  uri,
			DefaultOffsetDetails: newDetail(uri, location.AnyLocation),
		}
		info[uri] = lw
	}
	return lw
}

// Resolve returns the detail that governs uri at seq.
//
// The first location-specific entry equal to seq wins. Otherwise the default
// entry is returned. Resolving AnyLocation always yields the default entry.
// The returned pointer aliases the index; callers that need a snapshot
// should Clone it.
func (info LabwareInfo) Resolve(uri string, seq location.Sequence) (*OffsetDetail, error) {
	lw, ok := info[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLabware, uri)
	}
	if d := lw.find(seq); d != nil {
		return d, nil
	}
	return &lw.DefaultOffsetDetails, nil
}

// Lookup returns the entry stored at exactly (uri, seq), without falling back.
func (info LabwareInfo) Lookup(uri string, seq location.Sequence) (*OffsetDetail, bool) {
	lw, ok := info[uri]
	if !ok {
		return nil, false
	}
	if seq.IsAny() {
		return &lw.DefaultOffsetDetails, true
	}
	d := lw.find(seq)
	return d, d != nil
}

// Ensure returns the entry at exactly (uri, seq), inserting an empty one
// (and the labware's default entry) if absent.
func (info LabwareInfo) Ensure(uri string, seq location.Sequence) *OffsetDetail {
	lw := info.labware(uri)
	if seq.IsAny() {
		return &lw.DefaultOffsetDetails
	}
	if d := lw.find(seq); d != nil {
		return d
	}
	lw.LocationSpecificOffsetDetails = append(lw.LocationSpecificOffsetDetails, newDetail(uri, seq))
	return &lw.LocationSpecificOffsetDetails[len(lw.LocationSpecificOffsetDetails)-1]
}

// EffectiveVector is the persisted vector that applies to uri at seq: the
// location-specific existing offset, else the default existing offset, else
// zero.
func (info LabwareInfo) EffectiveVector(uri string, seq location.Sequence) Vector {
	lw, ok := info[uri]
	if !ok {
		return Vector{}
	}
	if d := lw.find(seq); d != nil && d.ExistingOffset != nil {
		return d.ExistingOffset.Vector
	}
	if lw.DefaultOffsetDetails.ExistingOffset != nil {
		return lw.DefaultOffsetDetails.ExistingOffset.Vector
	}
	return Vector{}
}

// URIs returns the labware URIs in sorted order.
func (info LabwareInfo) URIs() []string {
	out := make([]string, 0, len(info))
	for uri := range info {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// Existing flattens every existing offset back into LabwareOffset records,
// default entries first per labware, in URI order.
func (info LabwareInfo) Existing() []LabwareOffset {
	var out []LabwareOffset
	for _, uri := range info.URIs() {
		lw := info[uri]
		if e := lw.DefaultOffsetDetails.ExistingOffset; e != nil {
			out = append(out, toOffset(uri, location.AnyLocation, e))
		}
		for _, d := range lw.LocationSpecificOffsetDetails {
			if d.ExistingOffset != nil {
				out = append(out, toOffset(uri, d.LocationDetails.Sequence, d.ExistingOffset))
			}
		}
	}
	return out
}

// HasWorking reports whether any entry carries an unsaved working offset.
func (info LabwareInfo) HasWorking() bool {
	for _, lw := range info {
		if lw.DefaultOffsetDetails.WorkingOffset != nil {
			return true
		}
		for _, d := range lw.LocationSpecificOffsetDetails {
			if d.WorkingOffset != nil {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (info LabwareInfo) Clone() LabwareInfo {
	out := make(LabwareInfo, len(info))
	for uri, lw := range info {
		out[uri] = lw.Clone()
	}
	return out
}

func (l *LabwareDetails) find(seq location.Sequence) *OffsetDetail {
	if seq.IsAny() {
		return nil
	}
	for i := range l.LocationSpecificOffsetDetails {
		if l.LocationSpecificOffsetDetails[i].LocationDetails.Sequence.Equal(seq) {
			return &l.LocationSpecificOffsetDetails[i]
		}
	}
	return nil
}

func toOffset(uri string, seq location.Sequence, e *ExistingOffset) LabwareOffset {
	return LabwareOffset{
		ID:               e.ID,
		DefinitionURI:    uri,
		LocationSequence: seq,
		Vector:           e.Vector,
		CreatedAt:        e.CreatedAt,
	}
}

// Dedupe keeps one offset per (definition URI, location sequence).
//
// The entry with the latest CreatedAt wins. On equal timestamps the earlier
// input is kept. Output order is the order in which each key first appeared.
func Dedupe(offs []LabwareOffset) []LabwareOffset {
	index := make(map[string]int, len(offs))
	out := make([]LabwareOffset, 0, len(offs))
	for _, o := range offs {
		k := o.Key()
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, o)
			continue
		}
		if o.CreatedAt.After(out[i].CreatedAt) {
			out[i] = o
		}
	}
	return out
}
