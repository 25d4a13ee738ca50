// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile decides which offset source is authoritative for a run.
//
// A run carries two candidate offset sets: the offsets embedded in the run
// record and the offsets persisted in the robot's database. When they agree
// (or never overlap) they are merged. When any shared (labware, location)
// pair diverges, the caller must obtain an explicit operator choice; no
// source is ever preferred silently.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

// ErrInvalidSource indicates a source other than fromRun or fromDatabase.
var ErrInvalidSource = errors.New("invalid offset source")

// Conflict is a shared (labware, location) pair whose vectors differ.
type Conflict struct {
	LabwareURI string                `json:"labwareUri"`
	Sequence   location.Sequence     `json:"locationSequence"`
	Run        offsets.LabwareOffset `json:"fromRun"`
	Database   offsets.LabwareOffset `json:"fromDatabase"`
}

// Result is the outcome of Reconcile.
type Result struct {
	// RequiresUserChoice is true when any shared pair diverges.
	RequiresUserChoice bool

	// Sourced is the index built from Merged. Nil when a choice is required.
	Sourced offsets.LabwareInfo

	// Merged is the union of both sources. Nil when a choice is required.
	Merged []offsets.LabwareOffset

	// Conflicts lists every divergent pair, in run order.
	Conflicts []Conflict

	// Run and Database are the deduplicated inputs.
	Run      []offsets.LabwareOffset
	Database []offsets.LabwareOffset

	targets []offsets.Target
}

// Reconcile compares the run-sourced and database-sourced offsets.
//
// Description:
//
//	Both lists are deduplicated by (definition URI, location sequence),
//	latest createdAt winning and the earlier input kept on equal
//	timestamps. Pairs present in both sources are compared by
//	exact vector equality. With no divergence the sources are merged; for a
//	pair present in both, the newer record is kept and equal timestamps go
//	to the database record. Pairs present in only one source are taken from
//	that source.
//
// Inputs:
//
//	run - Offsets embedded in the run record.
//	db - Offsets stored on the robot.
//	targets - Placements the run can reach. Used to build Sourced.
//
// Outputs:
//
//	Result - See Result for which fields are populated in each case.
func Reconcile(run, db []offsets.LabwareOffset, targets ...offsets.Target) Result {
	res := Result{
		Run:      offsets.Dedupe(run),
		Database: offsets.Dedupe(db),
		targets:  targets,
	}

	dbByKey := make(map[string]offsets.LabwareOffset, len(res.Database))
	for _, o := range res.Database {
		dbByKey[o.Key()] = o
	}

	merged := make([]offsets.LabwareOffset, 0, len(res.Run)+len(res.Database))
	shared := make(map[string]bool)
	for _, r := range res.Run {
		d, ok := dbByKey[r.Key()]
		if !ok {
			merged = append(merged, r)
			continue
		}
		shared[r.Key()] = true
		if !r.Vector.Equal(d.Vector) {
			res.Conflicts = append(res.Conflicts, Conflict{
				LabwareURI: r.DefinitionURI,
				Sequence:   r.LocationSequence,
				Run:        r,
				Database:   d,
			})
			continue
		}
		if r.CreatedAt.After(d.CreatedAt) {
			merged = append(merged, r)
		} else {
			merged = append(merged, d)
		}
	}

	if len(res.Conflicts) > 0 {
		res.RequiresUserChoice = true
		return res
	}

	for _, d := range res.Database {
		if !shared[d.Key()] {
			merged = append(merged, d)
		}
	}
	res.Merged = merged
	res.Sourced = offsets.Build(targets, merged)
	return res
}

// OffsetsFor returns the deduplicated offsets of one source.
func (r Result) OffsetsFor(src offsets.Source) ([]offsets.LabwareOffset, error) {
	switch src {
	case offsets.SourceRun:
		return r.Run, nil
	case offsets.SourceDatabase:
		return r.Database, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, src)
	}
}

// Choose re-derives the index strictly from one source, discarding the
// other source entirely.
func (r Result) Choose(src offsets.Source) (offsets.LabwareInfo, error) {
	offs, err := r.OffsetsFor(src)
	if err != nil {
		return nil, err
	}
	return offsets.Build(r.targets, offs), nil
}

// Targets returns the placements the result was reconciled against.
func (r Result) Targets() []offsets.Target {
	return r.targets
}
