// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package working implements the working-offset state machine used while an
// operator jogs, confirms and saves a labware position.
//
// States and transitions:
//
//	Idle      -> Jogging    on Jog
//	Jogging   -> Confirmed  on Confirm
//	Confirmed -> Jogging    on Jog (the confirmed vector is dropped)
//	Confirmed -> Saved      on a successful Save
//	Confirmed -> Confirmed  on a failed Save
//	any       -> Idle       on Discard
//
// The working vector is absolute: jogging starts from the offset currently
// in effect at the location and accumulates each step on top of it.
//
// # Thread Safety
//
// An Engine is not safe for concurrent use. Callers hold a per-location lock.
package working

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

// State is the working offset state of one location.
type State int

const (
	// StateIdle has no working offset.
	StateIdle State = iota

	// StateJogging has a working vector that is still being adjusted.
	StateJogging

	// StateConfirmed has a captured vector awaiting persistence.
	StateConfirmed

	// StateSaved has persisted the confirmed vector as the existing offset.
	StateSaved
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJogging:
		return "jogging"
	case StateConfirmed:
		return "confirmed"
	case StateSaved:
		return "saved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PersistFunc sends an offset to durable storage and returns the stored
// record with its assigned id and creation time.
type PersistFunc func(ctx context.Context, offset offsets.NewOffset) (offsets.LabwareOffset, error)

// Engine drives the working offset of one (labware, location) entry.
type Engine struct {
	info  offsets.LabwareInfo
	uri   string
	seq   location.Sequence
	state State
}

// New returns an engine for the entry at exactly (uri, seq).
//
// Description:
//
//	The entry must already exist in info. If it carries a working offset
//	the engine resumes in Jogging or Confirmed accordingly.
//
// Inputs:
//
//	info - The session's offset index.
//	uri - Labware definition URI.
//	seq - Location sequence, or location.AnyLocation for the default entry.
//
// Outputs:
//
//	*Engine - The engine.
//	error - offsets.ErrUnknownLocation if no entry exists at (uri, seq).
func New(info offsets.LabwareInfo, uri string, seq location.Sequence) (*Engine, error) {
	e := &Engine{info: info, uri: uri, seq: seq}
	d, err := e.detail()
	if err != nil {
		return nil, err
	}
	if w := d.WorkingOffset; w != nil {
		e.state = StateJogging
		if w.ConfirmedVector != nil {
			e.state = StateConfirmed
		}
	}
	return e, nil
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Key returns the (labware, location) identity the engine drives.
func (e *Engine) Key() string {
	return offsets.Key(e.uri, e.seq)
}

func (e *Engine) detail() (*offsets.OffsetDetail, error) {
	d, ok := e.info.Lookup(e.uri, e.seq)
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", offsets.ErrUnknownLocation, e.uri, e.seq)
	}
	return d, nil
}

// Jog moves the working vector by step.
//
// From Idle or Saved a new working offset starts at the effective vector for
// the location. From Confirmed the confirmed vector is invalidated.
func (e *Engine) Jog(step offsets.Vector) (offsets.WorkingOffset, error) {
	d, err := e.detail()
	if err != nil {
		return offsets.WorkingOffset{}, err
	}
	switch e.state {
	case StateIdle, StateSaved:
		d.WorkingOffset = &offsets.WorkingOffset{JogVector: e.info.EffectiveVector(e.uri, e.seq)}
	case StateJogging, StateConfirmed:
		if d.WorkingOffset == nil {
			d.WorkingOffset = &offsets.WorkingOffset{JogVector: e.info.EffectiveVector(e.uri, e.seq)}
		}
	}
	d.WorkingOffset.JogVector = d.WorkingOffset.JogVector.Add(step)
	d.WorkingOffset.ConfirmedVector = nil
	e.state = StateJogging
	return *d.WorkingOffset, nil
}

// Confirm captures the working vector as the candidate to save.
//
// Confirming from Idle or Saved accepts the effective vector unchanged.
func (e *Engine) Confirm() (offsets.Vector, error) {
	d, err := e.detail()
	if err != nil {
		return offsets.Vector{}, err
	}
	switch e.state {
	case StateConfirmed:
		return offsets.Vector{}, fmt.Errorf("%w: already confirmed", ErrInvalidTransition)
	case StateIdle, StateSaved:
		d.WorkingOffset = &offsets.WorkingOffset{JogVector: e.info.EffectiveVector(e.uri, e.seq)}
	}
	v := d.WorkingOffset.JogVector
	d.WorkingOffset.ConfirmedVector = &v
	e.state = StateConfirmed
	return v, nil
}

// Pending returns the offset that Save would persist.
func (e *Engine) Pending() (offsets.NewOffset, error) {
	if e.state != StateConfirmed {
		return offsets.NewOffset{}, fmt.Errorf("%w: save requires a confirmed offset, state is %s",
			ErrInvalidTransition, e.state)
	}
	d, err := e.detail()
	if err != nil {
		return offsets.NewOffset{}, err
	}
	return offsets.NewOffset{
		DefinitionURI:    e.uri,
		LocationSequence: e.seq,
		Vector:           *d.WorkingOffset.ConfirmedVector,
	}, nil
}

// Save persists the confirmed vector.
//
// Description:
//
//	persist is called with the pending offset. On success the existing
//	offset is replaced and the working offset cleared in one step, and the
//	state becomes Saved. On failure the engine stays Confirmed and a
//	*SaveError wrapping ErrSaveFailed is returned. If ctx is done once
//	persist returns, nothing is applied and ErrSaveAbandoned is returned.
//
// Inputs:
//
//	ctx - Bounds the persistence call. Cancelled when the session closes.
//	persist - The persistence call.
//
// Outputs:
//
//	offsets.ExistingOffset - The new existing offset.
//	error - ErrInvalidTransition, *SaveError or ErrSaveAbandoned.
func (e *Engine) Save(ctx context.Context, persist PersistFunc) (offsets.ExistingOffset, error) {
	pending, err := e.Pending()
	if err != nil {
		return offsets.ExistingOffset{}, err
	}

	stored, err := persist(ctx, pending)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return offsets.ExistingOffset{}, fmt.Errorf("%w: %v", ErrSaveAbandoned, ctxErr)
	}
	if err != nil {
		return offsets.ExistingOffset{}, &SaveError{LabwareURI: e.uri, Sequence: e.seq.Key(), Err: err}
	}

	d, err := e.detail()
	if err != nil {
		return offsets.ExistingOffset{}, err
	}
	existing := offsets.ExistingOffset{
		ID:        stored.ID,
		Vector:    pending.Vector,
		CreatedAt: stored.CreatedAt,
	}
	d.ExistingOffset = &existing
	d.WorkingOffset = nil
	e.state = StateSaved
	return existing, nil
}

// Discard drops the working offset without persisting it and returns to Idle.
func (e *Engine) Discard() error {
	d, err := e.detail()
	if err != nil {
		return err
	}
	d.WorkingOffset = nil
	e.state = StateIdle
	return nil
}
