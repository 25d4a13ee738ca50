// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package location models where a piece of labware physically sits on the deck.
//
// A placement is described as a stack of components: the labware may rest on
// another labware (an adapter), which may rest on a module, which always rests
// on exactly one addressable area of the deck.
//
// Two forms exist:
//
//   - Raw components reference live protocol ids (module id, labware id).
//   - Canonical components reference stable definition data (module model,
//     labware definition URI) and are what offsets are keyed by.
//
// Normalize converts the former into a Sequence of the latter.
//
// # Thread Safety
//
// Sequence values are immutable after construction and safe to share.
package location

import (
	"strconv"
	"strings"
)

// Kind identifies a location component variant.
type Kind string

const (
	// KindOnModule is a component resting on a module.
	KindOnModule Kind = "onModule"

	// KindOnLabware is a component resting on another labware.
	KindOnLabware Kind = "onLabware"

	// KindOnAddressableArea is the deck area at the base of every stack.
	KindOnAddressableArea Kind = "onAddressableArea"
)

// =============================================================================
// Raw components
// =============================================================================

// RawComponent is one element of a location stack as recorded by the protocol
// engine. Implementations: OnModule, OnLabware, OnAddressableArea.
type RawComponent interface {
	rawKind() Kind
}

// OnModule references a module by its protocol id.
type OnModule struct {
	ModuleID string `json:"moduleId"`
}

// OnLabware references a labware (typically an adapter) by its protocol id.
type OnLabware struct {
	LabwareID string `json:"labwareId"`
}

// OnAddressableArea references a static deck area such as "C2" or
// "temperatureModuleV2D1". It is valid in both raw and canonical sequences.
type OnAddressableArea struct {
	AddressableAreaName string `json:"addressableAreaName"`
}

func (OnModule) rawKind() Kind          { return KindOnModule }
func (OnLabware) rawKind() Kind         { return KindOnLabware }
func (OnAddressableArea) rawKind() Kind { return KindOnAddressableArea }

// =============================================================================
// Canonical components
// =============================================================================

// Component is one element of a canonical Sequence.
// Implementations: ModuleComponent, LabwareComponent, OnAddressableArea.
type Component interface {
	Kind() Kind
	key() string
}

// ModuleComponent is a resolved OnModule.
type ModuleComponent struct {
	ModuleModel string `json:"moduleModel"`
}

// LabwareComponent is a resolved OnLabware.
type LabwareComponent struct {
	LabwareURI string `json:"labwareUri"`
}

// Kind implements Component.
func (ModuleComponent) Kind() Kind { return KindOnModule }

// Kind implements Component.
func (LabwareComponent) Kind() Kind { return KindOnLabware }

// Kind implements Component.
func (OnAddressableArea) Kind() Kind { return KindOnAddressableArea }

func (c ModuleComponent) key() string   { return string(KindOnModule) + "=" + strconv.Quote(c.ModuleModel) }
func (c LabwareComponent) key() string  { return string(KindOnLabware) + "=" + strconv.Quote(c.LabwareURI) }
func (c OnAddressableArea) key() string { return string(KindOnAddressableArea) + "=" + strconv.Quote(c.AddressableAreaName) }

// =============================================================================
// Sequence
// =============================================================================

// anyLocationKey is the Key and wire form of AnyLocation.
const anyLocationKey = "anyLocation"

// Sequence is the canonical offset location sequence used as a lookup and
// persistence key.
//
// The zero value is an empty concrete sequence. AnyLocation is a distinct
// sentinel that never equals a concrete sequence, including the empty one.
type Sequence struct {
	any        bool
	components []Component
}

// AnyLocation denotes a default offset that applies regardless of placement.
var AnyLocation = Sequence{any: true}

// NewSequence builds a concrete sequence and validates the canonical
// invariant: at most one addressable area component, and if present it is last.
func NewSequence(components ...Component) (Sequence, error) {
	for i, c := range components {
		if c == nil {
			return Sequence{}, ErrNilComponent
		}
		if c.Kind() == KindOnAddressableArea && i != len(components)-1 {
			return Sequence{}, ErrAreaNotLast
		}
	}
	out := make([]Component, len(components))
	copy(out, components)
	return Sequence{components: out}, nil
}

// MustSequence is NewSequence for static inputs. It panics on invalid input.
func MustSequence(components ...Component) Sequence {
	seq, err := NewSequence(components...)
	if err != nil {
		panic(err)
	}
	return seq
}

// Slot is shorthand for the single-component sequence of a bare deck area.
func Slot(area string) Sequence {
	return Sequence{components: []Component{OnAddressableArea{AddressableAreaName: area}}}
}

// IsAny reports whether s is the AnyLocation sentinel.
func (s Sequence) IsAny() bool {
	return s.any
}

// Len returns the number of components. AnyLocation has length zero.
func (s Sequence) Len() int {
	return len(s.components)
}

// Components returns a copy of the component list.
func (s Sequence) Components() []Component {
	out := make([]Component, len(s.components))
	copy(out, s.components)
	return out
}

// AddressableArea returns the base deck area, if the sequence has one.
func (s Sequence) AddressableArea() (string, bool) {
	if len(s.components) == 0 {
		return "", false
	}
	if area, ok := s.components[len(s.components)-1].(OnAddressableArea); ok {
		return area.AddressableAreaName, true
	}
	return "", false
}

// Equal reports order-sensitive structural equality.
func (s Sequence) Equal(other Sequence) bool {
	if s.any || other.any {
		return s.any == other.any
	}
	if len(s.components) != len(other.components) {
		return false
	}
	for i := range s.components {
		if !componentEqual(s.components[i], other.components[i]) {
			return false
		}
	}
	return true
}

func componentEqual(a, b Component) bool {
	switch av := a.(type) {
	case ModuleComponent:
		bv, ok := b.(ModuleComponent)
		return ok && av.ModuleModel == bv.ModuleModel
	case LabwareComponent:
		bv, ok := b.(LabwareComponent)
		return ok && av.LabwareURI == bv.LabwareURI
	case OnAddressableArea:
		bv, ok := b.(OnAddressableArea)
		return ok && av.AddressableAreaName == bv.AddressableAreaName
	default:
		return false
	}
}

// Key returns a stable string form. Two sequences have the same key iff they
// are Equal.
func (s Sequence) Key() string {
	if s.any {
		return anyLocationKey
	}
	parts := make([]string, len(s.components))
	for i, c := range s.components {
		parts[i] = c.key()
	}
	return "[" + strings.Join(parts, "|") + "]"
}

// String implements fmt.Stringer.
func (s Sequence) String() string {
	return s.Key()
}
