// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package location

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireComponent is the JSON shape of both raw and canonical components.
// Only the fields relevant to Kind are populated.
type wireComponent struct {
	Kind                Kind   `json:"kind"`
	ModuleID            string `json:"moduleId,omitempty"`
	ModuleModel         string `json:"moduleModel,omitempty"`
	LabwareID           string `json:"labwareId,omitempty"`
	LabwareURI          string `json:"labwareUri,omitempty"`
	AddressableAreaName string `json:"addressableAreaName,omitempty"`
}

// MarshalJSON encodes AnyLocation as "anyLocation" and concrete sequences as
// a list of kind-tagged objects.
func (s Sequence) MarshalJSON() ([]byte, error) {
	if s.any {
		return json.Marshal(anyLocationKey)
	}
	out := make([]wireComponent, 0, len(s.components))
	for _, c := range s.components {
		switch v := c.(type) {
		case ModuleComponent:
			out = append(out, wireComponent{Kind: KindOnModule, ModuleModel: v.ModuleModel})
		case LabwareComponent:
			out = append(out, wireComponent{Kind: KindOnLabware, LabwareURI: v.LabwareURI})
		case OnAddressableArea:
			out = append(out, wireComponent{Kind: KindOnAddressableArea, AddressableAreaName: v.AddressableAreaName})
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownKind, c)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes either form and enforces the canonical invariant.
// null is rejected: it is neither AnyLocation nor a concrete sequence.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("%w: null", ErrInvalidSequence)
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var sentinel string
		if err := json.Unmarshal(trimmed, &sentinel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
		}
		if sentinel != anyLocationKey {
			return fmt.Errorf("%w: unexpected string %q", ErrInvalidSequence, sentinel)
		}
		*s = AnyLocation
		return nil
	}

	var wire []wireComponent
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	components := make([]Component, 0, len(wire))
	for _, w := range wire {
		switch w.Kind {
		case KindOnModule:
			components = append(components, ModuleComponent{ModuleModel: w.ModuleModel})
		case KindOnLabware:
			components = append(components, LabwareComponent{LabwareURI: w.LabwareURI})
		case KindOnAddressableArea:
			components = append(components, OnAddressableArea{AddressableAreaName: w.AddressableAreaName})
		default:
			return fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
		}
	}
	seq, err := NewSequence(components...)
	if err != nil {
		return err
	}
	*s = seq
	return nil
}

// RawSequence is a raw location stack as it appears in protocol commands.
type RawSequence []RawComponent

// MarshalJSON encodes the stack as kind-tagged objects.
func (r RawSequence) MarshalJSON() ([]byte, error) {
	out := make([]wireComponent, 0, len(r))
	for _, c := range r {
		switch v := c.(type) {
		case OnModule:
			out = append(out, wireComponent{Kind: KindOnModule, ModuleID: v.ModuleID})
		case OnLabware:
			out = append(out, wireComponent{Kind: KindOnLabware, LabwareID: v.LabwareID})
		case OnAddressableArea:
			out = append(out, wireComponent{Kind: KindOnAddressableArea, AddressableAreaName: v.AddressableAreaName})
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownKind, c)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes kind-tagged objects. Unknown kinds (for example
// "notOnDeck" or cutout fixtures) are skipped; they never contribute to an
// offset key.
func (r *RawSequence) UnmarshalJSON(data []byte) error {
	var wire []wireComponent
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	out := make(RawSequence, 0, len(wire))
	for _, w := range wire {
		switch w.Kind {
		case KindOnModule:
			out = append(out, OnModule{ModuleID: w.ModuleID})
		case KindOnLabware:
			out = append(out, OnLabware{LabwareID: w.LabwareID})
		case KindOnAddressableArea:
			out = append(out, OnAddressableArea{AddressableAreaName: w.AddressableAreaName})
		}
	}
	*r = out
	return nil
}
