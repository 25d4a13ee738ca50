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

// LoadedLabware is a labware instance known to the current protocol run.
type LoadedLabware struct {
	// ID is the protocol-scoped labware id. It changes between runs.
	ID string `json:"id"`

	// DefinitionURI identifies the labware definition,
	// e.g. "opentrons/opentrons_96_tiprack_300ul/1".
	DefinitionURI string `json:"definitionUri"`

	// DisplayName is an optional human-readable name.
	DisplayName string `json:"displayName,omitempty"`

	// IsAdapter marks labware whose only role is to hold other labware.
	IsAdapter bool `json:"isAdapter,omitempty"`
}

// LoadedModule is a hardware module known to the current protocol run.
type LoadedModule struct {
	// ID is the protocol-scoped module id.
	ID string `json:"id"`

	// Model is the module model, e.g. "temperatureModuleV2".
	Model string `json:"model"`

	// SlotName is the deck slot the module is installed in.
	SlotName string `json:"slotName,omitempty"`

	// AddressableAreaName is the module-specific deck area, when the robot
	// reports one (e.g. "temperatureModuleV2D1"). Falls back to SlotName.
	AddressableAreaName string `json:"addressableAreaName,omitempty"`
}

// BaseArea returns the addressable area the module rests on.
func (m LoadedModule) BaseArea() string {
	if m.AddressableAreaName != "" {
		return m.AddressableAreaName
	}
	return m.SlotName
}

// Normalize converts a raw location stack into a canonical Sequence.
//
// Description:
//
//	Module ids resolve to module models and labware ids resolve to
//	definition URIs. Components whose ids are not found in the supplied
//	lists are dropped: location history may reference ids that no longer
//	exist in the current topology. Addressable areas pass through and are
//	moved to the end of the sequence; other components keep their relative
//	order. If the raw stack names more than one addressable area, only the
//	first is kept.
//
// Inputs:
//
//	raw - Raw stack, nearest component first.
//	labware - Labware known to the run.
//	modules - Modules known to the run.
//
// Outputs:
//
//	Sequence - Canonical concrete sequence. Never AnyLocation.
func Normalize(raw []RawComponent, labware []LoadedLabware, modules []LoadedModule) Sequence {
	labwareByID := make(map[string]LoadedLabware, len(labware))
	for _, lw := range labware {
		labwareByID[lw.ID] = lw
	}
	modulesByID := make(map[string]LoadedModule, len(modules))
	for _, m := range modules {
		modulesByID[m.ID] = m
	}

	components := make([]Component, 0, len(raw))
	var area *OnAddressableArea

	for _, rc := range raw {
		switch c := rc.(type) {
		case OnModule:
			if m, ok := modulesByID[c.ModuleID]; ok {
				components = append(components, ModuleComponent{ModuleModel: m.Model})
			}
		case OnLabware:
			if lw, ok := labwareByID[c.LabwareID]; ok {
				components = append(components, LabwareComponent{LabwareURI: lw.DefinitionURI})
			}
		case OnAddressableArea:
			if area == nil {
				a := c
				area = &a
			}
		}
	}

	if area != nil {
		components = append(components, *area)
	}
	return Sequence{components: components}
}

// Details is display data derived from a canonical sequence.
type Details struct {
	ModuleModel         string   `json:"moduleModel,omitempty"`
	AddressableAreaName string   `json:"addressableAreaName,omitempty"`
	StackURIs           []string `json:"stackUris,omitempty"`
}

// Describe extracts display data: the first module model, the base area,
// and the URIs of labware the target is stacked on, nearest first.
func Describe(seq Sequence) Details {
	var d Details
	for _, c := range seq.components {
		switch v := c.(type) {
		case ModuleComponent:
			if d.ModuleModel == "" {
				d.ModuleModel = v.ModuleModel
			}
		case LabwareComponent:
			d.StackURIs = append(d.StackURIs, v.LabwareURI)
		case OnAddressableArea:
			d.AddressableAreaName = v.AddressableAreaName
		}
	}
	return d
}
