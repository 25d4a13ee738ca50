// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

// maxStackDepth bounds the walk down a labware stack.
const maxStackDepth = 16

// Placement is one on-deck position a labware occupies during the run.
type Placement struct {
	LabwareID     string               `json:"labwareId"`
	DefinitionURI string               `json:"definitionUri"`
	Raw           location.RawSequence `json:"raw"`
	Sequence      location.Sequence    `json:"sequence"`
}

// walker tracks the current location of every labware as commands replay.
type walker struct {
	labware map[string]location.LoadedLabware
	modules map[string]location.LoadedModule
	current map[string]Location
	order   []string
	lwList  []location.LoadedLabware
	modList []location.LoadedModule
	seen    map[string]bool
	out     []Placement
}

// Placements replays the analysis and returns every distinct placement.
//
// Description:
//
//	loadLabware and moveLabware commands are replayed in order. After each
//	one, the moved labware and every labware stacked on it get a placement
//	for their new position. Adapters and off-deck positions produce no
//	placement. Placements are deduplicated by (definition URI, sequence),
//	first occurrence first.
//
// Inputs:
//
//	analysis - The completed protocol analysis.
//
// Outputs:
//
//	[]Placement - Distinct placements in command order.
func Placements(analysis Analysis) []Placement {
	w := &walker{
		labware: make(map[string]location.LoadedLabware, len(analysis.Labware)),
		modules: make(map[string]location.LoadedModule, len(analysis.Modules)),
		current: make(map[string]Location),
		seen:    make(map[string]bool),
		lwList:  analysis.Labware,
		modList: append([]location.LoadedModule(nil), analysis.Modules...),
	}
	for _, lw := range analysis.Labware {
		w.labware[lw.ID] = lw
	}
	for _, m := range analysis.Modules {
		w.modules[m.ID] = m
	}

	for _, cmd := range analysis.Commands {
		switch cmd.CommandType {
		case CommandLoadModule:
			w.loadModule(cmd)
		case CommandLoadLabware:
			if cmd.Params.Location == nil || cmd.Result.LabwareID == "" {
				continue
			}
			w.place(cmd.Result.LabwareID, *cmd.Params.Location)
		case CommandMoveLabware:
			if cmd.Params.NewLocation == nil || cmd.Params.LabwareID == "" {
				continue
			}
			w.place(cmd.Params.LabwareID, *cmd.Params.NewLocation)
		}
	}
	return w.out
}

// Targets converts placements into index targets.
func Targets(placements []Placement) []offsets.Target {
	out := make([]offsets.Target, 0, len(placements))
	for _, p := range placements {
		out = append(out, offsets.Target{LabwareURI: p.DefinitionURI, Sequence: p.Sequence})
	}
	return out
}

func (w *walker) loadModule(cmd Command) {
	id := cmd.Result.ModuleID
	if id == "" {
		return
	}
	if _, ok := w.modules[id]; ok {
		return
	}
	m := location.LoadedModule{ID: id, Model: cmd.Params.Model}
	if cmd.Params.Location != nil {
		m.SlotName = cmd.Params.Location.SlotName
		m.AddressableAreaName = cmd.Params.Location.AddressableAreaName
	}
	w.modules[id] = m
	w.modList = append(w.modList, m)
}

func (w *walker) place(labwareID string, loc Location) {
	if _, ok := w.current[labwareID]; !ok {
		w.order = append(w.order, labwareID)
	}
	w.current[labwareID] = loc

	for _, id := range w.order {
		if id != labwareID && !w.restsOn(id, labwareID) {
			continue
		}
		w.emit(id)
	}
}

// restsOn reports whether labware id is stacked, directly or not, on base.
func (w *walker) restsOn(id, base string) bool {
	loc := w.current[id]
	for depth := 0; depth < maxStackDepth && loc.LabwareID != ""; depth++ {
		if loc.LabwareID == base {
			return true
		}
		loc = w.current[loc.LabwareID]
	}
	return false
}

func (w *walker) emit(labwareID string) {
	lw, ok := w.labware[labwareID]
	if !ok || lw.IsAdapter {
		return
	}
	raw, ok := w.rawStack(w.current[labwareID])
	if !ok {
		return
	}
	seq := location.Normalize(raw, w.lwList, w.modList)
	key := offsets.Key(lw.DefinitionURI, seq)
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	w.out = append(w.out, Placement{
		LabwareID:     labwareID,
		DefinitionURI: lw.DefinitionURI,
		Raw:           raw,
		Sequence:      seq,
	})
}

// rawStack derives the raw location stack under a labware sitting at loc,
// nearest component first. ok is false when the stack ends off deck.
func (w *walker) rawStack(loc Location) (location.RawSequence, bool) {
	var raw location.RawSequence
	for depth := 0; depth < maxStackDepth; depth++ {
		switch {
		case loc.OffDeck:
			return nil, false
		case loc.LabwareID != "":
			raw = append(raw, location.OnLabware{LabwareID: loc.LabwareID})
			next, ok := w.current[loc.LabwareID]
			if !ok {
				return nil, false
			}
			loc = next
			continue
		case loc.ModuleID != "":
			raw = append(raw, location.OnModule{ModuleID: loc.ModuleID})
			if m, ok := w.modules[loc.ModuleID]; ok && m.BaseArea() != "" {
				raw = append(raw, location.OnAddressableArea{AddressableAreaName: m.BaseArea()})
			}
			return raw, true
		case loc.AddressableAreaName != "":
			return append(raw, location.OnAddressableArea{AddressableAreaName: loc.AddressableAreaName}), true
		case loc.SlotName != "":
			return append(raw, location.OnAddressableArea{AddressableAreaName: loc.SlotName}), true
		default:
			return nil, false
		}
	}
	return nil, false
}
