// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol reads the subset of a protocol analysis needed to place
// labware on the deck: module loads, labware loads and labware moves.
//
// The analysis itself is produced upstream and treated as opaque input. This
// package only walks its commands in order and reports every on-deck
// position each labware occupies.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
)

// Command types the walker understands. Everything else is ignored.
const (
	CommandLoadModule  = "loadModule"
	CommandLoadLabware = "loadLabware"
	CommandMoveLabware = "moveLabware"
)

// offDeck is the wire form of an off-deck location.
const offDeck = "offDeck"

// Analysis is a completed protocol analysis.
type Analysis struct {
	Labware  []location.LoadedLabware `json:"labware"`
	Modules  []location.LoadedModule  `json:"modules"`
	Commands []Command                `json:"commands"`
}

// Command is one protocol engine command.
type Command struct {
	ID          string        `json:"id,omitempty"`
	CommandType string        `json:"commandType"`
	Params      CommandParams `json:"params"`
	Result      CommandResult `json:"result"`
}

// CommandParams holds the params fields used by the walker.
type CommandParams struct {
	Location    *Location `json:"location,omitempty"`
	NewLocation *Location `json:"newLocation,omitempty"`
	LabwareID   string    `json:"labwareId,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// CommandResult holds the result fields used by the walker.
type CommandResult struct {
	LabwareID string `json:"labwareId,omitempty"`
	ModuleID  string `json:"moduleId,omitempty"`
}

// Location is a labware or module location as written by the protocol
// engine. Exactly one field is set.
type Location struct {
	SlotName            string `json:"slotName,omitempty"`
	AddressableAreaName string `json:"addressableAreaName,omitempty"`
	ModuleID            string `json:"moduleId,omitempty"`
	LabwareID           string `json:"labwareId,omitempty"`
	OffDeck             bool   `json:"-"`
}

// MarshalJSON writes "offDeck" for off-deck locations and an object otherwise.
func (l Location) MarshalJSON() ([]byte, error) {
	if l.OffDeck {
		return json.Marshal(offDeck)
	}
	type plain Location
	return json.Marshal(plain(l))
}

// UnmarshalJSON accepts either the "offDeck" string or an object.
func (l *Location) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s != offDeck {
			return fmt.Errorf("unsupported location %q", s)
		}
		*l = Location{OffDeck: true}
		return nil
	}
	type plain Location
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*l = Location(p)
	return nil
}
