// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/reconcile"
)

func machinePrinter() (Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return Printer{Out: &out, Err: &errOut, Machine: true}, &out, &errOut
}

func TestLocationLabel(t *testing.T) {
	tests := []struct {
		name string
		seq  location.Sequence
		want string
	}{
		{"any", location.AnyLocation, "any location"},
		{"slot", location.Slot("C2"), "C2"},
		{"module and stack", location.MustSequence(
			location.LabwareComponent{LabwareURI: "adapter/1"},
			location.ModuleComponent{ModuleModel: "temperatureModuleV2"},
			location.OnAddressableArea{AddressableAreaName: "B1"},
		), "B1 · temperatureModuleV2 · on adapter/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LocationLabel(tt.seq); got != tt.want {
				t.Errorf("LocationLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrinter_Offsets_Machine(t *testing.T) {
	p, out, _ := machinePrinter()
	p.Offsets([]offsets.LabwareOffset{{
		ID:               "off-1",
		DefinitionURI:    "opentrons/tiprack/1",
		LocationSequence: location.Slot("C2"),
		Vector:           offsets.Vector{X: 0.5, Y: -0.2},
		CreatedAt:        time.Date(2025, 7, 4, 10, 0, 0, 0, time.UTC),
	}})

	fields := strings.Split(strings.TrimSpace(out.String()), "\t")
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %q", out.String())
	}
	if fields[0] != "off-1" || fields[2] != "C2" || fields[3] != "X 0.5 Y -0.2 Z 0.0" {
		t.Errorf("unexpected row %q", fields)
	}
}

func TestPrinter_Offsets_Empty(t *testing.T) {
	p, out, _ := machinePrinter()
	p.Offsets(nil)
	if strings.TrimSpace(out.String()) != "no offsets stored" {
		t.Errorf("got %q", out.String())
	}
}

func TestPrinter_Labware_StyledTable(t *testing.T) {
	var out bytes.Buffer
	p := Printer{Out: &out, Err: &out}

	confirmed := offsets.Vector{Z: 1}
	info := offsets.Build([]offsets.Target{{LabwareURI: "A", Sequence: location.Slot("D1")}}, nil)
	d, ok := info.Lookup("A", location.Slot("D1"))
	if !ok {
		t.Fatal("target entry missing")
	}
	d.WorkingOffset = &offsets.WorkingOffset{JogVector: confirmed, ConfirmedVector: &confirmed}

	p.Labware(info)
	s := out.String()
	for _, want := range []string{"LABWARE", "any location", "D1", "X 0.0 Y 0.0 Z 1.0 (confirmed)"} {
		if !strings.Contains(s, want) {
			t.Errorf("table missing %q:\n%s", want, s)
		}
	}
}

func TestPrinter_Conflicts(t *testing.T) {
	p, out, _ := machinePrinter()
	p.Conflicts([]reconcile.Conflict{{
		LabwareURI: "A",
		Sequence:   location.AnyLocation,
		Run:        offsets.LabwareOffset{Vector: offsets.Vector{X: 2, Y: 2, Z: 2}},
		Database:   offsets.LabwareOffset{Vector: offsets.Vector{X: 1, Y: 1, Z: 1}},
	}})
	want := "A\tany location\tX 2.0 Y 2.0 Z 2.0\tX 1.0 Y 1.0 Z 1.0\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestPrinter_Placements_SortedByID(t *testing.T) {
	p, out, _ := machinePrinter()
	p.Placements([]protocol.Placement{
		{LabwareID: "lw-b", DefinitionURI: "B", Sequence: location.Slot("C2")},
		{LabwareID: "lw-a", DefinitionURI: "A", Sequence: location.Slot("D1")},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "lw-a") {
		t.Errorf("unexpected order: %q", lines)
	}
}

func TestPrinter_MessagesMachineMode(t *testing.T) {
	p, out, errOut := machinePrinter()
	p.Title("ignored")
	p.Success("saved")
	p.Warning("careful")
	p.Error("broken")
	p.Box("Run", "run-1")

	if got := out.String(); got != "OK: saved\nRun: run-1\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := errOut.String(); got != "WARN: careful\nERROR: broken\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestIcon_Render(t *testing.T) {
	for _, i := range []Icon{IconSuccess, IconWarning, IconError, IconPending} {
		if !strings.Contains(i.Render(), string(i)) {
			t.Errorf("%q.Render() lost the glyph", i)
		}
	}
}
