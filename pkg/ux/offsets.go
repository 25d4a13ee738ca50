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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/reconcile"
)

// LocationLabel renders a sequence for operators, e.g. "C2" or
// "B1 · temperatureModuleV2 · on adapter/1".
func LocationLabel(seq location.Sequence) string {
	if seq.IsAny() {
		return "any location"
	}
	d := location.Describe(seq)
	parts := []string{d.AddressableAreaName}
	if d.ModuleModel != "" {
		parts = append(parts, d.ModuleModel)
	}
	if len(d.StackURIs) > 0 {
		parts = append(parts, "on "+strings.Join(d.StackURIs, ", "))
	}
	return strings.Join(parts, " · ")
}

// render prints rows as a bordered table, or as tab-separated lines in
// machine mode.
func (p Printer) render(headers []string, rows [][]string) {
	if p.Machine {
		for _, r := range rows {
			fmt.Fprintln(p.Out, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.Out, t.Render())
}

// Offsets prints stored offsets, oldest first.
func (p Printer) Offsets(list []offsets.LabwareOffset) {
	if len(list) == 0 {
		p.Info("no offsets stored")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, o := range list {
		rows = append(rows, []string{
			o.ID,
			o.DefinitionURI,
			LocationLabel(o.LocationSequence),
			offsets.FormatVector(o.Vector),
			o.CreatedAt.Local().Format(time.DateTime),
		})
	}
	p.render([]string{"ID", "LABWARE", "LOCATION", "VECTOR", "CREATED"}, rows)
}

// Labware prints every entry of an offset index with its existing and
// working state.
func (p Printer) Labware(info offsets.LabwareInfo) {
	var rows [][]string
	for _, uri := range info.URIs() {
		lw := info[uri]
		rows = append(rows, detailRow(uri, lw.DefaultOffsetDetails))
		for _, d := range lw.LocationSpecificOffsetDetails {
			rows = append(rows, detailRow(uri, d))
		}
	}
	p.render([]string{"LABWARE", "LOCATION", "EXISTING", "WORKING"}, rows)
}

func detailRow(uri string, d offsets.OffsetDetail) []string {
	existing := "-"
	if d.ExistingOffset != nil {
		existing = offsets.FormatVector(d.ExistingOffset.Vector)
	}
	working := "-"
	if w := d.WorkingOffset; w != nil {
		switch {
		case w.ConfirmedVector != nil:
			working = offsets.FormatVector(*w.ConfirmedVector) + " (confirmed)"
		default:
			working = offsets.FormatVector(w.JogVector)
		}
	}
	return []string{uri, LocationLabel(d.LocationDetails.Sequence), existing, working}
}

// Conflicts prints the pairs whose run and database vectors differ.
func (p Printer) Conflicts(conflicts []reconcile.Conflict) {
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			c.LabwareURI,
			LocationLabel(c.Sequence),
			offsets.FormatVector(c.Run.Vector),
			offsets.FormatVector(c.Database.Vector),
		})
	}
	p.render([]string{"LABWARE", "LOCATION", "FROM RUN", "FROM DATABASE"}, rows)
}

// Placements prints where each labware is checked, ordered by labware id.
func (p Printer) Placements(placements []protocol.Placement) {
	sorted := append([]protocol.Placement(nil), placements...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LabwareID < sorted[j].LabwareID
	})
	rows := make([][]string, 0, len(sorted))
	for _, pl := range sorted {
		rows = append(rows, []string{pl.LabwareID, pl.DefinitionURI, LocationLabel(pl.Sequence)})
	}
	p.render([]string{"LABWARE ID", "DEFINITION", "LOCATION"}, rows)
}
