// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

// huhPrompter asks the operator on the terminal which offset source to
// trust.
type huhPrompter struct{}

var _ session.Prompter = huhPrompter{}

func (huhPrompter) ChooseSource(ctx context.Context, runID string, run, database []offsets.LabwareOffset) (offsets.Source, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Offsets for run "+runID+" differ from the robot database").
				Description("Choose which set of offsets to use for this run.").
				Options(
					huh.NewOption(fmt.Sprintf("Run offsets (%d)", len(run)), string(offsets.SourceRun)),
					huh.NewOption(fmt.Sprintf("Database offsets (%d)", len(database)), string(offsets.SourceDatabase)),
				).
				Value(&choice),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return offsets.Source(choice), nil
}

// fixedPrompter answers with a source given on the command line.
type fixedPrompter offsets.Source

func (p fixedPrompter) ChooseSource(context.Context, string, []offsets.LabwareOffset, []offsets.LabwareOffset) (offsets.Source, error) {
	src := offsets.Source(p)
	if !src.Valid() {
		return "", fmt.Errorf("invalid source %q: want %s or %s", p, offsets.SourceRun, offsets.SourceDatabase)
	}
	return src, nil
}
