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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

func newRunCmd(c *cli) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect the offsets a run would use",
	}

	var (
		recordFile string
		source     string
	)
	inspectCmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Reconcile a run's offsets with the database and show the result",
		Long: `Loads a run from the robot, or from --record, and reconciles its offsets with
the offset database. When the two disagree you are asked which to use unless
--source is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && recordFile == "" {
				return fmt.Errorf("a run id or --record is required")
			}
			return c.withBackend(func(be *backend) error {
				rec, err := loadRecord(cmd.Context(), be, args, recordFile)
				if err != nil {
					return err
				}
				var p session.Prompter = huhPrompter{}
				if source != "" {
					p = fixedPrompter(source)
				} else if c.printer.Machine {
					p = fixedPrompter("")
				}
				return c.inspect(cmd.Context(), be, rec, p)
			})
		},
	}
	inspectCmd.Flags().StringVar(&recordFile, "record", "", "read the run record from this JSON file")
	inspectCmd.Flags().StringVar(&source, "source", "", "offset source when run and database differ (fromRun or fromDatabase)")

	runCmd.AddCommand(inspectCmd)
	return runCmd
}

func loadRecord(ctx context.Context, be *backend, args []string, file string) (session.RunRecord, error) {
	if file == "" {
		return be.fetchRun(ctx, args[0])
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return session.RunRecord{}, err
	}
	var rec session.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return session.RunRecord{}, fmt.Errorf("parsing run record %s: %w", file, err)
	}
	if len(args) > 0 {
		rec.RunID = args[0]
	}
	return rec, nil
}

func (c *cli) inspect(ctx context.Context, be *backend, rec session.RunRecord, p session.Prompter) error {
	database, err := be.db.ListOffsets(ctx)
	if err != nil {
		return fmt.Errorf("listing database offsets: %w", err)
	}
	sess, err := session.New(ctx, session.Config{Logger: c.logger.Slog()}, rec, database)
	if err != nil {
		return err
	}
	defer sess.Close()

	c.printer.Title("Run " + rec.RunID)
	c.printer.Placements(sess.Placements())

	if sess.Status().RequiresUserChoice {
		conflict := sess.Conflict()
		c.printer.Warning(fmt.Sprintf("%d offsets differ between the run and the database", len(conflict.Conflicts)))
		c.printer.Conflicts(conflict.Conflicts)
		src, err := sess.AwaitSource(ctx, p)
		if err != nil {
			return err
		}
		c.printer.Info("using " + string(src) + " offsets")
	}

	info, err := sess.Snapshot()
	if err != nil {
		return err
	}
	c.printer.Labware(info)
	return nil
}
