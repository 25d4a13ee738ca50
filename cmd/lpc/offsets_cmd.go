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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLPC/cmd/lpc/gcs"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

func newOffsetsCmd(c *cli) *cobra.Command {
	offsetsCmd := &cobra.Command{
		Use:   "offsets",
		Short: "List, delete, back up and restore stored offsets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored offsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(func(be *backend) error {
				list, err := be.db.ListOffsets(cmd.Context())
				if err != nil {
					return err
				}
				c.printer.Offsets(list)
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [offset-id]",
		Short: "Delete a stored offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(func(be *backend) error {
				if err := be.db.DeleteOffset(cmd.Context(), args[0]); err != nil {
					return err
				}
				c.printer.Success("deleted offset " + args[0])
				return nil
			})
		},
	}

	var (
		backupFile string
		upload     bool
	)
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Write stored offsets as JSON to a file or stdout, optionally uploading to GCS",
		Long: `Writes every stored offset as a JSON array. With --upload the backup is also
copied to the Google Cloud Storage bucket named in the backup section of the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(func(be *backend) error {
				return c.runBackup(cmd.Context(), be, backupFile, upload)
			})
		},
	}
	backupCmd.Flags().StringVarP(&backupFile, "file", "f", "", "write the backup to this file instead of stdout")
	backupCmd.Flags().BoolVar(&upload, "upload", false, "upload the backup to the configured GCS bucket")

	restoreCmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Load a backup into the local offset database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := openLocal(c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer be.Close()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := be.local.Import(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("restored %d offsets before failing: %w", n, err)
			}
			c.printer.Success(fmt.Sprintf("restored %d offsets", n))
			return nil
		},
	}

	offsetsCmd.AddCommand(listCmd, deleteCmd, backupCmd, restoreCmd)
	return offsetsCmd
}

func (c *cli) withBackend(fn func(*backend) error) error {
	be, err := openBackend(c.cfg, c.logger.Slog())
	if err != nil {
		return err
	}
	defer be.Close()
	return fn(be)
}

// exportOffsets writes every offset in be as a JSON array. The local
// database exports itself; robot offsets are listed and encoded the same way.
func exportOffsets(ctx context.Context, be *backend, w io.Writer) (int, error) {
	if be.local != nil {
		return be.local.Export(ctx, w)
	}
	list, err := be.db.ListOffsets(ctx)
	if err != nil {
		return 0, err
	}
	if list == nil {
		list = []offsets.LabwareOffset{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		return 0, fmt.Errorf("export offsets: %w", err)
	}
	return len(list), nil
}

func (c *cli) runBackup(ctx context.Context, be *backend, file string, upload bool) error {
	var buf bytes.Buffer
	n, err := exportOffsets(ctx, be, &buf)
	if err != nil {
		return err
	}

	if file != "" {
		if err := os.WriteFile(file, buf.Bytes(), 0640); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
		c.printer.Success(fmt.Sprintf("wrote %d offsets to %s", n, file))
	} else if !upload {
		_, err := c.printer.Out.Write(buf.Bytes())
		return err
	}

	if !upload {
		return nil
	}
	bc := c.cfg.Backup
	client, err := gcs.NewClient(ctx, bc.ProjectID, bc.Bucket, expandHome(bc.CredentialsFile))
	if err != nil {
		return err
	}
	defer client.Close()
	uri, err := client.Upload(ctx, &buf, gcs.ObjectName(bc.Prefix, time.Now()))
	if err != nil {
		return err
	}
	c.printer.Success(fmt.Sprintf("uploaded %d offsets to %s", n, uri))
	return nil
}
