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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLPC/cmd/lpc/config"
	"github.com/AleutianAI/AleutianLPC/pkg/logging"
	"github.com/AleutianAI/AleutianLPC/pkg/ux"
	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

const tiprack = "opentrons/opentrons_flex_96_tiprack_200ul/1"

// testCLI returns a cli wired to a fresh local database, with machine
// output captured in out and errOut.
func testCLI(t *testing.T) (c *cli, out, errOut *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "offsets")
	cfg.Database.SyncWrites = false
	cfg.Database.GCInterval = 0

	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	c = &cli{
		cfg:     cfg,
		logger:  logging.New(logging.Config{Output: io.Discard}),
		printer: ux.Printer{Out: out, Err: errOut, Machine: true},
	}
	t.Cleanup(func() { _ = c.logger.Close() })
	return c, out, errOut
}

func seed(t *testing.T, c *cli, in ...offsets.NewOffset) []offsets.LabwareOffset {
	t.Helper()
	be, err := openLocal(c.cfg, c.logger.Slog())
	require.NoError(t, err)
	defer be.Close()
	var saved []offsets.LabwareOffset
	for _, o := range in {
		rec, err := be.local.SaveOffset(context.Background(), o)
		require.NoError(t, err)
		saved = append(saved, rec)
	}
	return saved
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "lpc"), expandHome("~/lpc"))
	assert.Equal(t, "/var/lib/lpc", expandHome("/var/lib/lpc"))
	assert.Equal(t, "", expandHome(""))
}

func TestOpenBackend_LocalWithoutRobot(t *testing.T) {
	c, _, _ := testCLI(t)

	be, err := openBackend(c.cfg, c.logger.Slog())
	require.NoError(t, err)
	defer be.Close()

	assert.Nil(t, be.runs)
	assert.NotNil(t, be.local)
	_, err = be.fetchRun(context.Background(), "run-1")
	assert.ErrorIs(t, err, errNoRobot)
}

func TestOffsetsListAndDelete(t *testing.T) {
	c, out, _ := testCLI(t)
	saved := seed(t, c,
		offsets.NewOffset{DefinitionURI: tiprack, LocationSequence: location.Slot("C2"), Vector: offsets.Vector{X: 0.5, Y: -0.2}},
	)

	require.NoError(t, execute(t, newOffsetsCmd(c), "list"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	assert.Equal(t, saved[0].ID, fields[0])
	assert.Equal(t, tiprack, fields[1])
	assert.Equal(t, "X 0.5 Y -0.2 Z 0.0", fields[3])

	out.Reset()
	require.NoError(t, execute(t, newOffsetsCmd(c), "delete", saved[0].ID))
	assert.Contains(t, out.String(), "OK: deleted offset "+saved[0].ID)

	out.Reset()
	require.NoError(t, execute(t, newOffsetsCmd(c), "list"))
	assert.Equal(t, "no offsets stored\n", out.String())

	assert.Error(t, execute(t, newOffsetsCmd(c), "delete", "missing"))
}

func TestOffsetsBackupAndRestore(t *testing.T) {
	src, out, _ := testCLI(t)
	seed(t, src,
		offsets.NewOffset{DefinitionURI: tiprack, LocationSequence: location.Slot("C2"), Vector: offsets.Vector{X: 1}},
		offsets.NewOffset{DefinitionURI: tiprack, LocationSequence: location.AnyLocation, Vector: offsets.Vector{Z: 0.3}},
	)

	require.NoError(t, execute(t, newOffsetsCmd(src), "backup"))
	var dumped []offsets.LabwareOffset
	require.NoError(t, json.Unmarshal(out.Bytes(), &dumped))
	assert.Len(t, dumped, 2)

	file := filepath.Join(t.TempDir(), "backup.json")
	out.Reset()
	require.NoError(t, execute(t, newOffsetsCmd(src), "backup", "--file", file))
	assert.Contains(t, out.String(), "wrote 2 offsets")

	dst, dstOut, _ := testCLI(t)
	require.NoError(t, execute(t, newOffsetsCmd(dst), "restore", file))
	assert.Contains(t, dstOut.String(), "restored 2 offsets")

	be, err := openLocal(dst.cfg, dst.logger.Slog())
	require.NoError(t, err)
	defer be.Close()
	restored, err := be.db.ListOffsets(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, dumped, restored)
}

func TestFixedPrompter(t *testing.T) {
	src, err := fixedPrompter(offsets.SourceDatabase).ChooseSource(context.Background(), "run-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, offsets.SourceDatabase, src)

	_, err = fixedPrompter("").ChooseSource(context.Background(), "run-1", nil, nil)
	assert.ErrorContains(t, err, "invalid source")
}

func writeRecord(t *testing.T, runVector offsets.Vector) string {
	t.Helper()
	rec := session.RunRecord{
		RunID: "run-7",
		Analysis: protocol.Analysis{
			Labware: []location.LoadedLabware{{ID: "lw-tips", DefinitionURI: tiprack}},
			Commands: []protocol.Command{{
				CommandType: protocol.CommandLoadLabware,
				Params:      protocol.CommandParams{Location: &protocol.Location{SlotName: "D1"}},
				Result:      protocol.CommandResult{LabwareID: "lw-tips"},
			}},
		},
		Offsets: []offsets.LabwareOffset{{
			ID:               "run-offset",
			DefinitionURI:    tiprack,
			LocationSequence: location.Slot("D1"),
			Vector:           runVector,
			CreatedAt:        time.Now().UTC(),
		}},
	}
	path := filepath.Join(t.TempDir(), "run.json")
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestRunInspect(t *testing.T) {
	t.Run("conflict resolved by flag", func(t *testing.T) {
		c, out, errOut := testCLI(t)
		seed(t, c, offsets.NewOffset{DefinitionURI: tiprack, LocationSequence: location.Slot("D1"), Vector: offsets.Vector{X: 1, Y: 1, Z: 1}})
		record := writeRecord(t, offsets.Vector{X: 2, Y: 2, Z: 2})

		require.NoError(t, execute(t, newRunCmd(c), "inspect", "--record", record, "--source", "fromDatabase"))
		assert.Contains(t, errOut.String(), "WARN: 1 offsets differ")
		assert.Contains(t, out.String(), "lw-tips\t"+tiprack)
		assert.Contains(t, out.String(), "using fromDatabase offsets")
		assert.Contains(t, out.String(), "X 1.0 Y 1.0 Z 1.0")
	})

	t.Run("conflict without source in machine mode", func(t *testing.T) {
		c, _, _ := testCLI(t)
		seed(t, c, offsets.NewOffset{DefinitionURI: tiprack, LocationSequence: location.Slot("D1"), Vector: offsets.Vector{X: 1}})
		record := writeRecord(t, offsets.Vector{X: 2})

		err := execute(t, newRunCmd(c), "inspect", "--record", record)
		assert.ErrorContains(t, err, "invalid source")
	})

	t.Run("no conflict", func(t *testing.T) {
		c, out, errOut := testCLI(t)
		record := writeRecord(t, offsets.Vector{Y: 0.4})

		require.NoError(t, execute(t, newRunCmd(c), "inspect", "--record", record))
		assert.Empty(t, errOut.String())
		assert.Contains(t, out.String(), "X 0.0 Y 0.4 Z 0.0")
	})

	t.Run("run id without robot", func(t *testing.T) {
		c, _, _ := testCLI(t)
		assert.ErrorIs(t, execute(t, newRunCmd(c), "inspect", "run-7"), errNoRobot)
	})

	t.Run("nothing to inspect", func(t *testing.T) {
		c, _, _ := testCLI(t)
		assert.Error(t, execute(t, newRunCmd(c), "inspect"))
	})
}
