// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lpc serves and administers labware position check offsets.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLPC/cmd/lpc/config"
	"github.com/AleutianAI/AleutianLPC/pkg/logging"
	"github.com/AleutianAI/AleutianLPC/pkg/ux"
)

// cli holds state shared by every command, filled in by PersistentPreRunE.
type cli struct {
	configPath string
	machine    bool

	cfg      config.LPCConfig
	path     string
	logger   *logging.Logger
	printer  ux.Printer
	loadFunc func(string) (config.LPCConfig, string, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{loadFunc: config.Load}
	rootCmd := &cobra.Command{
		Use:   "lpc",
		Short: "Labware position check offset service",
		Long: `lpc reconciles labware offsets stored on a robot with those recorded in a run,
lets an operator jog and confirm new offsets, and persists them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ~/.aleutian/lpc.yaml)")
	rootCmd.PersistentFlags().BoolVar(&c.machine, "machine", false, "plain, tab-separated output for scripts")

	rootCmd.AddCommand(newServeCmd(c), newOffsetsCmd(c), newRunCmd(c))
	return rootCmd
}

func (c *cli) setup() error {
	cfg, path, err := c.loadFunc(c.configPath)
	if err != nil {
		return err
	}
	c.cfg, c.path = cfg, path

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	c.logger = logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: "lpc",
	})
	slog.SetDefault(c.logger.Slog())

	machine := c.machine || !isatty.IsTerminal(os.Stdout.Fd())
	c.printer = ux.Printer{Out: os.Stdout, Err: os.Stderr, Machine: machine}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
