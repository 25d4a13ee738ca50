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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianLPC/cmd/lpc/config"
	"github.com/AleutianAI/AleutianLPC/services/lpc"
	"github.com/AleutianAI/AleutianLPC/services/lpc/robot"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
	"github.com/AleutianAI/AleutianLPC/services/lpc/store"
)

// offsetDatabase is where offsets are read from and saved to: the robot
// when one is configured, else the local database.
type offsetDatabase interface {
	lpc.OffsetDatabase
	session.Persister
}

// backend bundles the data sources selected by configuration.
type backend struct {
	// runs is nil when no robot is configured; sessions then need inline
	// run records.
	runs   session.RunSource
	db     offsetDatabase
	local  *store.Store
	closer func() error
}

func (b *backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// openBackend connects to the robot named in cfg or opens the local
// offset database.
func openBackend(cfg config.LPCConfig, logger *slog.Logger) (*backend, error) {
	if cfg.Robot.BaseURL != "" {
		client, err := robot.New(robot.Config{
			BaseURL:           cfg.Robot.BaseURL,
			Timeout:           cfg.Robot.Timeout,
			RequestsPerSecond: cfg.Robot.RequestsPerSecond,
			Burst:             cfg.Robot.Burst,
			APIVersion:        cfg.Robot.APIVersion,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using robot offset database", "robot", cfg.Robot.BaseURL)
		return &backend{runs: client, db: client}, nil
	}
	return openLocal(cfg, logger)
}

// openLocal opens the local offset database regardless of robot settings.
func openLocal(cfg config.LPCConfig, logger *slog.Logger) (*backend, error) {
	dbCfg := store.DefaultConfig(expandHome(cfg.Database.Path))
	dbCfg.SyncWrites = cfg.Database.SyncWrites
	dbCfg.GCInterval = cfg.Database.GCInterval
	dbCfg.Logger = logger
	db, err := store.OpenDB(dbCfg)
	if err != nil {
		return nil, err
	}
	st := store.New(db, logger)
	logger.Info("using local offset database", "path", dbCfg.Path)
	return &backend{db: st, local: st, closer: db.Close}, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// errNoRobot is returned by commands that need a robot when none is
// configured.
var errNoRobot = errors.New("no robot configured: set robot.base_url or LPC_ROBOT_URL")

func (b *backend) fetchRun(ctx context.Context, runID string) (session.RunRecord, error) {
	if b.runs == nil {
		return session.RunRecord{}, errNoRobot
	}
	rec, err := b.runs.FetchRun(ctx, runID)
	if err != nil {
		return session.RunRecord{}, fmt.Errorf("fetching run %s: %w", runID, err)
	}
	return rec, nil
}
