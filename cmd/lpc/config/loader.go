// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvPort         = "LPC_PORT"
	EnvRobotURL     = "LPC_ROBOT_URL"
	EnvLogLevel     = "LPC_LOG_LEVEL"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DefaultPath returns ~/.aleutian/lpc.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "lpc.yaml"), nil
}

// Load reads the configuration at path, creating a default file first if
// none exists. An empty path means DefaultPath.
func Load(path string) (LPCConfig, string, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return LPCConfig{}, "", err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("first run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return LPCConfig{}, path, err
		}
	}
	cfg, err := read(path)
	if err != nil {
		return LPCConfig{}, path, err
	}
	return cfg, path, nil
}

func read(path string) (LPCConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LPCConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	var cfg LPCConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LPCConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return LPCConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return LPCConfig{}, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides through lookup.
func (c *LPCConfig) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvPort, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvRobotURL); ok {
		c.Robot.BaseURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Watch calls onChange with the reloaded configuration whenever the file at
// path is written or replaced, until ctx ends. Invalid edits are logged and
// skipped.
//
// The parent directory is watched rather than the file, so editors that
// save by renaming a temporary file are seen.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(LPCConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	logger = logger.With(slog.String("component", "config_watcher"), slog.String("path", abs))

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := read(abs)
				if err != nil {
					logger.Warn("config reload skipped", "error", err)
					continue
				}
				logger.Info("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
