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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianLPC/pkg/extensions"
	"github.com/AleutianAI/AleutianLPC/services/lpc/telemetry"
)

// LPCConfig is the on-disk configuration of the lpc command.
type LPCConfig struct {
	// Server: where the HTTP API listens
	Server ServerConfig `yaml:"server"`

	// Robot: the robot whose runs and offsets are managed
	Robot RobotConfig `yaml:"robot"`

	// Database: local offset database used when no robot is configured
	Database DatabaseConfig `yaml:"database"`

	// Session: timeouts and buffers for run sessions
	Session SessionConfig `yaml:"session"`

	// Logging: level and destinations. Level is reloaded on change.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: tracing and metric exporters
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Backup: Google Cloud Storage target for offset backups
	Backup BackupConfig `yaml:"backup"`

	// Auth: bearer tokens for the HTTP API. No tokens means no
	// authentication.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// Audit: the in-memory audit trail of offset changes
	Audit AuditConfig `yaml:"audit"`
}

type ServerConfig struct {
	Host string `yaml:"host"` // e.g. 0.0.0.0
	Port int    `yaml:"port"` // e.g. 31960
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RobotConfig struct {
	// BaseURL of the robot API, e.g. http://10.0.0.12:31950. Empty means
	// offsets are kept in the local database instead.
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	APIVersion        string        `yaml:"api_version"`
}

type DatabaseConfig struct {
	Path       string        `yaml:"path"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type SessionConfig struct {
	OpenTimeout time.Duration `yaml:"open_timeout"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
	EventBuffer int           `yaml:"event_buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // auto, text, json
	Dir    string `yaml:"dir,omitempty"`
}

type BackupConfig struct {
	ProjectID       string `yaml:"project_id,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

type TokenConfig struct {
	Token string   `yaml:"token"`
	User  string   `yaml:"user"`
	Roles []string `yaml:"roles"` // admin, operator, viewer
}

type AuditConfig struct {
	Capacity int `yaml:"capacity"` // events kept in memory
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() LPCConfig {
	return LPCConfig{
		Server: ServerConfig{Host: "0.0.0.0", Port: 31960},
		Robot: RobotConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             5,
			APIVersion:        "*",
		},
		Database: DatabaseConfig{
			Path:       "~/.aleutian/lpc/offsets",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Session: SessionConfig{
			OpenTimeout: 30 * time.Second,
			SaveTimeout: 15 * time.Second,
			EventBuffer: 32,
		},
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: telemetry.DefaultConfig(),
		Backup:    BackupConfig{Prefix: "lpc/backups"},
		Audit:     AuditConfig{Capacity: extensions.DefaultAuditCapacity},
	}
}

// applyDefaults fills zero values left by a partial file.
func (c *LPCConfig) applyDefaults() {
	d := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Robot.Timeout <= 0 {
		c.Robot.Timeout = d.Robot.Timeout
	}
	if c.Robot.RequestsPerSecond <= 0 {
		c.Robot.RequestsPerSecond = d.Robot.RequestsPerSecond
	}
	if c.Robot.Burst <= 0 {
		c.Robot.Burst = d.Robot.Burst
	}
	if c.Robot.APIVersion == "" {
		c.Robot.APIVersion = d.Robot.APIVersion
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Session.OpenTimeout <= 0 {
		c.Session.OpenTimeout = d.Session.OpenTimeout
	}
	if c.Session.SaveTimeout <= 0 {
		c.Session.SaveTimeout = d.Session.SaveTimeout
	}
	if c.Session.EventBuffer <= 0 {
		c.Session.EventBuffer = d.Session.EventBuffer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = d.Telemetry.ServiceVersion
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = d.Telemetry.TraceExporter
	}
	if c.Telemetry.MetricExporter == "" {
		c.Telemetry.MetricExporter = d.Telemetry.MetricExporter
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = d.Telemetry.OTLPEndpoint
	}
	if c.Audit.Capacity <= 0 {
		c.Audit.Capacity = d.Audit.Capacity
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid lpc configuration")

// Validate checks ranges that defaults cannot repair.
func (c LPCConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	roles := []string{extensions.RoleAdmin, extensions.RoleOperator, extensions.RoleViewer}
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.User == "" {
			return fmt.Errorf("%w: auth.tokens[%d] needs token and user", ErrInvalidConfig, i)
		}
		if seen[t.Token] {
			return fmt.Errorf("%w: auth.tokens[%d] duplicates an earlier token", ErrInvalidConfig, i)
		}
		seen[t.Token] = true
		for _, r := range t.Roles {
			if !slices.Contains(roles, r) {
				return fmt.Errorf("%w: auth.tokens[%d] unknown role %q", ErrInvalidConfig, i, r)
			}
		}
	}
	return nil
}

// ExtensionOptions builds the service extension points from the auth and
// audit sections.
func (c LPCConfig) ExtensionOptions(logger *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(c.Audit.Capacity, logger))
	if len(c.Auth.Tokens) == 0 {
		return opts
	}
	tokens := make(map[string]extensions.AuthInfo, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		tokens[t.Token] = extensions.AuthInfo{UserID: t.User, Roles: t.Roles}
	}
	return opts.
		WithAuth(extensions.NewTokenAuthProvider(tokens)).
		WithAuthz(extensions.RoleAuthzProvider{})
}
