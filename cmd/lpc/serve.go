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
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLPC/cmd/lpc/config"
	"github.com/AleutianAI/AleutianLPC/pkg/logging"
	"github.com/AleutianAI/AleutianLPC/services/lpc"
	"github.com/AleutianAI/AleutianLPC/services/lpc/observability"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
	"github.com/AleutianAI/AleutianLPC/services/lpc/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LPC HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "run gin in debug mode")
	return cmd
}

func (c *cli) runServe(parent context.Context, debug bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := c.logger.Slog()

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := telemetry.Init(ctx, c.cfg.Telemetry, reg)
	if err != nil {
		return fmt.Errorf("initialising telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics(reg)

	be, err := openBackend(c.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Warn("closing offset database failed", "error", err)
		}
	}()

	manager := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			Logger:      logger,
			Persister:   be.db,
			Recorder:    metrics,
			EventBuffer: c.cfg.Session.EventBuffer,
			SaveTimeout: c.cfg.Session.SaveTimeout,
		},
		Runs:    be.runs,
		Offsets: be.db,
	})
	svc := lpc.NewService(lpc.ServiceConfig{
		OpenTimeout: c.cfg.Session.OpenTimeout,
		SaveTimeout: c.cfg.Session.SaveTimeout,
		Logger:      logger,
		Extensions:  c.cfg.ExtensionOptions(logger),
	}, manager, be.db)
	defer svc.Shutdown()

	router := lpc.NewRouter(c.cfg.Telemetry.ServiceName, lpc.NewHandlers(svc), metrics, reg)
	if len(c.cfg.Auth.Tokens) == 0 {
		logger.Warn("no auth tokens configured, API is open to the local network")
	}

	if err := config.Watch(ctx, c.path, logger, c.reloadLogLevel); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	srv := &http.Server{
		Addr:              c.cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting LPC server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down LPC server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// reloadLogLevel applies the logging level of a reloaded configuration.
// Other settings take effect on restart.
func (c *cli) reloadLogLevel(cfg config.LPCConfig) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		slog.Warn("ignoring reloaded log level", "error", err)
		return
	}
	c.logger.SetLevel(level)
	slog.Info("log level changed", "level", level.String())
}
