// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricExporter = "none"
	shutdown, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_PrometheusRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), DefaultConfig(), reg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	_, err := Init(context.Background(), cfg, prometheus.NewRegistry())
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.MetricExporter = "fax"
	_, err = Init(context.Background(), cfg, prometheus.NewRegistry())
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestTraceHelpers(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	logger := slog.Default()
	assert.Same(t, logger, LoggerWithTrace(context.Background(), logger))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.Len(t, TraceID(ctx), 32)
	assert.NotSame(t, logger, LoggerWithTrace(ctx, logger))
}
