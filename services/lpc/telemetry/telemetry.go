// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry SDK for the LPC service.
//
// Traces go to an OTLP collector or stdout. Metrics recorded through
// otel.Meter (for example by the robot client) are exported through the
// Prometheus registry the service already scrapes, or printed to stdout.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownExporter indicates an exporter name this package does not know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Config selects exporters. "none" disables a signal.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter"`

	// OTLPEndpoint is the collector address, e.g. "localhost:4317".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig disables tracing and exports metrics through Prometheus.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "aleutian-lpc",
		ServiceVersion: "0.1.0",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

// Init installs global tracer and meter providers.
//
// Description:
//
//	The returned shutdown flushes and stops every provider that was
//	installed. It must be called on exit.
//
// Inputs:
//
//	ctx - Used for exporter connections.
//	cfg - Exporter selection.
//	reg - Registerer for the Prometheus metric exporter. Nil uses the
//	  default registerer.
//
// Outputs:
//
//	func(context.Context) error - Shutdown.
//	error - Non-nil if an exporter cannot be created.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config, reg prometheus.Registerer) (func(context.Context) error, error) {
	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceExporter != "none" && cfg.TraceExporter != "" {
		var (
			exp sdktrace.SpanExporter
			err error
		)
		switch cfg.TraceExporter {
		case "otlp":
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			exp, err = otlptracegrpc.New(ctx, opts...)
		case "stdout":
			exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
		}
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	if cfg.MetricExporter != "none" && cfg.MetricExporter != "" {
		var reader sdkmetric.Reader
		switch cfg.MetricExporter {
		case "prometheus":
			if reg == nil {
				reg = prometheus.DefaultRegisterer
			}
			exp, err := promexporter.New(promexporter.WithRegisterer(reg))
			if err != nil {
				_ = shutdown(ctx)
				return nil, fmt.Errorf("create prometheus exporter: %w", err)
			}
			reader = exp
		case "stdout":
			exp, err := stdoutmetric.New()
			if err != nil {
				_ = shutdown(ctx)
				return nil, fmt.Errorf("create stdout metric exporter: %w", err)
			}
			reader = sdkmetric.NewPeriodicReader(exp)
		default:
			_ = shutdown(ctx)
			return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return shutdown, nil
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
