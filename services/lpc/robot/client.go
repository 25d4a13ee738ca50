// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package robot is a small client for the robot HTTP API endpoints used by
// Labware Position Check: run records, run commands and stored labware
// offsets.
package robot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
	"github.com/AleutianAI/AleutianLPC/services/lpc/session"
)

var meter = otel.Meter("aleutian.lpc.robot")

// VersionHeader is required by the robot API on every request.
const VersionHeader = "Opentrons-Version"

var (
	// ErrNotFound indicates the robot answered 404.
	ErrNotFound = errors.New("robot resource not found")

	// ErrUnavailable indicates a transport failure or a 5xx answer.
	ErrUnavailable = errors.New("robot unavailable")
)

// APIError is a non-2xx answer from the robot.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// Unwrap maps status codes onto package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// Config configures a Client.
type Config struct {
	// BaseURL is the robot API root, e.g. "http://10.0.0.12:31950".
	BaseURL string

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration

	// RequestsPerSecond limits request rate. Default: 20.
	RequestsPerSecond float64

	// Burst is the limiter burst. Default: 5.
	Burst int

	// APIVersion is sent in the Opentrons-Version header. Default: "*".
	APIVersion string

	// Logger receives client logs. Default: slog.Default().
	Logger *slog.Logger

	// HTTPClient overrides the transport. Used by tests.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.APIVersion == "" {
		c.APIVersion = "*"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}

// Client talks to one robot.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiVersion string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	metricsOnce sync.Once
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("robot base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid robot base URL %q: %w", cfg.BaseURL, err)
	}
	cfg.applyDefaults()
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		http:       cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     cfg.Logger.With(slog.String("component", "robot_client")),
	}, nil
}

func (c *Client) initMetrics() {
	c.metricsOnce.Do(func() {
		var err error
		c.requests, err = meter.Int64Counter("lpc_robot_requests_total",
			metric.WithDescription("Requests sent to the robot API"),
		)
		if err != nil {
			c.logger.Warn("robot request counter unavailable", slog.String("error", err.Error()))
		}
		c.latency, err = meter.Float64Histogram("lpc_robot_request_duration_seconds",
			metric.WithDescription("Robot API request latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			c.logger.Warn("robot latency histogram unavailable", slog.String("error", err.Error()))
		}
	})
}

// envelope is the robot API's {"data": ...} wrapper.
type envelope[T any] struct {
	Data T `json:"data"`
}

type errorBody struct {
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}

// do sends a request and decodes the data envelope into out, if non-nil.
func (c *Client) do(ctx context.Context, method, path, route string, body, out any) error {
	c.initMetrics()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(VersionHeader, c.apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil && len(eb.Errors) > 0 {
			apiErr.Detail = eb.Errors[0].Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		c.logger.Warn("robot request failed",
			slog.String("method", method), slog.String("path", path), slog.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// runData is the subset of GET /runs/{id} the client reads.
type runData struct {
	ID      string                   `json:"id"`
	Labware []location.LoadedLabware `json:"labware"`
	Modules []struct {
		ID       string `json:"id"`
		Model    string `json:"model"`
		Location struct {
			SlotName string `json:"slotName"`
		} `json:"location"`
	} `json:"modules"`
	LabwareOffsets []offsets.LabwareOffset `json:"labwareOffsets"`
}

// FetchRun reads a run and its commands and assembles a session.RunRecord.
// Both requests run concurrently.
func (c *Client) FetchRun(ctx context.Context, runID string) (session.RunRecord, error) {
	path := "/runs/" + url.PathEscape(runID)

	var (
		run      envelope[runData]
		commands envelope[[]protocol.Command]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.do(gctx, http.MethodGet, path, "/runs/:id", nil, &run)
	})
	g.Go(func() error {
		return c.do(gctx, http.MethodGet, path+"/commands?cursor=0&pageLength=10000", "/runs/:id/commands", nil, &commands)
	})
	if err := g.Wait(); err != nil {
		return session.RunRecord{}, fmt.Errorf("fetching run %s: %w", runID, err)
	}

	rec := session.RunRecord{
		RunID:   run.Data.ID,
		Offsets: run.Data.LabwareOffsets,
		Analysis: protocol.Analysis{
			Labware:  run.Data.Labware,
			Commands: commands.Data,
		},
	}
	if rec.RunID == "" {
		rec.RunID = runID
	}
	for _, m := range run.Data.Modules {
		rec.Analysis.Modules = append(rec.Analysis.Modules, location.LoadedModule{
			ID:       m.ID,
			Model:    m.Model,
			SlotName: m.Location.SlotName,
		})
	}
	c.logger.Debug("run fetched",
		slog.String("run_id", rec.RunID),
		slog.Int("commands", len(rec.Analysis.Commands)),
		slog.Int("run_offsets", len(rec.Offsets)))
	return rec, nil
}

// ListOffsets returns the offsets stored on the robot.
func (c *Client) ListOffsets(ctx context.Context) ([]offsets.LabwareOffset, error) {
	var out envelope[[]offsets.LabwareOffset]
	if err := c.do(ctx, http.MethodGet, "/labwareOffsets", "/labwareOffsets", nil, &out); err != nil {
		return nil, fmt.Errorf("listing robot offsets: %w", err)
	}
	return out.Data, nil
}

// SaveOffset stores an offset on the robot.
func (c *Client) SaveOffset(ctx context.Context, o offsets.NewOffset) (offsets.LabwareOffset, error) {
	var out envelope[offsets.LabwareOffset]
	if err := c.do(ctx, http.MethodPost, "/labwareOffsets", "/labwareOffsets", envelope[offsets.NewOffset]{Data: o}, &out); err != nil {
		return offsets.LabwareOffset{}, fmt.Errorf("saving robot offset: %w", err)
	}
	return out.Data, nil
}

// DeleteOffset removes an offset from the robot.
func (c *Client) DeleteOffset(ctx context.Context, id string) error {
	path := "/labwareOffsets/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, "/labwareOffsets/:id", nil, nil); err != nil {
		return fmt.Errorf("deleting robot offset %s: %w", id, err)
	}
	return nil
}
