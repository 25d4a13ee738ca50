// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics of the LPC service.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

const namespace = "aleutian_lpc"

// Metrics is the service's metric set. It implements session.Recorder.
//
// # Thread Safety
//
// Metrics is safe for concurrent use.
type Metrics struct {
	sessionsOpen  prometheus.Gauge
	sessionsTotal prometheus.Counter
	conflicts     prometheus.Counter
	sourceChoices *prometheus.CounterVec
	jogSteps      prometheus.Counter
	saves         *prometheus.CounterVec
	saveLatency   prometheus.Histogram
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewMetrics registers the metric set with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Sessions currently open",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Sessions opened since start",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "conflicts_total",
			Help:      "Divergent (labware, location) pairs found between run and database offsets",
		}),
		sourceChoices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "source_choices_total",
			Help:      "Explicit offset source choices",
		}, []string{"source"}),
		jogSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "working",
			Name:      "jog_steps_total",
			Help:      "Jog steps applied to working offsets",
		}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "working",
			Name:      "saves_total",
			Help:      "Offset saves by result (ok, failed, abandoned, superseded)",
		}, []string{"result"}),
		saveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "working",
			Name:      "save_duration_seconds",
			Help:      "Time from save request to result",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// SessionOpened implements session.Recorder.
func (m *Metrics) SessionOpened() {
	m.sessionsOpen.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed implements session.Recorder.
func (m *Metrics) SessionClosed() {
	m.sessionsOpen.Dec()
}

// ConflictDetected implements session.Recorder.
func (m *Metrics) ConflictDetected(conflicts int) {
	m.conflicts.Add(float64(conflicts))
}

// SourceChosen implements session.Recorder.
func (m *Metrics) SourceChosen(source offsets.Source) {
	m.sourceChoices.WithLabelValues(string(source)).Inc()
}

// JogStep implements session.Recorder.
func (m *Metrics) JogStep() {
	m.jogSteps.Inc()
}

// SaveCompleted implements session.Recorder.
func (m *Metrics) SaveCompleted(result string, elapsed time.Duration) {
	m.saves.WithLabelValues(result).Inc()
	m.saveLatency.Observe(elapsed.Seconds())
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
