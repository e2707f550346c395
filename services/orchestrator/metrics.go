// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

const metricsNamespace = "ragpipe"

// Metrics holds the orchestrator's Prometheus instruments.
//
// # Thread Safety
//
// All operations are safe for concurrent use via the client library's
// internal locking.
type Metrics struct {
	// RunsTotal counts pipeline runs by pipeline name and outcome.
	// Labels: pipeline, status (success, error)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures wall time of a full pipeline run.
	// Labels: pipeline
	RunDurationSeconds *prometheus.HistogramVec

	// RunSteps measures how many engine steps a run consumed.
	// Labels: pipeline
	RunSteps *prometheus.HistogramVec

	// SearchDurationSeconds measures retrieval backend latency.
	// Labels: mode (bm25, semantic, hybrid)
	SearchDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open SSE subscriptions.
	// Labels: endpoint (dev, prod)
	ActiveStreams *prometheus.GaugeVec

	// StreamEventsTotal counts callback summaries written to clients.
	// Labels: endpoint
	StreamEventsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts SSE clients that went away before
	// the run closed.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics with the given
// registerer (use prometheus.DefaultRegisterer in production). Calling
// it twice against the same registerer panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by pipeline and outcome",
			},
			[]string{"pipeline", "status"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a full pipeline run",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pipeline"},
		),
		RunSteps: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_steps",
				Help:      "Engine steps consumed per run",
				Buckets:   []float64{5, 10, 20, 40, 80, 160, 320, 640},
			},
			[]string{"pipeline"},
		),
		SearchDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "search_duration_seconds",
				Help:      "Retrieval backend latency by search mode",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"mode"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Open SSE callback subscriptions",
			},
			[]string{"endpoint"},
		),
		StreamEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_events_total",
				Help:      "Callback summaries delivered to SSE clients",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_disconnects_total",
				Help:      "SSE clients disconnected before run close",
			},
			[]string{"endpoint"},
		),
	}
}

// RecordRun records one finished run.
func (m *Metrics) RecordRun(pipeline string, steps int, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(pipeline, status).Inc()
	m.RunDurationSeconds.WithLabelValues(pipeline).Observe(elapsed.Seconds())
	m.RunSteps.WithLabelValues(pipeline).Observe(float64(steps))
}

// InstrumentSearch wraps a search backend so every call lands in the
// search latency histogram, labeled by mode.
func (m *Metrics) InstrumentSearch(backend engine.SearchBackend) engine.SearchBackend {
	return &timedSearch{backend: backend, metrics: m}
}

type timedSearch struct {
	backend engine.SearchBackend
	metrics *Metrics
}

func (t *timedSearch) Search(ctx context.Context, req datatypes.SearchRequest) (datatypes.SearchResponse, error) {
	start := time.Now()
	resp, err := t.backend.Search(ctx, req)
	t.metrics.SearchDurationSeconds.WithLabelValues(req.SearchType).Observe(time.Since(start).Seconds())
	return resp, err
}
