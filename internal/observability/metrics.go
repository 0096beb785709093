// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "llamacppchat"
	workerSubsystem  = "worker"
)

// WorkerMetrics holds the Prometheus series this server exports for
// the inference worker's health and throughput. The server updates
// only WorkerRestartsTotal, from the watchdog's restart path;
// RecordGeneration and SetPendingRequests have no callers outside
// tests, so the other series stay at zero.
type WorkerMetrics struct {
	// GenerationsTotal counts completed Generate calls by outcome
	// (complete, cancelled, error).
	GenerationsTotal *prometheus.CounterVec

	// TokensTotal counts tokens produced, labeled by direction (prompt,
	// generation).
	TokensTotal *prometheus.CounterVec

	// GenerationDurationSeconds measures end-to-end Generate latency.
	GenerationDurationSeconds prometheus.Histogram

	// WorkerRestartsTotal counts Process Supervisor restarts.
	WorkerRestartsTotal prometheus.Counter

	// PendingRequests tracks the Bridge's pending-request map depth.
	PendingRequests prometheus.Gauge

	// TokensPerSecond records the worker's self-reported generation
	// throughput from each GenerationComplete payload.
	TokensPerSecond prometheus.Histogram
}

// DefaultMetrics is the process-wide metrics instance, set by
// InitMetrics.
var DefaultMetrics *WorkerMetrics

// InitMetrics registers every metric against the default Prometheus
// registry. Must be called exactly once at startup.
func InitMetrics() *WorkerMetrics {
	DefaultMetrics = &WorkerMetrics{
		GenerationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "generations_total",
			Help:      "Total Generate calls completed, labeled by outcome",
		}, []string{"outcome"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "tokens_total",
			Help:      "Total tokens processed, labeled by direction (prompt, generation)",
		}, []string{"direction"}),

		GenerationDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "generation_duration_seconds",
			Help:      "Wall-clock duration of a Generate call",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		WorkerRestartsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "restarts_total",
			Help:      "Total Process Supervisor restarts",
		}),

		PendingRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "pending_requests",
			Help:      "Current depth of the Bridge's pending-request map",
		}),

		TokensPerSecond: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: workerSubsystem,
			Name:      "generation_tokens_per_second",
			Help:      "Self-reported generation throughput per completed call",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160},
		}),
	}
	return DefaultMetrics
}

// RecordGeneration records one completed Generate call's outcome,
// token counts, and throughput.
func (m *WorkerMetrics) RecordGeneration(outcome string, promptTokens, genTokens int32, genTokPerSec float64) {
	m.GenerationsTotal.WithLabelValues(outcome).Inc()
	m.TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("generation").Add(float64(genTokens))
	if genTokPerSec > 0 {
		m.TokensPerSecond.Observe(genTokPerSec)
	}
}

// RecordRestart increments the worker-restart counter.
func (m *WorkerMetrics) RecordRestart() {
	m.WorkerRestartsTotal.Inc()
}

// SetPendingRequests reports the Bridge's current pending-map depth.
func (m *WorkerMetrics) SetPendingRequests(n int) {
	m.PendingRequests.Set(float64(n))
}
