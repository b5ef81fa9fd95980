// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the board sync
// service.
//
// # Description
//
// Metrics cover the sync channel (frames, peers), the document registry,
// sanitizer corrections, ephemeral sweeps, snapshots and digest fallbacks.
// They are exposed on /metrics.
//
// All recording methods are nil-safe: components built without metrics
// (tests, the CLI) pass a nil *BoardMetrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "boardsync"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Frame statuses.
const (
	FrameOK          = "ok"
	FrameDecodeError = "decode_error"
	FrameRateLimited = "rate_limited"
	FrameDropped     = "dropped"
	FrameRedundant   = "redundant"
)

// Snapshot operations.
const (
	SnapshotTake    = "take"
	SnapshotRestore = "restore"
	SnapshotLoad    = "load"
)

// BoardMetrics holds all Prometheus metrics for the service.
//
// # Fields
//
//   - FramesTotal: Sync frames by direction (in, out) and status.
//   - ActivePeers: Currently connected peers.
//   - LiveDocuments: Session documents held in memory.
//   - SanitizeCorrectionsTotal: Objects whose source was rewritten.
//   - EphemeralRemovedTotal: Ephemeral entries removed by sweeps.
//   - SweepDurationSeconds: Wall time of each sweep.
//   - SweepErrorsTotal: Per-session sweep failures.
//   - SnapshotOpsTotal: Snapshot operations by op and status.
//   - SnapshotBytes: Encoded snapshot sizes.
//   - DigestFallbacksTotal: Digest requests answered with an empty digest.
//   - TransportErrorsTotal: Peers removed after a failed send.
type BoardMetrics struct {
	FramesTotal              *prometheus.CounterVec
	ActivePeers              prometheus.Gauge
	LiveDocuments            prometheus.Gauge
	SanitizeCorrectionsTotal prometheus.Counter
	EphemeralRemovedTotal    prometheus.Counter
	SweepDurationSeconds     prometheus.Histogram
	SweepErrorsTotal         prometheus.Counter
	SnapshotOpsTotal         *prometheus.CounterVec
	SnapshotBytes            prometheus.Histogram
	DigestFallbacksTotal     *prometheus.CounterVec
	TransportErrorsTotal     prometheus.Counter
}

// NewBoardMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Use prometheus.DefaultRegisterer in
//     production and prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewBoardMetrics(reg prometheus.Registerer) *BoardMetrics {
	factory := promauto.With(reg)

	return &BoardMetrics{
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "relay",
				Name:      "frames_total",
				Help:      "Sync frames by direction and status",
			},
			[]string{"direction", "status"},
		),

		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "active_peers",
			Help:      "Number of connected sync peers",
		}),

		LiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "documents",
			Name:      "live",
			Help:      "Number of session documents held in memory",
		}),

		SanitizeCorrectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "content",
			Name:      "corrections_total",
			Help:      "Board objects whose metadata.source was rewritten",
		}),

		EphemeralRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ttl",
			Name:      "ephemeral_removed_total",
			Help:      "Expired ephemeral entries removed by sweeps",
		}),

		SweepDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ttl",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of ephemeral sweeps",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SweepErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ttl",
			Name:      "sweep_errors_total",
			Help:      "Per-session sweep failures",
		}),

		SnapshotOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "snapshot",
				Name:      "operations_total",
				Help:      "Snapshot operations by op and status",
			},
			[]string{"op", "status"},
		),

		SnapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "snapshot",
			Name:      "bytes",
			Help:      "Encoded snapshot sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),

		DigestFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "digest",
				Name:      "fallbacks_total",
				Help:      "Digest requests answered with an empty digest, by reason",
			},
			[]string{"reason"},
		),

		TransportErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "transport_errors_total",
			Help:      "Peers removed after a failed send",
		}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordFrame counts one frame.
func (m *BoardMetrics) RecordFrame(direction, status string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, status).Inc()
}

// PeerJoined increments the active peer gauge.
func (m *BoardMetrics) PeerJoined() {
	if m == nil {
		return
	}
	m.ActivePeers.Inc()
}

// PeerLeft decrements the active peer gauge.
func (m *BoardMetrics) PeerLeft() {
	if m == nil {
		return
	}
	m.ActivePeers.Dec()
}

// SetLiveDocuments sets the live document gauge.
func (m *BoardMetrics) SetLiveDocuments(n int) {
	if m == nil {
		return
	}
	m.LiveDocuments.Set(float64(n))
}

// RecordCorrections adds sanitizer corrections.
func (m *BoardMetrics) RecordCorrections(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SanitizeCorrectionsTotal.Add(float64(n))
}

// RecordSweep records one completed sweep.
func (m *BoardMetrics) RecordSweep(seconds float64, removed, failures int) {
	if m == nil {
		return
	}
	m.SweepDurationSeconds.Observe(seconds)
	if removed > 0 {
		m.EphemeralRemovedTotal.Add(float64(removed))
	}
	if failures > 0 {
		m.SweepErrorsTotal.Add(float64(failures))
	}
}

// RecordSnapshot records a snapshot operation. size is ignored when zero.
func (m *BoardMetrics) RecordSnapshot(op string, success bool, size int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.SnapshotOpsTotal.WithLabelValues(op, status).Inc()
	if size > 0 {
		m.SnapshotBytes.Observe(float64(size))
	}
}

// RecordDigestFallback counts a digest answered empty.
func (m *BoardMetrics) RecordDigestFallback(reason string) {
	if m == nil {
		return
	}
	m.DigestFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordTransportError counts a peer removed after a failed send.
func (m *BoardMetrics) RecordTransportError() {
	if m == nil {
		return
	}
	m.TransportErrorsTotal.Inc()
}
