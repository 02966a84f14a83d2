// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecoord

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/filecoord/services/filecoord/lockmgr"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
)

// Metrics holds the engine's Prometheus collectors.
//
// A dedicated registry keeps the service's metrics isolated from any
// process-global collectors the embedding application registers.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal         *prometheus.CounterVec
	contentionsTotal prometheus.Counter
	lockWaitSeconds  *prometheus.HistogramVec
	lockTimeouts     *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers the live gauges over
// the lock manager and hash registry.
func NewMetrics(locks *lockmgr.Manager, reg *registry.Registry) *Metrics {
	r := prometheus.NewRegistry()

	m := &Metrics{
		registry: r,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filecoord",
			Name:      "operations_total",
			Help:      "Tool invocations by tool name and envelope status.",
		}, []string{"tool", "status"}),
		contentionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filecoord",
			Name:      "contentions_total",
			Help:      "Operations answered with a contention payload.",
		}),
		lockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filecoord",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a lock grant.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"mode"}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filecoord",
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions abandoned before grant.",
		}, []string{"mode"}),
	}

	r.MustRegister(
		m.opsTotal,
		m.contentionsTotal,
		m.lockWaitSeconds,
		m.lockTimeouts,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "filecoord",
			Name:      "queue_depth",
			Help:      "Total waiters queued across all paths.",
		}, func() float64 { return float64(locks.Totals().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "filecoord",
			Name:      "tracked_files",
			Help:      "Files with a registry fingerprint.",
		}, func() float64 { return float64(reg.Len()) }),
	)

	return m
}

// ObserveOp counts one completed tool invocation.
func (m *Metrics) ObserveOp(tool, status string) {
	m.opsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveContention counts one contention response.
func (m *Metrics) ObserveContention() {
	m.contentionsTotal.Inc()
}

// ObserveLockWait feeds the lock manager's wait observer.
func (m *Metrics) ObserveLockWait(mode lockmgr.Mode, waited time.Duration, granted bool) {
	m.lockWaitSeconds.WithLabelValues(string(mode)).Observe(waited.Seconds())
	if !granted {
		m.lockTimeouts.WithLabelValues(string(mode)).Inc()
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
