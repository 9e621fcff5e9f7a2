// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for ProxyKit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	TotalConnections   *prometheus.CounterVec
	ConnectErrors      *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Relay metrics
	RelayedMessages *prometheus.CounterVec
	RelayedBytes    *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedUpgrades prometheus.Counter
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proxykit"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently proxied WebSocket connections",
			},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of proxied WebSocket connections",
			},
			[]string{"status"},
		),
		ConnectErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_errors_total",
				Help:      "Total number of upstream connect failures",
			},
			[]string{"reason"},
		),
		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Proxied connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		RelayedMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_messages_total",
				Help:      "Total number of relayed WebSocket messages",
			},
			[]string{"direction", "type"},
		),
		RelayedBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of relayed payload bytes",
			},
			[]string{"direction"},
		),
		RateLimitedUpgrades: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_upgrades_total",
				Help:      "Total number of upgrade requests rejected by rate limiting",
			},
		),
	}
}

// ObserveConnection tracks a proxied connection lifecycle.
func (m *Metrics) ObserveConnection(f func() error) error {
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(status).Inc()

	return err
}
