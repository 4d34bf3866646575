// Embywatch - Emby Session Monitoring and Automation Bridge
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/embywatch

// Package metrics exposes Prometheus instrumentation for Embywatch:
// Emby API calls, WebSocket traffic, coordinator refresh cycles, and
// cache efficiency. Metrics are registered via promauto at init and
// served from the HTTP API's /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Emby REST client metrics
	EmbyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emby_api_request_duration_seconds",
			Help:    "Duration of Emby REST API calls in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	EmbyRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emby_api_request_errors_total",
			Help: "Total number of failed Emby REST API calls",
		},
		[]string{"endpoint", "kind"},
	)

	EmbyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emby_api_requests_total",
			Help: "Total number of Emby REST API calls",
		},
		[]string{"endpoint"},
	)

	// Upstream WebSocket metrics
	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emby_websocket_messages_total",
			Help: "Total WebSocket messages received from Emby, by message type",
		},
		[]string{"type"},
	)

	WebSocketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emby_websocket_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		},
	)

	WebSocketConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emby_websocket_connected",
			Help: "Whether the Emby WebSocket is currently connected (0 or 1)",
		},
	)

	// Coordinator metrics
	CoordinatorRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_refreshes_total",
			Help: "Coordinator refresh cycles, by coordinator and outcome",
		},
		[]string{"coordinator", "outcome"}, // outcome: "success", "stale", "error"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emby_active_sessions",
			Help: "Number of remote-controllable sessions in the current snapshot",
		},
	)

	PlaybackSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emby_playback_sessions",
			Help: "Number of sessions with content loaded",
		},
	)

	WatchTimeSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emby_watch_time_seconds_total",
			Help: "Accumulated watch time in seconds, by user",
		},
		[]string{"user"},
	)

	// Browse cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browse_cache_hits_total",
			Help: "Total browse cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browse_cache_misses_total",
			Help: "Total browse cache misses",
		},
	)

	// Downstream API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	DomainEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "domain_events_total",
			Help: "Domain events fired, by event type",
		},
		[]string{"event"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Circuit breaker request outcomes",
		},
		[]string{"name", "outcome"}, // outcome: "success", "failure", "rejected"
	)
)

// ObserveEmbyRequest records one Emby REST call.
func ObserveEmbyRequest(endpoint string, duration time.Duration, err error, errKind string) {
	EmbyRequestsTotal.WithLabelValues(endpoint).Inc()
	EmbyRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	if err != nil {
		EmbyRequestErrors.WithLabelValues(endpoint, errKind).Inc()
	}
}

// ObserveAPIRequest records one downstream HTTP request.
func ObserveAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
