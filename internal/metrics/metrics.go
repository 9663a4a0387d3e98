// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline Metrics
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_samples_total",
			Help: "Total number of traffic samples by result",
		},
		[]string{"result"}, // processed, malformed, dropped, ended
	)

	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marzguard_classify_duration_seconds",
			Help:    "Duration of sample classification in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	ViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_violations_total",
			Help: "Total number of detected violations by type",
		},
		[]string{"type"},
	)

	// Connection Tracker Metrics
	TrackerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_tracker_decisions_total",
			Help: "Total number of connection tracker decisions",
		},
		[]string{"decision"}, // accepted, rejected
	)

	TrackerActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_tracker_active_connections",
			Help: "Current number of tracked connection records",
		},
	)

	TrackerActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_tracker_active_users",
			Help: "Current number of users with tracked connections",
		},
	)

	TrackerSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marzguard_tracker_swept_total",
			Help: "Total number of stale connection records removed by the sweeper",
		},
	)

	TrackerSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marzguard_tracker_sweep_duration_seconds",
			Help:    "Duration of a tracker sweep pass in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// Violation Log Metrics
	ViolationLogWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_violation_log_writes_total",
			Help: "Total number of violation log writes by result",
		},
		[]string{"result"}, // success, failure
	)

	ViolationLogDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_violation_log_degraded",
			Help: "1 while the violation log writer is degraded",
		},
	)

	// Enforcement Metrics
	EnforcementRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_enforcement_requests_total",
			Help: "Total number of ban requests processed",
		},
		[]string{"action", "result"}, // result: applied, failed, rejected
	)

	EnforcementRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marzguard_enforcement_retries_total",
			Help: "Total number of retried enforcement attempts",
		},
	)

	EnforcementQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_enforcement_queue_depth",
			Help: "Current number of queued ban requests",
		},
	)

	EnforcementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marzguard_enforcement_duration_seconds",
			Help:    "Duration of a ban request including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	MarzbanRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_marzban_requests_total",
			Help: "Total number of Marzban API requests",
		},
		[]string{"operation", "status"},
	)

	MarzbanRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marzguard_marzban_request_duration_seconds",
			Help:    "Duration of Marzban API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BlocklistEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_blocklist_entries",
			Help: "Current number of blocked IP addresses",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Ingest Metrics
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_ingest_messages_total",
			Help: "Total number of ingest messages by result",
		},
		[]string{"result"}, // received, decoded, decode_failed, dropped
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marzguard_ingest_queue_depth",
			Help: "Current number of samples waiting for a worker",
		},
	)

	// Audit Metrics
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marzguard_audit_events_total",
			Help: "Total number of audit events by result",
		},
		[]string{"result"}, // stored, dropped, failed
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Total number of requests rejected for a missing or invalid API token",
		},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)
)

// RecordSample counts one sample outcome.
func RecordSample(result string) {
	SamplesTotal.WithLabelValues(result).Inc()
}

// RecordViolation counts one violation of the given type.
func RecordViolation(violationType string) {
	ViolationsTotal.WithLabelValues(violationType).Inc()
}

// RecordTrackerDecision counts an accepted or rejected activity.
func RecordTrackerDecision(accepted bool) {
	if accepted {
		TrackerDecisions.WithLabelValues("accepted").Inc()
		return
	}
	TrackerDecisions.WithLabelValues("rejected").Inc()
}

// RecordSweep records one sweeper pass.
func RecordSweep(removed int, duration time.Duration) {
	TrackerSwept.Add(float64(removed))
	TrackerSweepDuration.Observe(duration.Seconds())
}

// UpdateTrackerGauges publishes the current tracker size.
func UpdateTrackerGauges(connections, users int) {
	TrackerActiveConnections.Set(float64(connections))
	TrackerActiveUsers.Set(float64(users))
}

// RecordLogWrite counts a violation log write.
func RecordLogWrite(err error) {
	if err != nil {
		ViolationLogWrites.WithLabelValues("failure").Inc()
		return
	}
	ViolationLogWrites.WithLabelValues("success").Inc()
}

// SetLogDegraded publishes the violation log health flag.
func SetLogDegraded(degraded bool) {
	if degraded {
		ViolationLogDegraded.Set(1)
		return
	}
	ViolationLogDegraded.Set(0)
}

// RecordEnforcement counts one processed ban request.
func RecordEnforcement(action, result string, duration time.Duration) {
	EnforcementRequests.WithLabelValues(action, result).Inc()
	EnforcementDuration.Observe(duration.Seconds())
}

// RecordMarzbanRequest records one host API call.
func RecordMarzbanRequest(operation, status string, duration time.Duration) {
	MarzbanRequests.WithLabelValues(operation, status).Inc()
	MarzbanRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
