// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package metrics provides Prometheus metrics collection and export for observability.

All collectors are package-level and registered with the default registry
through promauto, so any package can record without wiring.

# Metrics Endpoint

Metrics are exposed at /metrics in Prometheus text format:

	curl http://localhost:8787/metrics

# Available Metrics

Pipeline:
  - marzguard_samples_total: samples seen by result (processed, malformed, dropped, ended)
  - marzguard_classify_duration_seconds: classifier latency
  - marzguard_violations_total: detected violations by type

Connection tracker:
  - marzguard_tracker_decisions_total: accepted/rejected activity by decision
  - marzguard_tracker_active_connections, marzguard_tracker_active_users
  - marzguard_tracker_swept_total, marzguard_tracker_sweep_duration_seconds

Violation log:
  - marzguard_violation_log_writes_total: writes by result
  - marzguard_violation_log_degraded: 1 while the writer is degraded

Enforcement:
  - marzguard_enforcement_requests_total: applied ban requests by action and result
  - marzguard_enforcement_retries_total, marzguard_enforcement_queue_depth
  - marzguard_marzban_requests_total, marzguard_blocklist_entries
  - circuit_breaker_*: gobreaker state for the host API client

Ingest, audit, HTTP and WebSocket collectors follow the same naming.
*/
package metrics
