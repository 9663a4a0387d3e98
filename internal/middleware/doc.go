// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package middleware provides the HTTP middleware used by the API router.

Components:

  - RequestID: X-Request-ID propagation into the logging context
  - PrometheusMetrics: request counters and latency by chi route pattern
  - BearerAuth: constant-time API token check for mutating endpoints
  - Compression: gzip for large text responses such as log tails

All middleware uses the func(http.HandlerFunc) http.HandlerFunc shape; the
api package adapts it to chi's r.Use.
*/
package middleware
