// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"
	"time"
)

// HealthLive reports that the process is serving requests.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// HealthReady checks every registered component. Any unhealthy component
// makes the response 503; degraded components are listed but do not fail
// readiness.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		respondSuccess(w, r, http.StatusOK, map[string]interface{}{"status": "healthy"})
		return
	}

	overall := h.health.CheckAll(r.Context())
	status := http.StatusOK
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondSuccess(w, r, status, map[string]interface{}{
		"status":     overall.Status,
		"healthy":    overall.Healthy,
		"degraded":   overall.DegradedComponents(),
		"components": overall.Components,
		"uptime":     time.Since(h.startTime).Round(time.Second).String(),
	})
}
