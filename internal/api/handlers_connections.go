// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"errors"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/validation"
)

// usernameParam reads and validates the {username} path parameter.
func usernameParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	username := chi.URLParam(r, "username")
	if !validation.ValidUsername(username) {
		badParam(w, r, "username", "invalid username")
		return "", false
	}
	return username, true
}

// ConnectionStats reports tracker totals.
func (h *Handler) ConnectionStats(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, r, http.StatusOK, h.tracker.Stats())
}

// UserConnections lists a user's live connection records.
func (h *Handler) UserConnections(w http.ResponseWriter, r *http.Request) {
	username, ok := usernameParam(w, r)
	if !ok {
		return
	}
	records := h.tracker.Snapshot(username)
	if records == nil {
		records = []tracker.Record{}
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"username":    username,
		"connections": records,
		"count":       len(records),
	})
}

// ConnectionAllowed is a dry-run admission check for ?ip=.
func (h *Handler) ConnectionAllowed(w http.ResponseWriter, r *http.Request) {
	username, ok := usernameParam(w, r)
	if !ok {
		return
	}
	ip := r.URL.Query().Get("ip")
	if _, err := netip.ParseAddr(ip); err != nil {
		badParam(w, r, "ip", "ip must be a valid address")
		return
	}

	outcome, err := h.tracker.CheckAllowed(username, ip)
	if errors.Is(err, tracker.ErrInvalidIdentity) {
		badParam(w, r, "username", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Admission check failed", err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"username":       username,
		"ip":             ip,
		"allowed":        outcome.Decision == tracker.Accepted,
		"reason":         outcome.Reason,
		"current":        outcome.Current,
		"max":            outcome.Max,
		"new_connection": outcome.NewConnection,
	})
}

// DisconnectUser drops every record for a user.
func (h *Handler) DisconnectUser(w http.ResponseWriter, r *http.Request) {
	username, ok := usernameParam(w, r)
	if !ok {
		return
	}
	removed := h.tracker.ForceDisconnect(username, "api")
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"username": username,
		"removed":  removed,
	})
}
