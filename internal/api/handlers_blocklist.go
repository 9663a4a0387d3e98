// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/marzguard/internal/enforcement"
	"github.com/tomtom215/marzguard/internal/models"
)

func (h *Handler) requireBlocklist(w http.ResponseWriter, r *http.Request) bool {
	if h.blocklist != nil {
		return true
	}
	respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
		Code:    "BLOCKLIST_UNAVAILABLE",
		Message: "IP blocklist is not available",
	}, nil)
	return false
}

// Blocklist lists the currently blocked addresses. Expired entries are
// already gone. ?format=plain returns one address per line, which a
// firewall sync job can feed to nft or ipset directly.
func (h *Handler) Blocklist(w http.ResponseWriter, r *http.Request) {
	if !h.requireBlocklist(w, r) {
		return
	}
	entries, err := h.blocklist.ListBlocked()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "BLOCKLIST_READ_FAILED", "Failed to read blocklist", err)
		return
	}
	if entries == nil {
		entries = []enforcement.BlockEntry{}
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
	case "plain":
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.IPAddress)
			b.WriteByte('\n')
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(b.String()))
		return
	default:
		badParam(w, r, "format", "format must be json or plain")
		return
	}

	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// BlocklistEntry reports whether {ip} is blocked.
func (h *Handler) BlocklistEntry(w http.ResponseWriter, r *http.Request) {
	if !h.requireBlocklist(w, r) {
		return
	}
	raw := chi.URLParam(r, "ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		badParam(w, r, "ip", "ip must be a valid address")
		return
	}
	ip := addr.Unmap().String()

	entry, blocked, err := h.blocklist.IsBlocked(ip)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "BLOCKLIST_READ_FAILED", "Failed to read blocklist", err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"ip_address": ip,
		"blocked":    blocked,
		"entry":      entry,
	})
}
