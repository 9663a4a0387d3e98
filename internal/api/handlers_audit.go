// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tomtom215/marzguard/internal/audit"
	"github.com/tomtom215/marzguard/internal/models"
)

const maxAuditLimit = 1000

// parseAuditFilter builds a QueryFilter from query parameters. It returns
// the offending parameter name on failure.
func parseAuditFilter(r *http.Request) (audit.QueryFilter, string) {
	q := r.URL.Query()
	filter := audit.DefaultQueryFilter()

	for _, t := range splitList(q.Get("type")) {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	for _, o := range splitList(q.Get("outcome")) {
		filter.Outcomes = append(filter.Outcomes, audit.Outcome(o))
	}
	filter.IPAddress = q.Get("ip")
	filter.Username = q.Get("username")
	filter.RequestID = q.Get("request_id")

	for key, dst := range map[string]**time.Time{"start": &filter.StartTime, "end": &filter.EndTime} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, key
		}
		*dst = &ts
	}

	limit, ok := getIntParam(r, "limit", filter.Limit, 1, maxAuditLimit)
	if !ok {
		return filter, "limit"
	}
	filter.Limit = limit
	return filter, ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AuditEvents returns the ban audit trail. ?format=cef renders Common
// Event Format lines for SIEM ingestion instead of the JSON envelope.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    "AUDIT_DISABLED",
			Message: "Audit trail is not enabled",
		}, nil)
		return
	}

	filter, bad := parseAuditFilter(r)
	if bad != "" {
		badParam(w, r, bad, "invalid "+bad+" parameter")
		return
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "Failed to query audit trail", err)
		return
	}

	if format := r.URL.Query().Get("format"); format != "" && format != "json" {
		exporter := audit.ExporterFor(format)
		body, err := exporter.Export(events)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export audit trail", err)
			return
		}
		w.Header().Set("Content-Type", exporter.ContentType())
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	countFilter := filter
	countFilter.Limit = 0
	total, err := h.audit.Count(r.Context(), countFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "Failed to count audit events", err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
	})
}
