// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/tomtom215/marzguard/internal/enforcement"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/validation"
	"github.com/tomtom215/marzguard/internal/violationlog"
)

const (
	defaultTailLines = 100
	maxTailLines     = 1000
	topViolators     = 10
)

var hexPayload = regexp.MustCompile(`^(0x)?([0-9a-fA-F]{2})+$`)

// reportedTypes are the violation types exposed on the statistics route.
var reportedTypes = []models.ViolationType{
	models.ViolationTorrent,
	models.ViolationConnectionLimit,
	models.ViolationSuspiciousBandwidth,
	models.ViolationSuspiciousFrequency,
	models.ViolationUserSuspended,
}

// requireFail2ban rejects fail2ban routes with 503 when the integration is
// switched off.
func (h *Handler) requireFail2ban(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.Fail2ban.Enabled {
			respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
				Code:    "FAIL2BAN_DISABLED",
				Message: ErrFail2banDisabled.Error(),
			}, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Fail2banStatus reports the detection switches and the log writer state.
func (h *Handler) Fail2banStatus(w http.ResponseWriter, r *http.Request) {
	logHealth := h.log.HealthCheck(r.Context())
	dcfg := h.classifier.Config()

	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"enabled":           h.cfg.Fail2ban.Enabled,
		"initialized":       logHealth.Healthy,
		"degraded":          logHealth.Degraded,
		"log_error":         logHealth.Error,
		"torrent_detection": dcfg.TorrentEnabled,
		"traffic_analysis":  dcfg.TrafficAnalysisEnabled,
		"connection_limit":  dcfg.ConnectionLimitEnabled,
		"log_file_path":     h.log.Path(),
		"max_violations":    h.cfg.Fail2ban.MaxViolations,
	})
}

// Fail2banStatistics summarizes the violation log and the live counters.
func (h *Handler) Fail2banStatistics(w http.ResponseWriter, r *http.Request) {
	sum, err := h.log.Summarize(h.clock(), topViolators)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LOG_READ_FAILED", "Failed to read violation log", err)
		return
	}

	data := map[string]interface{}{
		"total_violations":   sum.Total,
		"violations_24h":     sum.Last24h,
		"violations_7d":      sum.Last7d,
		"log_violation_type": sum.ByType,
		"top_violators":      sum.TopViolators,
		"violation_types":    detectedByType(),
		"tracker":            h.tracker.Stats(),
		"classifier":         h.classifier.Stats(),
	}
	if h.dispatcher != nil {
		data["enforcement"] = h.dispatcher.Stats()
	}
	if h.monitor != nil {
		data["pipeline"] = h.monitor.Stats()
	}
	respondSuccess(w, r, http.StatusOK, data)
}

// detectedByType reads the process-lifetime violation counters.
func detectedByType() map[string]int64 {
	out := make(map[string]int64, len(reportedTypes))
	for _, t := range reportedTypes {
		var m dto.Metric
		if err := metrics.ViolationsTotal.WithLabelValues(string(t)).Write(&m); err != nil {
			continue
		}
		out[string(t)] = int64(m.GetCounter().GetValue())
	}
	return out
}

// Fail2banAction queues a ban or unban. It returns 202 once the request is
// accepted; the outcome is reported through the audit trail and the
// enforcement websocket messages.
func (h *Handler) Fail2banAction(w http.ResponseWriter, r *http.Request) {
	var req models.BanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	accepted, err := h.dispatcher.Submit(req)
	var verr *validation.RequestValidationError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		respondValidation(w, r, verr)
		return
	case errors.Is(err, enforcement.ErrQueueFull):
		respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    "QUEUE_FULL",
			Message: "Enforcement queue is full, retry later",
		}, nil)
		return
	case errors.Is(err, enforcement.ErrNotRunning):
		respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    "ENFORCEMENT_UNAVAILABLE",
			Message: "Enforcement is not running",
		}, nil)
		return
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue request", err)
		return
	}

	respondSuccess(w, r, http.StatusAccepted, map[string]interface{}{
		"request_id": accepted.ID,
		"action":     accepted.Action,
		"ip_address": accepted.IPAddress,
		"username":   accepted.Username,
		"queued":     true,
	})
}

// Fail2banConfig renders the jail and filter files for the current
// configuration.
func (h *Handler) Fail2banConfig(w http.ResponseWriter, r *http.Request) {
	settings := violationlog.JailSettingsFromConfig(h.cfg.Fail2ban)
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"jail_config":    violationlog.JailConfig(settings),
		"filter_config":  violationlog.FilterConfig(),
		"filters":        violationlog.Filters(),
		"log_path":       h.log.Path(),
		"max_violations": h.cfg.Fail2ban.MaxViolations,
	})
}

type testDetectionRequest struct {
	TestData string `json:"test_data"`
}

// decodeTestData treats an even-length hex string, optionally 0x prefixed,
// as raw bytes and anything else as UTF-8 text.
func decodeTestData(s string) []byte {
	if hexPayload.MatchString(s) {
		if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
			return b
		}
	}
	return []byte(s)
}

// Fail2banTestDetection runs the torrent scanner on caller supplied data.
func (h *Handler) Fail2banTestDetection(w http.ResponseWriter, r *http.Request) {
	var req testDetectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TestData == "" {
		badParam(w, r, "test_data", ErrEmptyTestData.Error())
		return
	}

	payload := decodeTestData(req.TestData)
	match, found := h.classifier.Scanner().Scan(payload)
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"is_torrent_traffic": found,
		"signature":          match.Signature,
		"signatures":         match.Signatures,
		"data_length":        len(payload),
		"detection_enabled":  h.classifier.Config().TorrentEnabled,
	})
}

// Fail2banLogsTail returns the last ?lines= log lines, default 100, capped
// at 1000.
func (h *Handler) Fail2banLogsTail(w http.ResponseWriter, r *http.Request) {
	n, ok := getIntParam(r, "lines", defaultTailLines, 1, 1<<20)
	if !ok {
		badParam(w, r, "lines", "lines must be a positive integer")
		return
	}
	if n > maxTailLines {
		n = maxTailLines
	}

	tail, err := h.log.Tail(n)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LOG_READ_FAILED", "Failed to read violation log", err)
		return
	}
	lines := tail.Lines
	if lines == nil {
		lines = []string{}
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"lines":         lines,
		"total_lines":   tail.TotalLines,
		"showing_lines": len(lines),
		"log_file_path": h.log.Path(),
	})
}

// Fail2banViolationCount counts ?username= violations in the last ?hours=.
func (h *Handler) Fail2banViolationCount(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" || !validation.ValidUsername(username) {
		badParam(w, r, "username", "username is required")
		return
	}
	hours, ok := getIntParam(r, "hours", 24, 1, 24*365)
	if !ok {
		badParam(w, r, "hours", "hours must be between 1 and 8760")
		return
	}

	since := h.clock().Add(-time.Duration(hours) * time.Hour)
	count, err := h.log.ViolationCount(username, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LOG_READ_FAILED", "Failed to read violation log", err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]interface{}{
		"username":        username,
		"hours":           hours,
		"violation_count": count,
		"max_violations":  h.cfg.Fail2ban.MaxViolations,
		"would_be_banned": count >= h.cfg.Fail2ban.MaxViolations,
	})
}
