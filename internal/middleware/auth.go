// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
)

// BearerAuth requires "Authorization: Bearer <token>". An empty token
// rejects every request; serving without authentication is NoAuth.
//
// Browsers cannot set headers on a WebSocket handshake, so upgrade
// requests may carry the token in the access_token query parameter.
func BearerAuth(token string) func(http.HandlerFunc) http.HandlerFunc {
	want := []byte(token)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			got, ok := requestToken(r)
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				metrics.AuthFailures.Inc()
				logging.Warn().
					Str("path", r.URL.Path).
					Str("remote_addr", logging.SanitizeValue(r.RemoteAddr)).
					Msg("Rejected request with missing or invalid API token")
				unauthorized(w, r)
				return
			}
			next(w, r)
		}
	}
}

// NoAuth passes every request through. It is used only when the server
// is explicitly configured as insecure.
func NoAuth(next http.HandlerFunc) http.HandlerFunc {
	return next
}

func requestToken(r *http.Request) (string, bool) {
	if tok, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return tok, true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(&models.APIResponse{
		Status: "error",
		Metadata: models.Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: GetRequestID(r.Context()),
		},
		Error: &models.APIError{
			Code:    "AUTHENTICATION_ERROR",
			Message: "missing or invalid API token",
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="marzguard"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write(body)
}
