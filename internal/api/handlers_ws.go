// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
	ws "github.com/tomtom215/marzguard/internal/websocket"
)

func (h *Handler) upgrader() *websocket.Upgrader {
	origins := h.cfg.Server.CORSOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), origins)
		},
	}
}

// originAllowed accepts an origin listed in allowed. "*" accepts any
// non-empty origin.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// WebSocket upgrades the connection and streams violation and enforcement
// messages until the client goes away.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondErrorDetails(w, r, http.StatusServiceUnavailable, &models.APIError{
			Code:    "WEBSOCKET_DISABLED",
			Message: "Live stream is not enabled",
		}, nil)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		metrics.WSErrors.WithLabelValues("upgrade").Inc()
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register(client)
	client.Start()
}
