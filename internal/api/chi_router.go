// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/middleware"
)

// Router wires handlers to routes.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
	auth          func(http.HandlerFunc) http.HandlerFunc
}

// NewRouter creates a router for h using the server section of the config.
func NewRouter(h *Handler, cfg config.ServerConfig) *Router {
	return &Router{
		handler:       h,
		chiMiddleware: NewChiMiddleware(ChiMiddlewareConfigFrom(cfg)),
		auth:          authFor(cfg),
	}
}

// authFor returns the bearer check, or no check when the server is
// explicitly insecure and has no token.
func authFor(cfg config.ServerConfig) func(http.HandlerFunc) http.HandlerFunc {
	if cfg.APIToken == "" && cfg.Insecure {
		logging.Warn().Msg("API authentication disabled (server.insecure); every /api/v1 route is open")
		return middleware.NoAuth
	}
	return middleware.BearerAuth(cfg.APIToken)
}

// chiMiddleware adapts http.HandlerFunc middleware to Chi's func(http.Handler) http.Handler.
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()
	h := router.handler
	auth := chiMiddleware(router.auth)

	// Global middleware, applied in order.
	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // global so OPTIONS preflight is answered

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitCustom(RateLimitHealth))
		r.Use(APISecurityHeaders())
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	// Everything under /api/v1 except health requires the token.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(auth)

		r.Route("/fail2ban", func(r chi.Router) {
			r.Use(h.requireFail2ban)
			r.Get("/status", h.Fail2banStatus)
			r.Get("/statistics", h.Fail2banStatistics)
			r.Get("/config", h.Fail2banConfig)
			r.Get("/violations/count", h.Fail2banViolationCount)
			r.With(chiMiddleware(middleware.Compression)).Get("/logs/tail", h.Fail2banLogsTail)
			r.With(router.chiMiddleware.RateLimitCustom(RateLimitAction)).Post("/action", h.Fail2banAction)
			r.Post("/test-detection", h.Fail2banTestDetection)
		})

		r.Route("/connections", func(r chi.Router) {
			r.Get("/stats", h.ConnectionStats)
			r.Get("/{username}", h.UserConnections)
			r.Get("/{username}/allowed", h.ConnectionAllowed)
			r.Delete("/{username}", h.DisconnectUser)
		})

		r.Route("/blocklist", func(r chi.Router) {
			r.With(chiMiddleware(middleware.Compression)).Get("/", h.Blocklist)
			r.Get("/{ip}", h.BlocklistEntry)
		})

		r.With(chiMiddleware(middleware.Compression)).Get("/audit/events", h.AuditEvents)

		r.With(router.chiMiddleware.RateLimitCustom(RateLimitWebSocket)).Get("/ws/violations", h.WebSocket)
	})

	return r
}
