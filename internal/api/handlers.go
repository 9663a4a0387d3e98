// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"context"
	"time"

	"github.com/tomtom215/marzguard/internal/audit"
	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/detection"
	"github.com/tomtom215/marzguard/internal/enforcement"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/pipeline"
	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/violationlog"
	ws "github.com/tomtom215/marzguard/internal/websocket"
)

// BanDispatcher accepts ban and unban requests for asynchronous
// enforcement. *enforcement.Dispatcher implements it.
type BanDispatcher interface {
	Submit(req models.BanRequest) (models.BanRequest, error)
	Stats() enforcement.DispatcherStats
}

// AuditQuerier reads the ban audit trail. *audit.Logger implements it.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error)
	Count(ctx context.Context, filter audit.QueryFilter) (int64, error)
}

// Blocklist reads the enforcement ip blocklist. *enforcement.Store
// implements it.
type Blocklist interface {
	IsBlocked(ip string) (*enforcement.BlockEntry, bool, error)
	ListBlocked() ([]enforcement.BlockEntry, error)
}

// Deps are the handler's collaborators. Audit, Blocklist, Hub and Monitor
// may be nil.
type Deps struct {
	Config     *config.Config
	Tracker    *tracker.Tracker
	Classifier *detection.Classifier
	Monitor    *pipeline.Monitor
	Log        *violationlog.Writer
	Dispatcher BanDispatcher
	Health     *health.Registry
	Audit      AuditQuerier
	Blocklist  Blocklist
	Hub        *ws.Hub
}

// Handler serves the API routes.
//
// Handler methods are split across files:
//   - handlers_health.go: liveness and readiness
//   - handlers_fail2ban.go: status, statistics, ban actions, config, logs
//   - handlers_connections.go: tracker inspection and force disconnect
//   - handlers_audit.go: audit trail export
//   - handlers_blocklist.go: blocked addresses for firewall sync
//   - handlers_ws.go: live violation stream
type Handler struct {
	cfg        *config.Config
	tracker    *tracker.Tracker
	classifier *detection.Classifier
	monitor    *pipeline.Monitor
	log        *violationlog.Writer
	dispatcher BanDispatcher
	health     *health.Registry
	audit      AuditQuerier
	blocklist  Blocklist
	hub        *ws.Hub
	startTime  time.Time
	clock      func() time.Time
}

// NewHandler creates a handler from deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		cfg:        deps.Config,
		tracker:    deps.Tracker,
		classifier: deps.Classifier,
		monitor:    deps.Monitor,
		log:        deps.Log,
		dispatcher: deps.Dispatcher,
		health:     deps.Health,
		audit:      deps.Audit,
		blocklist:  deps.Blocklist,
		hub:        deps.Hub,
		startTime:  time.Now(),
		clock:      time.Now,
	}
}
