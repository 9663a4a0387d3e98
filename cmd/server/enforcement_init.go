// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package main

import (
	"fmt"
	"time"

	"github.com/tomtom215/marzguard/internal/audit"
	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/enforcement"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/supervisor"
	"github.com/tomtom215/marzguard/internal/tracker"
	"github.com/tomtom215/marzguard/internal/violationlog"
	ws "github.com/tomtom215/marzguard/internal/websocket"
)

// reapInterval is how often expired suspensions are lifted.
const reapInterval = time.Minute

// auditMemoryEvents bounds the in-memory audit trail.
const auditMemoryEvents = 10000

// EnforcementComponents is the ban path from dispatcher to panel and
// blocklist.
type EnforcementComponents struct {
	Store      *enforcement.Store
	Client     *enforcement.Client
	Bridge     *enforcement.Bridge
	Dispatcher *enforcement.Dispatcher
	Reaper     *enforcement.Reaper
	Audit      *audit.Logger

	auditStore *audit.BadgerStore
}

// InitAudit opens the audit trail, on disk when audit.path is set and in
// memory otherwise.
func InitAudit(cfg *config.Config) (*audit.Logger, *audit.BadgerStore, error) {
	if cfg.Audit.Path == "" {
		logging.Info().Int("max_events", auditMemoryEvents).Msg("Audit trail kept in memory")
		return audit.NewLogger(audit.NewMemoryStore(auditMemoryEvents), audit.ConfigFrom(cfg.Audit)), nil, nil
	}
	store, err := audit.OpenBadgerStore(cfg.Audit.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit store: %w", err)
	}
	logging.Info().Str("path", cfg.Audit.Path).Msg("Audit trail persisted with BadgerDB")
	return audit.NewLogger(store, audit.ConfigFrom(cfg.Audit)), store, nil
}

// InitEnforcement wires the blocklist, the Marzban client, the bridge and
// the dispatcher. Enforcement outcomes go to the audit trail and the hub.
func InitEnforcement(cfg *config.Config, t *tracker.Tracker, log *violationlog.Writer, hub *ws.Hub) (*EnforcementComponents, error) {
	auditLogger, auditStore, err := InitAudit(cfg)
	if err != nil {
		return nil, err
	}

	var store *enforcement.Store
	if cfg.Blocklist.InMemory {
		store, err = enforcement.OpenMemoryStore()
	} else {
		store, err = enforcement.OpenStore(cfg.Blocklist)
	}
	if err != nil {
		_ = auditLogger.Close()
		if auditStore != nil {
			_ = auditStore.Close()
		}
		return nil, fmt.Errorf("open blocklist: %w", err)
	}

	var blocker enforcement.IPBlocker = store
	if cfg.Blocklist.NFTEnabled {
		blocker = enforcement.MultiBlocker{store, enforcement.NewNFTBlocker(cfg.Blocklist, nil)}
		logging.Info().
			Str("family", cfg.Blocklist.NFTFamily).
			Str("table", cfg.Blocklist.NFTTable).
			Str("set", cfg.Blocklist.NFTSet).
			Msg("Mirroring blocks into nftables")
	}

	client := enforcement.NewClient(cfg.Marzban)
	bridge := enforcement.NewBridge(enforcement.OptionsFromConfig(cfg.Enforcement), enforcement.Deps{
		Users:       client,
		Blocker:     blocker,
		Suspensions: store,
		Tracker:     t,
		Log:         log,
		Releases:    auditLogger,
	})

	var recorders enforcement.Recorders
	recorders = append(recorders, auditLogger)
	if hub != nil {
		recorders = append(recorders, hub)
	}
	dispatcher := enforcement.NewDispatcher(enforcement.DispatcherConfigFrom(cfg.Enforcement), bridge, recorders)

	logging.Info().
		Str("marzban_url", cfg.Marzban.URL).
		Bool("disable_users", cfg.Enforcement.DisableUsers).
		Bool("block_ips", cfg.Enforcement.BlockIPs).
		Int("workers", cfg.Enforcement.Workers).
		Msg("Enforcement initialized")

	return &EnforcementComponents{
		Store:      store,
		Client:     client,
		Bridge:     bridge,
		Dispatcher: dispatcher,
		Reaper:     enforcement.NewReaper(bridge, reapInterval),
		Audit:      auditLogger,
		auditStore: auditStore,
	}, nil
}

// AddToSupervisor registers the long-running enforcement services and
// their health checks.
func (c *EnforcementComponents) AddToSupervisor(tree *supervisor.SupervisorTree, reg *health.Registry) {
	tree.AddEnforcementService(c.Dispatcher)
	tree.AddEnforcementService(c.Reaper)
	tree.AddEnforcementService(c.Audit)
	reg.Register("enforcement", c.Dispatcher)
	reg.Register("marzban", c.Client)
}

// Close flushes the audit trail and closes both stores.
func (c *EnforcementComponents) Close() {
	if err := c.Audit.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing audit logger")
	}
	if c.auditStore != nil {
		if err := c.auditStore.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing audit store")
		}
	}
	if err := c.Store.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing blocklist store")
	}
}
