// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/ingest"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/supervisor"
)

// IngestComponents holds the NATS sample ingest path for lifecycle
// management.
type IngestComponents struct {
	server     *ingest.EmbeddedServer
	pool       *ingest.Pool
	subscriber *ingest.Subscriber

	mu      sync.Mutex
	running bool
}

// InitIngest starts the embedded server when configured and builds the
// worker pool and subscriber feeding handler. It returns nil when NATS
// ingest is disabled.
func InitIngest(cfg *config.Config, handler ingest.Handler) (*IngestComponents, error) {
	if !cfg.NATS.Enabled {
		logging.Info().Msg("NATS ingest disabled")
		return nil, nil
	}

	c := &IngestComponents{}
	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := ingest.StartEmbeddedServer(cfg.NATS.EmbeddedHost, cfg.NATS.EmbeddedPort)
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		c.server = srv
		url = srv.ClientURL()
	}

	c.pool = ingest.NewPool(cfg.NATS.Workers, cfg.NATS.BufferSize, handler)
	c.subscriber = ingest.NewSubscriber(cfg.NATS, url, c.pool)
	c.running = true

	logging.Info().
		Str("url", url).
		Str("subject", cfg.NATS.Subject).
		Bool("embedded", cfg.NATS.Embedded).
		Int("workers", cfg.NATS.Workers).
		Msg("NATS ingest initialized")
	return c, nil
}

// AddToSupervisor registers the pool and subscriber with the detection
// layer and the subscriber with the health registry.
func (c *IngestComponents) AddToSupervisor(tree *supervisor.SupervisorTree, reg *health.Registry) {
	if c == nil {
		return
	}
	tree.AddDetectionService(c.pool)
	tree.AddDetectionService(c.subscriber)
	reg.Register("nats_ingest", c.subscriber)
}

// IsRunning reports whether the components were started and not yet shut
// down.
func (c *IngestComponents) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Shutdown stops the embedded server. The pool and subscriber stop with
// the supervisor tree.
func (c *IngestComponents) Shutdown(ctx context.Context) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
	}
	logging.Info().Msg("NATS ingest shut down")
}
