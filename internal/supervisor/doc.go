// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package supervisor runs marzguard's long-lived services under suture v4.

	RootSupervisor ("marzguard")
	├── DetectionSupervisor ("detection-layer")
	│   ├── tracker-sweeper
	│   ├── websocket-hub
	│   ├── ingest-workers
	│   └── nats-ingest (when NATS is enabled)
	├── EnforcementSupervisor ("enforcement-layer")
	│   ├── enforcement-dispatcher
	│   ├── suspension-reaper
	│   └── audit-retention
	└── APISupervisor ("api-layer")
	    └── http-server

A failing NATS connection restarts only the ingest subscriber; a panel
outage backs off the dispatcher without touching detection; the API keeps
serving health and log endpoints throughout.

Supervisor events go through sutureslog to the zerolog-backed slog handler
from the logging package:

	logger := slog.New(logging.NewSlogHandler())
	tree, err := supervisor.NewSupervisorTree(logger, supervisor.DefaultTreeConfig())
	tree.AddDetectionService(sweeper)
	tree.AddEnforcementService(dispatcher)
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))
	err = tree.Serve(ctx)

Every service implements suture.Service: Serve(ctx) blocks until ctx is
canceled and returns ctx.Err(), and String() names the service in logs.
*/
package supervisor
