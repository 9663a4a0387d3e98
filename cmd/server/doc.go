// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package main is the entry point for the Marzguard server.

Marzguard sits next to a Marzban panel. It tracks concurrent connections
per user, classifies traffic samples into violations, writes them to a
log that fail2ban watches, and carries out the bans fail2ban issues back
against the panel and the local blocklist.

# Application Architecture

	RootSupervisor ("marzguard")
	├── DetectionSupervisor ("detection-layer")
	│   ├── Connection sweeper
	│   ├── WebSocket hub
	│   └── NATS ingest pool and subscriber (optional)
	├── EnforcementSupervisor ("enforcement-layer")
	│   ├── Ban dispatcher
	│   ├── Suspension reaper
	│   └── Audit retention
	└── APISupervisor ("api-layer")
	    └── HTTP server

Data flow:

	sample ─▶ Monitor ─▶ Tracker ─▶ Classifier ─▶ violation log ─▶ fail2ban
	                                           └▶ websocket hub
	fail2ban ─▶ POST /api/v1/fail2ban/action ─▶ Dispatcher ─▶ Bridge ─▶ Marzban, blocklist, nftables

# Configuration

Configuration is loaded via Koanf v2 (highest priority wins):

	Priority: Environment variables > Config file > Defaults

The config file is read from CONFIG_PATH, ./config.yaml or /etc/marzguard/config.yaml. Common
environment variables:

	CONNECTION_LIMIT_ENABLED=true
	DEFAULT_MAX_CONNECTIONS=5
	TORRENT_DETECTION_ENABLED=true
	FAIL2BAN_ENABLED=true
	FAIL2BAN_LOG_PATH=/var/log/marzban/fail2ban.log
	FAIL2BAN_MAX_VIOLATIONS=3
	MARZBAN_URL=http://127.0.0.1:8000
	MARZBAN_USERNAME=admin
	MARZBAN_PASSWORD=<password>
	API_TOKEN=<token for mutating routes>
	NATS_ENABLED=false

Per-user limits and detection switches live under users: in the config
file.

# Signal Handling

SIGINT and SIGTERM cancel the supervisor tree. The HTTP server drains
in-flight requests, the dispatcher drops requests still queued, and the
audit trail is flushed before the stores close.
*/
package main
