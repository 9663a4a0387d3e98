// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package config loads Marzguard configuration with Koanf v2.
//
// Sources are layered, later ones winning:
//
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML file (CONFIG_PATH, ./config.yaml, /etc/marzguard/config.yaml)
//  3. Environment variables, mapped explicitly in envMappings
//
// The loaded *Config is validated once and then treated as an immutable
// snapshot: components copy the sections they need at construction time and
// never read globals.
//
// # Panel compatibility
//
// The environment keys used by the Marzban add-on are accepted unchanged:
//
//	DEFAULT_MAX_CONNECTIONS       tracker.default_max_connections (5)
//	CONNECTION_TRACKING_INTERVAL  tracker.tracking_interval, seconds (30)
//	CONNECTION_LIMIT_ENABLED      tracker.enabled
//	TORRENT_DETECTION_ENABLED     detection.torrent_enabled
//	TRAFFIC_ANALYSIS_ENABLED      detection.traffic_analysis_enabled
//	FAIL2BAN_ENABLED              fail2ban.enabled
//	FAIL2BAN_LOG_PATH             fail2ban.log_path
//	FAIL2BAN_MAX_VIOLATIONS       fail2ban.max_violations (3)
//
// Interval-style keys inherited from the panel are whole seconds; keys that
// only exist in Marzguard use Go duration strings ("10s", "2m").
//
// # Per-user overrides
//
// The `users` map in the YAML file carries strongly typed overrides:
//
//	users:
//	  alice:
//	    max_connections: 2
//	    torrent_detection: false
//
// Overrides are validated when the tracker reads them, not here, so a single
// bad entry falls back to the global defaults instead of failing startup.
package config
