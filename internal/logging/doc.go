// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package logging provides the process-wide zerolog logger for Marzguard.
//
// Every component logs through the package-level helpers so a single Init
// call at startup controls level, format, and destination:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("user", username).Msg("connection accepted")
//	logging.Ctx(ctx).Warn().Err(err).Msg("host api call failed")
//
// # Configuration
//
// The logger is configured from the `logging` section of the application
// config (LOG_LEVEL, LOG_FORMAT, LOG_CALLER). Before Init is called a JSON
// logger at info level writes to stderr, so packages may log during init.
//
// # Supervisor integration
//
// suture reports service lifecycle events through log/slog. SlogHandler
// adapts those records onto zerolog so supervisor output shares the same
// sink and format as the rest of the process.
//
// # Untrusted values
//
// Usernames and addresses arrive from traffic samples and HTTP callers. Use
// SanitizeValue before logging them so control characters cannot forge log
// lines.
package logging
