// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package audit keeps the enforcement audit trail.
//
// Every ban and unban request that reaches the enforcement dispatcher ends
// in exactly one audit event recording who asked (the fail2ban actor), the
// target ip and user, the outcome and the applied result or error. Expired
// suspensions lifted by the reaper are recorded too.
//
// # Architecture
//
//	Logger.Log() -> Event Buffer (chan) -> Async Writer -> Store
//	                     |                      |
//	                 Non-blocking           Background goroutine
//
// Two stores are provided:
//   - BadgerStore: durable BadgerDB store, in-memory when no path is set
//   - MemoryStore: bounded slice, used in tests
//
// Events are keyed by timestamp in BadgerStore so retention cleanup and
// newest-first queries are range scans.
//
// # Usage Example
//
//	store, err := audit.OpenBadgerStore(cfg.Audit.Path)
//	if err != nil {
//	    return err
//	}
//	logger := audit.NewLogger(store, audit.ConfigFrom(cfg.Audit))
//	defer logger.Close()
//
//	dispatcher := enforcement.NewDispatcher(dcfg, bridge, logger)
//
// Querying:
//
//	events, err := logger.Query(ctx, audit.QueryFilter{
//	    Types:    []audit.EventType{audit.EventTypeBan},
//	    Username: "alice",
//	    Limit:    50,
//	})
//
// # SIEM Integration
//
// Events can be exported in Common Event Format:
//
//	data, _ := audit.NewCEFExporter().Export(events)
//
// # Retention
//
// Logger implements suture.Service; Serve deletes events older than the
// configured retention on every cleanup tick.
package audit
