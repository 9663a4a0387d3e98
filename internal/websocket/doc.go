// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package websocket streams violation and enforcement events to dashboards.

The Hub is a violationlog.Sink: every classified violation that reaches
the log is also broadcast to connected clients as a "violation" message.
Enforcement outcomes are broadcast as "enforcement" messages.

	┌──────────┐
	│   Hub    │ ← Monitor sinks, dispatcher results
	└────┬─────┘
	     │
	┌────┴─────┬─────────┐
	│ Client1  │ Client2 │ ...
	└──────────┴─────────┘

Each client runs a read pump (pings, close detection) and a write pump
(JSON messages, keepalive pings). Slow clients whose send buffer fills
are disconnected instead of blocking the broadcast.

Message format:

	{"type": "violation", "data": {"timestamp": "...", "type": "TORRENT", ...}}

Clients may send {"type": "ping"} and receive {"type": "pong"}.

The Hub implements suture.Service via Serve and is restarted by the
supervisor like any other long-running component.
*/
package websocket
