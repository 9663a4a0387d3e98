// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package violationlog writes violation events as single text lines that
fail2ban filters can match, and reads them back.

Line format (UTC, one line per event):

	[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=TORRENT IP=10.0.0.5 USER=bob ACTION=detected DETAILS={"signature":"bittorrent_handshake"}

USER is "-" when the event has no username. DETAILS is omitted when the
event carries none and is otherwise compact JSON with sorted keys.

The Writer appends each line with a single write on a file opened with
O_APPEND, so concurrent writers in other processes never interleave inside
a line. Timestamps never go backwards within one Writer. After a write
failure the file is closed and reopened on the next event; after
DegradedAfter consecutive failures the writer reports itself degraded
through HealthCheck until a write succeeds.

JailConfig, FilterConfig and Filters render the fail2ban configuration
that matches this format.
*/
package violationlog
