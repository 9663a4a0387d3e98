// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package api serves marzguard's HTTP interface on a chi router.

Routes (prefix /api/v1):

	GET    /health/live                     process liveness
	GET    /health/ready                    component health, 503 when unhealthy
	GET    /fail2ban/status                 detection switches and log state
	GET    /fail2ban/statistics             log summary, tracker and dispatcher counters
	POST   /fail2ban/action                 queue a ban or unban
	GET    /fail2ban/config                 rendered jail.local and filter files
	POST   /fail2ban/test-detection         run the torrent scanner on sample bytes
	GET    /fail2ban/logs/tail?lines=N      last N violation log lines
	GET    /fail2ban/violations/count       per-user count since ?hours=
	GET    /connections/stats               tracker totals
	GET    /connections/{username}          live connection records
	GET    /connections/{username}/allowed  dry-run admission check for ?ip=
	DELETE /connections/{username}          force disconnect
	GET    /blocklist                       blocked addresses, ?format=plain for one per line
	GET    /blocklist/{ip}                  block entry for one address
	GET    /audit/events                    ban audit trail, ?format=cef
	GET    /ws/violations                   live violation stream

/metrics is served at the root for Prometheus.

Every JSON response uses models.APIResponse. Errors carry a stable code:

	{"status":"error","error":{"code":"VALIDATION_ERROR","message":"..."}}

Everything except the health endpoints and /metrics requires the bearer
token from server.api_token. The WebSocket handshake may pass it as
?access_token= instead. Without a token the server refuses to start
unless server.insecure is set, in which case the routes are open.
*/
package api
