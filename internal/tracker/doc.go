// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package tracker maintains the set of live connections per user and enforces
the per-user concurrent connection cap.

A connection record is keyed by (username, remote ip). RecordActivity creates
or refreshes a record. A previously unseen ip is rejected when the user
already has max_connections live records; refreshing a live record is never
rejected. Existing connections are never evicted to make room (accept-oldest,
reject-newest). Rejections are outcomes, not errors: the caller turns them
into CONNECTION_LIMIT violations.

A record is live while its last_seen_at is no older than the staleness
window. Sweep deletes records past the window; the Sweeper service runs it
every tracking interval.

Concurrency:

Users are spread over 32 shards by FNV-32a of the username. Each shard has
one mutex guarding every bucket in it. Refresh and sweep both take the shard
lock before touching last_seen_at, so a sweep never removes a record that is
being refreshed and a refresh never resurrects a record mid-removal.
*/
package tracker
