// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package enforcement applies ban and unban requests coming from fail2ban.

A ban with a username looks the user up in the Marzban panel, disables it
until the ban expires, drops every tracked connection of that user, blocks
the offending ip and writes a USER_SUSPENDED line to the violation log. A
ban without a username (or with the "-" placeholder) only blocks the ip.
Unban reverses both halves.

Repeated bans are last-write-wins: the expiry is always request time plus
duration and a later ban overwrites an earlier one instead of extending it.
An omitted duration uses the configured default; an explicit duration of 0
is indefinite only when AllowIndefinite is set.

A ban that ends up changing nothing, for example an ip-only ban while
BlockIPs is off, fails with ErrNothingApplied and is not retried.

Lifting a suspension, by unban or by expiry, returns the user to the
status recorded before the ban. A user the operator had disabled stays
disabled. Bans, unbans and releases for one user are serialized, and the
reaper only deletes a suspension record that is still the one it scanned,
so a fresh ban landing during a release pass is never undone.

Components:

  - Bridge: synchronous Apply of one request
  - Dispatcher: bounded queue and worker pool in front of the Bridge, with
    a per-attempt timeout and exponential backoff between retries
  - Client: Marzban REST client behind a circuit breaker and rate limiter
  - Store: badger-backed ip blocklist (entry TTL = ban expiry) and user
    suspension records
  - NFTBlocker: optional mirror of blocks into an nftables set
  - Reaper: reactivates users whose suspension expired
*/
package enforcement
