// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

/*
Package models defines the data structures shared across Marzguard.

Key Components:

  - TrafficSample: one observation of per-connection traffic, produced by the
    ingest layer and consumed by the tracker and classifier
  - ViolationEvent: an immutable record of a detected policy breach
  - BanRequest / BanResult: the ban/unban contract between fail2ban and the
    enforcement bridge
  - APIResponse: standardized HTTP response wrapper

Violation types and actions are string enums whose values appear verbatim in
the fail2ban violation log. Changing them breaks deployed filters.

Thread Safety:

All types are plain values. A ViolationEvent must not be mutated after it has
been handed to a sink.
*/
package models
