// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package detection classifies traffic samples into violation events.
//
// Detection Architecture:
//
//	TrafficSample + tracker.Outcome -> Classifier -> []ViolationEvent -> sinks
//	                                      |
//	                                      v
//	        CONNECTION_LIMIT, TORRENT, SUSPICIOUS_BANDWIDTH, SUSPICIOUS_FREQUENCY
//
// Detectors run in that fixed order, so the events produced for one sample
// are always ordered the same way. Rolling windows and cooldowns are driven
// by the sample timestamps, never the wall clock: replaying the same samples
// against the same Config yields the same events.
//
// Supported Detection Rules:
//   - Connection Limit: surfaces a tracker rejection, ACTION=blocked
//   - Torrent: one strong BitTorrent signature in the payload is enough
//   - Suspicious Bandwidth: bytes per second over the window above threshold
//   - Suspicious Frequency: too many new distinct ips for a user in the window
//
// Each rule has a global switch in Config and a per-user switch in
// tracker.UserSettings; both must allow a rule for it to run.
package detection
