// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

// Package ingest receives traffic samples over NATS.
//
// Collectors publish one JSON message per observation to the configured
// subject:
//
//	{"username":"bob","remote_ip":"203.0.113.9","bytes_sent":512,
//	 "bytes_received":128,"payload":"<base64>","timestamp":"2026-03-01T12:00:00Z"}
//
// A message may carry "frame", a base64 raw ethernet frame, instead of
// remote_ip and payload; it is decoded with gopacket. A message with
// "event":"end" closes the (username, remote_ip) connection.
//
// The NATS callback only decodes and enqueues. A Pool of workers runs the
// samples through the pipeline, and a full queue drops samples rather than
// stalling the NATS connection.
package ingest
