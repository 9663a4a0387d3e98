// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package models

import "time"

// SampleEventEnd marks a sample as an explicit session end.
const SampleEventEnd = "end"

// TrafficSample is one observation of traffic for a (user, remote ip) pair.
//
// Payload carries the first bytes of application data when the collector
// captures them. Frame optionally carries a raw ethernet frame; the ingest
// layer decodes it and fills RemoteIP and Payload when those are empty.
// []byte fields travel as standard base64 in JSON.
type TrafficSample struct {
	Username      string    `json:"username"`
	RemoteIP      string    `json:"remote_ip"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Payload       []byte    `json:"payload,omitempty"`
	Frame         []byte    `json:"frame,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Event         string    `json:"event,omitempty"`
}

// IsEnd reports whether the sample signals a session end.
func (s TrafficSample) IsEnd() bool {
	return s.Event == SampleEventEnd
}

// TotalBytes returns sent plus received bytes.
func (s TrafficSample) TotalBytes() int64 {
	return s.BytesSent + s.BytesReceived
}
