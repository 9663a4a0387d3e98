// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package models

import (
	"fmt"
	"time"
)

// ViolationType is the TYPE= field of a violation log line.
type ViolationType string

const (
	ViolationTorrent             ViolationType = "TORRENT"
	ViolationConnectionLimit     ViolationType = "CONNECTION_LIMIT"
	ViolationSuspiciousBandwidth ViolationType = "SUSPICIOUS_BANDWIDTH"
	ViolationSuspiciousFrequency ViolationType = "SUSPICIOUS_FREQUENCY"

	// ViolationTest marks self-test lines. Every fail2ban filter ignores it.
	ViolationTest ViolationType = "TEST"

	// ViolationUserSuspended records a suspension applied by the
	// enforcement bridge. It is matched only by the catch-all filter.
	ViolationUserSuspended ViolationType = "USER_SUSPENDED"
)

// ViolationTypes lists the detector types in classifier evaluation order.
var ViolationTypes = []ViolationType{
	ViolationConnectionLimit,
	ViolationTorrent,
	ViolationSuspiciousBandwidth,
	ViolationSuspiciousFrequency,
}

// Valid reports whether t is a known type.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationTorrent, ViolationConnectionLimit, ViolationSuspiciousBandwidth,
		ViolationSuspiciousFrequency, ViolationTest, ViolationUserSuspended:
		return true
	}
	return false
}

// ParseViolationType converts a TYPE= token into a ViolationType.
func ParseViolationType(s string) (ViolationType, error) {
	t := ViolationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown violation type %q", s)
	}
	return t, nil
}

// Action is the ACTION= field of a violation log line.
type Action string

const (
	ActionDetected    Action = "detected"
	ActionBlocked     Action = "blocked"
	ActionInitialized Action = "initialized"
	ActionSuspended   Action = "suspended"
)

// Severity grades a violation for dashboards and the live stream. It is not
// written to the fail2ban log.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SeverityFor returns the default severity of a violation type.
func SeverityFor(t ViolationType) Severity {
	switch t {
	case ViolationTorrent, ViolationUserSuspended:
		return SeverityHigh
	case ViolationConnectionLimit, ViolationSuspiciousBandwidth:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Test sentinel values. The ignoreregex in the generated fail2ban filters
// depends on these exact strings.
const (
	TestSentinelUser = "test_user"
	TestSentinelIP   = "127.0.0.1"
)

// ViolationEvent is a single detected violation. Events are immutable once
// passed to a sink.
type ViolationEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      ViolationType          `json:"type"`
	Username  string                 `json:"username,omitempty"`
	RemoteIP  string                 `json:"remote_ip"`
	Action    Action                 `json:"action"`
	Severity  Severity               `json:"severity,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewViolationEvent builds an event with the default severity for its type.
func NewViolationEvent(ts time.Time, t ViolationType, username, ip string, action Action, details map[string]interface{}) ViolationEvent {
	return ViolationEvent{
		Timestamp: ts,
		Type:      t,
		Username:  username,
		RemoteIP:  ip,
		Action:    action,
		Severity:  SeverityFor(t),
		Details:   details,
	}
}

// TestEvent returns the self-test sentinel event.
func TestEvent(ts time.Time) ViolationEvent {
	return ViolationEvent{
		Timestamp: ts,
		Type:      ViolationTest,
		Username:  TestSentinelUser,
		RemoteIP:  TestSentinelIP,
		Action:    ActionInitialized,
		Severity:  SeverityLow,
		Details:   map[string]interface{}{"test": true},
	}
}

// IsTest reports whether e is the self-test sentinel.
func (e ViolationEvent) IsTest() bool {
	return e.Type == ViolationTest
}
