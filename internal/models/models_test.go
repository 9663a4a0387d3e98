// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestParseViolationType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    ViolationType
		wantErr bool
	}{
		{"TORRENT", ViolationTorrent, false},
		{"CONNECTION_LIMIT", ViolationConnectionLimit, false},
		{"SUSPICIOUS_BANDWIDTH", ViolationSuspiciousBandwidth, false},
		{"SUSPICIOUS_FREQUENCY", ViolationSuspiciousFrequency, false},
		{"TEST", ViolationTest, false},
		{"USER_SUSPENDED", ViolationUserSuspended, false},
		{"torrent", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseViolationType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseViolationType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseViolationType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestViolationTypesOrder(t *testing.T) {
	t.Parallel()

	want := []ViolationType{
		ViolationConnectionLimit,
		ViolationTorrent,
		ViolationSuspiciousBandwidth,
		ViolationSuspiciousFrequency,
	}
	if len(ViolationTypes) != len(want) {
		t.Fatalf("ViolationTypes has %d entries, want %d", len(ViolationTypes), len(want))
	}
	for i := range want {
		if ViolationTypes[i] != want[i] {
			t.Errorf("ViolationTypes[%d] = %s, want %s", i, ViolationTypes[i], want[i])
		}
	}
}

func TestTestEvent(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := TestEvent(ts)

	if !e.IsTest() {
		t.Error("TestEvent should report IsTest")
	}
	if e.Username != "test_user" || e.RemoteIP != "127.0.0.1" || e.Action != ActionInitialized {
		t.Errorf("unexpected sentinel fields: %+v", e)
	}
	if NewViolationEvent(ts, ViolationTorrent, "bob", "10.0.0.5", ActionDetected, nil).IsTest() {
		t.Error("TORRENT event should not be a test event")
	}
}

func TestSeverityFor(t *testing.T) {
	t.Parallel()

	if SeverityFor(ViolationTorrent) != SeverityHigh {
		t.Error("TORRENT should be high severity")
	}
	if SeverityFor(ViolationConnectionLimit) != SeverityMedium {
		t.Error("CONNECTION_LIMIT should be medium severity")
	}
	if SeverityFor(ViolationSuspiciousFrequency) != SeverityLow {
		t.Error("SUSPICIOUS_FREQUENCY should be low severity")
	}
}

func TestBanRequest_DurationPresence(t *testing.T) {
	t.Parallel()

	var omitted BanRequest
	if err := json.Unmarshal([]byte(`{"action":"ban","ip_address":"1.2.3.4"}`), &omitted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if omitted.DurationSeconds != nil {
		t.Error("omitted duration should decode as nil")
	}
	if omitted.HasUser() {
		t.Error("request without username should not have a user")
	}

	var explicit BanRequest
	if err := json.Unmarshal([]byte(`{"action":"ban","ip_address":"1.2.3.4","username":"alice","duration":0}`), &explicit); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if explicit.DurationSeconds == nil || *explicit.DurationSeconds != 0 {
		t.Errorf("explicit zero duration lost: %v", explicit.DurationSeconds)
	}
	if !explicit.HasUser() {
		t.Error("request with username should have a user")
	}
}

func TestBanRequest_DashUserIsAnonymous(t *testing.T) {
	t.Parallel()

	r := BanRequest{Action: BanActionBan, IPAddress: "1.2.3.4", Username: "-"}
	if r.HasUser() {
		t.Error(`username "-" is the log placeholder and must not resolve a user`)
	}
}

func TestTrafficSample_PayloadBase64(t *testing.T) {
	t.Parallel()

	var s TrafficSample
	raw := `{"username":"bob","remote_ip":"10.0.0.5","bytes_sent":10,"bytes_received":5,"payload":"E0JpdFRvcnJlbnQ=","event":"end"}`
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(s.Payload) != "\x13BitTorrent" {
		t.Errorf("Payload = %q", s.Payload)
	}
	if s.TotalBytes() != 15 {
		t.Errorf("TotalBytes = %d, want 15", s.TotalBytes())
	}
	if !s.IsEnd() {
		t.Error("IsEnd should be true")
	}
}
