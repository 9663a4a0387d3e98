// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package violationlog

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/marzguard/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   models.ViolationEvent
		want string
	}{
		{
			name: "torrent with details",
			ev: models.NewViolationEvent(t0, models.ViolationTorrent, "bob", "10.0.0.5", models.ActionDetected,
				map[string]interface{}{"signature": "bittorrent_handshake"}),
			want: `[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=TORRENT IP=10.0.0.5 USER=bob ACTION=detected DETAILS={"signature":"bittorrent_handshake"}`,
		},
		{
			name: "sorted detail keys",
			ev: models.NewViolationEvent(t0, models.ViolationConnectionLimit, "alice", "3.3.3.3", models.ActionBlocked,
				map[string]interface{}{"max_connections": 2, "current_connections": 2}),
			want: `[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=CONNECTION_LIMIT IP=3.3.3.3 USER=alice ACTION=blocked DETAILS={"current_connections":2,"max_connections":2}`,
		},
		{
			name: "no user no details",
			ev:   models.NewViolationEvent(t0, models.ViolationSuspiciousFrequency, "", "2001:db8::1", models.ActionDetected, nil),
			want: `[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=SUSPICIOUS_FREQUENCY IP=2001:db8::1 USER=- ACTION=detected`,
		},
		{
			name: "non utc timestamp",
			ev: models.NewViolationEvent(t0.In(time.FixedZone("X", 3*3600)), models.ViolationTorrent, "bob", "10.0.0.5",
				models.ActionDetected, nil),
			want: `[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=TORRENT IP=10.0.0.5 USER=bob ACTION=detected`,
		},
		{
			name: "whitespace cannot inject",
			ev:   models.NewViolationEvent(t0, models.ViolationTorrent, "bo b\nIP=1.1.1.1", "10.0.0.5", models.ActionDetected, nil),
			want: `[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=TORRENT IP=10.0.0.5 USER=bo_b_IP=1.1.1.1 ACTION=detected`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(tt.ev)
			if err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Format() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	events := []models.ViolationEvent{
		models.NewViolationEvent(t0, models.ViolationTorrent, "bob", "10.0.0.5", models.ActionDetected,
			map[string]interface{}{"signature": "dht", "signatures": []string{"dht", "announce"}}),
		models.NewViolationEvent(t0, models.ViolationSuspiciousBandwidth, "carol", "1.2.3.4", models.ActionDetected,
			map[string]interface{}{"bytes": int64(123456789), "window_seconds": 300}),
		models.NewViolationEvent(t0, models.ViolationConnectionLimit, "", "5.6.7.8", models.ActionBlocked, nil),
		models.TestEvent(t0),
	}

	for _, ev := range events {
		line, err := Format(ev)
		if err != nil {
			t.Fatalf("Format() error = %v", err)
		}
		parsed, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", line, err)
		}
		if parsed.Type != ev.Type || parsed.RemoteIP != ev.RemoteIP ||
			parsed.Username != ev.Username || parsed.Action != ev.Action ||
			!parsed.Timestamp.Equal(ev.Timestamp) {
			t.Errorf("Parse() = %+v, want fields of %+v", parsed, ev)
		}
		again, err := Format(parsed)
		if err != nil {
			t.Fatalf("Format(parsed) error = %v", err)
		}
		if again != line {
			t.Errorf("round trip changed line:\n%s\n%s", line, again)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	lines := []string{
		"",
		"random syslog line",
		"[2026-03-01 12:00:00] OTHER: TYPE=TORRENT IP=1.1.1.1 USER=x ACTION=detected",
		"[2026-03-01] MARZBAN_VIOLATION: TYPE=TORRENT IP=1.1.1.1 USER=x ACTION=detected",
	}
	for _, line := range lines {
		if _, err := Parse(line); !errors.Is(err, ErrNotViolationLine) {
			t.Errorf("Parse(%q) error = %v, want ErrNotViolationLine", line, err)
		}
	}

	_, err := Parse(`[2026-03-01 12:00:00] MARZBAN_VIOLATION: TYPE=TORRENT IP=1.1.1.1 USER=x ACTION=detected DETAILS={bad`)
	if err == nil || errors.Is(err, ErrNotViolationLine) {
		t.Errorf("Parse(bad details) error = %v, want decode error", err)
	}
}
