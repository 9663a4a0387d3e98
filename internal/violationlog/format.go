// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package violationlog

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marzguard/internal/models"
)

// TimestampLayout is the bracketed timestamp at the start of each line.
const TimestampLayout = "2006-01-02 15:04:05"

// Marker identifies violation lines.
const Marker = "MARZBAN_VIOLATION"

// NoUser is written when the event has no username.
const NoUser = "-"

// ErrNotViolationLine is returned by Parse for lines in another format.
var ErrNotViolationLine = errors.New("not a violation line")

var linePattern = regexp.MustCompile(
	`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] ` + Marker +
		`: TYPE=(\S+) IP=(\S+) USER=(\S+) ACTION=(\S+)(?: DETAILS=(.+))?$`)

// Format renders ev as one line without the trailing newline.
func Format(ev models.ViolationEvent) (string, error) {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(ev.Timestamp.UTC().Format(TimestampLayout))
	b.WriteString("] ")
	b.WriteString(Marker)
	b.WriteString(": TYPE=")
	b.WriteString(field(string(ev.Type)))
	b.WriteString(" IP=")
	b.WriteString(field(ev.RemoteIP))
	b.WriteString(" USER=")
	b.WriteString(userField(ev.Username))
	b.WriteString(" ACTION=")
	b.WriteString(field(string(ev.Action)))

	if len(ev.Details) > 0 {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return "", fmt.Errorf("encode details: %w", err)
		}
		b.WriteString(" DETAILS=")
		b.Write(details)
	}
	return b.String(), nil
}

func userField(username string) string {
	if username == "" {
		return NoUser
	}
	return field(username)
}

// field replaces whitespace and control characters so one value can never
// spill into the next key or onto a new line.
func field(s string) string {
	if s == "" {
		return NoUser
	}
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, s)
}

// Parse reads a line produced by Format. USER "-" becomes an empty
// username and numbers in DETAILS are kept as json.Number.
func Parse(line string) (models.ViolationEvent, error) {
	m := linePattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return models.ViolationEvent{}, ErrNotViolationLine
	}

	ts, err := time.ParseInLocation(TimestampLayout, m[1], time.UTC)
	if err != nil {
		return models.ViolationEvent{}, fmt.Errorf("parse timestamp: %w", err)
	}

	username := m[4]
	if username == NoUser {
		username = ""
	}
	vt := models.ViolationType(m[2])
	ev := models.ViolationEvent{
		Timestamp: ts,
		Type:      vt,
		RemoteIP:  m[3],
		Username:  username,
		Action:    models.Action(m[5]),
		Severity:  models.SeverityFor(vt),
	}

	if m[6] != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(m[6])))
		dec.UseNumber()
		if err := dec.Decode(&ev.Details); err != nil {
			return models.ViolationEvent{}, fmt.Errorf("parse details: %w", err)
		}
	}
	return ev, nil
}
