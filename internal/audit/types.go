// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package audit

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned by Store.Get for an unknown event ID.
var ErrNotFound = errors.New("audit event not found")

// EventType categorizes audit events.
type EventType string

const (
	EventTypeBan     EventType = "enforcement.ban"
	EventTypeUnban   EventType = "enforcement.unban"
	EventTypeRelease EventType = "enforcement.release"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one entry of the enforcement audit trail.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// Actor who requested the action.
	Actor Actor `json:"actor"`

	// Target is the ip and, when attributed, the panel user.
	Target Target `json:"target"`

	Action      string `json:"action"`
	Description string `json:"description"`

	// Metadata holds the applied result or the failure.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// RequestID is the ban request ID.
	RequestID string `json:"request_id,omitempty"`
}

// Actor represents who performed an action.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Target is the subject of an enforcement action.
type Target struct {
	IPAddress string `json:"ip_address"`
	Username  string `json:"username,omitempty"`
}

// Store defines the interface for audit event persistence.
type Store interface {
	// Save persists an audit event.
	Save(ctx context.Context, event *Event) error

	// Get retrieves an event by ID.
	Get(ctx context.Context, id string) (*Event, error)

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// Delete removes events older than the given time.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	Types    []EventType `json:"types,omitempty"`
	Outcomes []Outcome   `json:"outcomes,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	Username  string `json:"username,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Limit is the maximum number of results. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// DefaultQueryFilter returns the filter used when a caller sets none.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}

// Matches reports whether event satisfies every criterion of f.
//
//nolint:gocyclo // complexity inherent to multi-criteria filter matching
func (f *QueryFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Outcomes) > 0 {
		found := false
		for _, o := range f.Outcomes {
			if event.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.IPAddress != "" && event.Target.IPAddress != f.IPAddress {
		return false
	}
	if f.Username != "" && event.Target.Username != f.Username {
		return false
	}
	if f.RequestID != "" && event.RequestID != f.RequestID {
		return false
	}

	if f.StartTime != nil && event.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && event.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Stats summarizes the audit trail.
type Stats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	EventsByOutcome map[string]int64 `json:"events_by_outcome"`
	OldestEvent     *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent     *time.Time       `json:"newest_event,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		EventsByType:    make(map[string]int64),
		EventsByOutcome: make(map[string]int64),
	}
}

func (s *Stats) add(event *Event) {
	s.TotalEvents++
	s.EventsByType[string(event.Type)]++
	s.EventsByOutcome[string(event.Outcome)]++
	if s.OldestEvent == nil || event.Timestamp.Before(*s.OldestEvent) {
		t := event.Timestamp
		s.OldestEvent = &t
	}
	if s.NewestEvent == nil || event.Timestamp.After(*s.NewestEvent) {
		t := event.Timestamp
		s.NewestEvent = &t
	}
}
