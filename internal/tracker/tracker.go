// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package tracker

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
)

const shardCount = 32

// ErrInvalidIdentity is returned for an empty username or unparsable ip.
// It signals a malformed input, never a policy decision.
var ErrInvalidIdentity = errors.New("tracker: invalid username or remote ip")

// Decision is the policy result of RecordActivity.
type Decision int

const (
	Accepted Decision = iota
	Rejected
)

func (d Decision) String() string {
	if d == Rejected {
		return "rejected"
	}
	return "accepted"
}

// ReasonLimitExceeded is the only rejection reason.
const ReasonLimitExceeded = "LIMIT_EXCEEDED"

// Outcome describes how an activity sample was handled.
type Outcome struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`

	// Current is the number of live records for the user before this
	// sample; Max is the effective limit.
	Current int `json:"current"`
	Max     int `json:"max"`

	// NewConnection is true when the sample created (or would have created)
	// a record for a previously unseen ip.
	NewConnection bool `json:"new_connection"`
}

// Rejected reports whether the sample was refused by the connection cap.
func (o Outcome) Rejected() bool {
	return o.Decision == Rejected
}

// Record is a copy of one tracked connection.
type Record struct {
	Username      string    `json:"username"`
	RemoteIP      string    `json:"remote_ip"`
	EstablishedAt time.Time `json:"established_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
}

type userBucket struct {
	conns map[string]*Record
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userBucket
}

// Options configures a Tracker.
type Options struct {
	// Enabled corresponds to CONNECTION_LIMIT_ENABLED. When false every
	// sample is accepted but records are still kept.
	Enabled               bool
	DefaultMaxConnections int
	StalenessWindow       time.Duration
	TrackingInterval      time.Duration
	Settings              SettingsProvider

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps the tracker section of the configuration.
func OptionsFromConfig(cfg config.TrackerConfig, settings SettingsProvider) Options {
	return Options{
		Enabled:               cfg.Enabled,
		DefaultMaxConnections: cfg.DefaultMaxConnections,
		StalenessWindow:       cfg.StalenessWindow(),
		TrackingInterval:      cfg.TrackingInterval(),
		Settings:              settings,
	}
}

// DefaultMaxConnections is the cap used when none is configured.
const DefaultMaxConnections = 5

// Tracker is the sharded connection table.
type Tracker struct {
	opts   Options
	now    func() time.Time
	shards [shardCount]*shard
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.DefaultMaxConnections < 1 {
		opts.DefaultMaxConnections = DefaultMaxConnections
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 5 * time.Minute
	}
	if opts.TrackingInterval <= 0 {
		opts.TrackingInterval = 30 * time.Second
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	t := &Tracker{opts: opts, now: now}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[string]*userBucket)}
	}
	return t
}

func (t *Tracker) shardFor(username string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(username))
	return t.shards[h.Sum32()%shardCount]
}

// limitFor returns the effective connection cap for username.
func (t *Tracker) limitFor(username string) int {
	if t.opts.Settings != nil {
		if s := t.opts.Settings.UserSettings(username); s.MaxConnections > 0 {
			return s.MaxConnections
		}
	}
	return t.opts.DefaultMaxConnections
}

// normalizeIP canonicalizes an address so "::ffff:1.2.3.4" and "1.2.3.4"
// share one record.
func normalizeIP(remoteIP string) (string, error) {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return "", err
	}
	return addr.Unmap().String(), nil
}

func validate(username, remoteIP string) (string, error) {
	if username == "" {
		return "", ErrInvalidIdentity
	}
	ip, err := normalizeIP(remoteIP)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return ip, nil
}

// liveCount counts records not older than cutoff. Caller holds the shard lock.
func liveCount(b *userBucket, cutoff time.Time) int {
	if b == nil {
		return 0
	}
	n := 0
	for _, r := range b.conns {
		if !r.LastSeenAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// RecordActivity registers traffic for (username, remoteIP) at the tracker
// clock's current time.
func (t *Tracker) RecordActivity(username, remoteIP string, sent, received int64) (Outcome, error) {
	return t.RecordActivityAt(username, remoteIP, sent, received, t.now())
}

// RecordActivityAt is RecordActivity with an explicit observation time.
//
// A record whose last activity is already outside the staleness window is
// treated as a new connection: it must pass the limit check again and its
// established_at is reset when accepted.
func (t *Tracker) RecordActivityAt(username, remoteIP string, sent, received int64, now time.Time) (Outcome, error) {
	ip, err := validate(username, remoteIP)
	if err != nil {
		return Outcome{}, err
	}

	limit := t.limitFor(username)
	cutoff := now.Add(-t.opts.StalenessWindow)

	s := t.shardFor(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.users[username]
	current := liveCount(b, cutoff)

	if b != nil {
		if r, ok := b.conns[ip]; ok && !r.LastSeenAt.Before(cutoff) {
			if now.After(r.LastSeenAt) {
				r.LastSeenAt = now
			}
			r.BytesSent += sent
			r.BytesReceived += received
			metrics.RecordTrackerDecision(true)
			return Outcome{Decision: Accepted, Current: current, Max: limit}, nil
		}
	}

	if t.opts.Enabled && current >= limit {
		metrics.RecordTrackerDecision(false)
		logging.Debug().
			Str("username", username).
			Str("remote_ip", ip).
			Int("current", current).
			Int("max", limit).
			Msg("Connection limit exceeded")
		return Outcome{
			Decision:      Rejected,
			Reason:        ReasonLimitExceeded,
			Current:       current,
			Max:           limit,
			NewConnection: true,
		}, nil
	}

	if b == nil {
		b = &userBucket{conns: make(map[string]*Record)}
		s.users[username] = b
	}
	b.conns[ip] = &Record{
		Username:      username,
		RemoteIP:      ip,
		EstablishedAt: now,
		LastSeenAt:    now,
		BytesSent:     sent,
		BytesReceived: received,
	}
	metrics.RecordTrackerDecision(true)
	return Outcome{Decision: Accepted, Current: current, Max: limit, NewConnection: true}, nil
}

// CheckAllowed reports whether a new activity from remoteIP would be
// accepted right now, without changing any state.
func (t *Tracker) CheckAllowed(username, remoteIP string) (Outcome, error) {
	ip, err := validate(username, remoteIP)
	if err != nil {
		return Outcome{}, err
	}

	now := t.now()
	limit := t.limitFor(username)
	cutoff := now.Add(-t.opts.StalenessWindow)

	s := t.shardFor(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.users[username]
	current := liveCount(b, cutoff)
	if b != nil {
		if r, ok := b.conns[ip]; ok && !r.LastSeenAt.Before(cutoff) {
			return Outcome{Decision: Accepted, Current: current, Max: limit}, nil
		}
	}
	if t.opts.Enabled && current >= limit {
		return Outcome{Decision: Rejected, Reason: ReasonLimitExceeded, Current: current, Max: limit, NewConnection: true}, nil
	}
	return Outcome{Decision: Accepted, Current: current, Max: limit, NewConnection: true}, nil
}

// Sweep deletes every record whose last activity is older than
// now minus the staleness window and returns how many were removed.
// Shards are locked one at a time so samples for other shards keep flowing.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.opts.StalenessWindow)
	removed := 0

	for _, s := range t.shards {
		s.mu.Lock()
		for username, b := range s.users {
			for ip, r := range b.conns {
				if r.LastSeenAt.Before(cutoff) {
					delete(b.conns, ip)
					removed++
				}
			}
			if len(b.conns) == 0 {
				delete(s.users, username)
			}
		}
		s.mu.Unlock()
	}

	return removed
}

// Snapshot returns copies of the user's records ordered by established_at,
// then remote ip.
func (t *Tracker) Snapshot(username string) []Record {
	s := t.shardFor(username)
	s.mu.Lock()
	b := s.users[username]
	var out []Record
	if b != nil {
		out = make([]Record, 0, len(b.conns))
		for _, r := range b.conns {
			out = append(out, *r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].EstablishedAt.Before(out[j].EstablishedAt)
		}
		return out[i].RemoteIP < out[j].RemoteIP
	})
	return out
}

// Remove deletes one record, for example on an explicit session end.
func (t *Tracker) Remove(username, remoteIP string) bool {
	ip, err := normalizeIP(remoteIP)
	if err != nil {
		return false
	}

	s := t.shardFor(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.users[username]
	if b == nil {
		return false
	}
	if _, ok := b.conns[ip]; !ok {
		return false
	}
	delete(b.conns, ip)
	if len(b.conns) == 0 {
		delete(s.users, username)
	}
	return true
}

// ForceDisconnect drops every record of username and returns the count.
func (t *Tracker) ForceDisconnect(username, reason string) int {
	s := t.shardFor(username)
	s.mu.Lock()
	b := s.users[username]
	n := 0
	if b != nil {
		n = len(b.conns)
		delete(s.users, username)
	}
	s.mu.Unlock()

	if n > 0 {
		logging.Info().
			Str("username", username).
			Str("reason", reason).
			Int("connections", n).
			Msg("Force disconnected user")
	}
	return n
}

// Stats summarizes the tracker.
type Stats struct {
	Enabled                 bool `json:"enabled"`
	TotalActiveConnections  int  `json:"total_active_connections"`
	ActiveUsers             int  `json:"active_users"`
	DefaultMaxConnections   int  `json:"default_max_connections"`
	TrackingIntervalSeconds int  `json:"tracking_interval"`
	StalenessWindowSeconds  int  `json:"staleness_window"`
}

// Stats counts tracked records and users. Counts include records that are
// stale but not yet swept.
func (t *Tracker) Stats() Stats {
	st := Stats{
		Enabled:                 t.opts.Enabled,
		DefaultMaxConnections:   t.opts.DefaultMaxConnections,
		TrackingIntervalSeconds: int(t.opts.TrackingInterval / time.Second),
		StalenessWindowSeconds:  int(t.opts.StalenessWindow / time.Second),
	}
	for _, s := range t.shards {
		s.mu.Lock()
		st.ActiveUsers += len(s.users)
		for _, b := range s.users {
			st.TotalActiveConnections += len(b.conns)
		}
		s.mu.Unlock()
	}
	return st
}

// TrackingInterval returns the configured sweep period.
func (t *Tracker) TrackingInterval() time.Duration {
	return t.opts.TrackingInterval
}

// Now returns the tracker clock's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}
