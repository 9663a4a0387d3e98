// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/marzguard/internal/models"
)

var (
	// ErrUserNotFound is returned when the panel has no such user.
	ErrUserNotFound = errors.New("marzban user not found")

	// ErrUnauthorized is returned when the panel rejects the admin credentials.
	ErrUnauthorized = errors.New("marzban authentication failed")

	// ErrQueueFull is returned by Submit when the dispatcher queue is full.
	ErrQueueFull = errors.New("enforcement queue full")

	// ErrNotRunning is returned by Submit before Serve or after shutdown.
	ErrNotRunning = errors.New("enforcement dispatcher not running")

	// ErrNothingApplied is returned for a ban that neither suspended a user
	// nor blocked an address, e.g. an ip-only ban while block_ips is off.
	ErrNothingApplied = errors.New("ban applied no suspension and no ip block")
)

// Marzban user statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is the subset of the Marzban user object the bridge needs.
type User struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	Expire   *int64 `json:"expire,omitempty"`
	Note     string `json:"note,omitempty"`
}

// UserStore reads and changes panel users.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, error)
	SetUserStatus(ctx context.Context, username, status string) error
}

// IPBlocker blocks addresses. A nil until means indefinite.
type IPBlocker interface {
	Block(ctx context.Context, ip string, until *time.Time, reason string) error
	Unblock(ctx context.Context, ip string) error
}

// Disconnector drops tracked connections. The connection tracker
// implements it.
type Disconnector interface {
	ForceDisconnect(username, reason string) int
}

// Suspension records why and until when a user is disabled.
//
// PriorStatus is the panel status the user had before the first ban of
// this suspension. A repeated ban keeps it, so lifting the suspension
// returns the user to where the operator left them: a user an admin had
// already disabled stays disabled.
type Suspension struct {
	Username    string     `json:"username"`
	IPAddress   string     `json:"ip_address"`
	Reason      string     `json:"reason,omitempty"`
	PriorStatus string     `json:"prior_status,omitempty"`
	SuspendedAt time.Time  `json:"suspended_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the suspension ended at or before now.
func (s Suspension) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Same reports whether o is the same suspension write as s. Two bans of
// one user differ in SuspendedAt or ExpiresAt.
func (s Suspension) Same(o Suspension) bool {
	if !s.SuspendedAt.Equal(o.SuspendedAt) {
		return false
	}
	switch {
	case s.ExpiresAt == nil || o.ExpiresAt == nil:
		return s.ExpiresAt == nil && o.ExpiresAt == nil
	default:
		return s.ExpiresAt.Equal(*o.ExpiresAt)
	}
}

// RestoreStatus is the status to set when the suspension is lifted.
func (s Suspension) RestoreStatus() string {
	if s.PriorStatus == UserStatusDisabled {
		return UserStatusDisabled
	}
	return UserStatusActive
}

// SuspensionStore persists user suspensions.
type SuspensionStore interface {
	GetSuspension(ctx context.Context, username string) (*Suspension, bool, error)
	PutSuspension(ctx context.Context, s Suspension) error
	DeleteSuspension(ctx context.Context, username string) error
	ExpiredSuspensions(ctx context.Context, now time.Time) ([]Suspension, error)

	// ReleaseSuspension deletes the stored suspension only while it is
	// still the write s and still expired at now. It reports whether the
	// record was deleted; false means a newer ban replaced it.
	ReleaseSuspension(ctx context.Context, s Suspension, now time.Time) (bool, error)
}

// Applier applies one request synchronously.
type Applier interface {
	Apply(ctx context.Context, req models.BanRequest) (*models.BanResult, error)
}

// AuditRecorder receives the final outcome of each request.
type AuditRecorder interface {
	RecordBan(ctx context.Context, req models.BanRequest, res *models.BanResult, err error)
}

// Recorders fans each outcome out to every recorder in order.
type Recorders []AuditRecorder

// RecordBan implements AuditRecorder.
func (rs Recorders) RecordBan(ctx context.Context, req models.BanRequest, res *models.BanResult, err error) {
	for _, r := range rs {
		r.RecordBan(ctx, req, res, err)
	}
}

// ReleaseRecorder is told about each suspension the reaper lifts.
type ReleaseRecorder interface {
	RecordRelease(username string)
}
