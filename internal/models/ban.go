// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package models

import "time"

// BanAction is the requested enforcement direction.
type BanAction string

const (
	BanActionBan   BanAction = "ban"
	BanActionUnban BanAction = "unban"
)

// DefaultBanDurationSeconds applies when a ban request omits duration.
const DefaultBanDurationSeconds = 3600

// BanRequest is the inbound contract from the external enforcer.
//
// DurationSeconds is a pointer so an omitted duration (default applies) can
// be told apart from an explicit 0 (indefinite, when allowed).
type BanRequest struct {
	ID              string    `json:"id,omitempty"`
	Action          BanAction `json:"action" validate:"required,oneof=ban unban"`
	IPAddress       string    `json:"ip_address" validate:"required,ip"`
	Username        string    `json:"username,omitempty" validate:"omitempty,marzban_username"`
	Reason          string    `json:"reason,omitempty" validate:"max=512"`
	DurationSeconds *int      `json:"duration,omitempty" validate:"omitempty,min=0,max=31536000"`
	RequestedAt     time.Time `json:"requested_at,omitempty"`
}

// HasUser reports whether the request is attributed to a panel user.
func (r BanRequest) HasUser() bool {
	return r.Username != "" && r.Username != "-"
}

// BanResult describes what the bridge applied.
type BanResult struct {
	RequestID     string     `json:"request_id"`
	Action        BanAction  `json:"action"`
	IPAddress     string     `json:"ip_address"`
	Username      string     `json:"username,omitempty"`
	UserSuspended bool       `json:"user_suspended"`
	UserRestored  bool       `json:"user_restored"`
	IPBlocked     bool       `json:"ip_blocked"`
	IPUnblocked   bool       `json:"ip_unblocked"`
	Disconnected  int        `json:"disconnected"`
	Indefinite    bool       `json:"indefinite"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AppliedAt     time.Time  `json:"applied_at"`
}
