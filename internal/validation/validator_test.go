// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package validation

import (
	"strings"
	"testing"

	"github.com/tomtom215/marzguard/internal/models"
)

func TestGetValidator_Singleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() should return the same singleton instance")
	}
}

func intPtr(v int) *int { return &v }

func TestValidateStruct_BanRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       models.BanRequest
		wantField string
	}{
		{
			name: "ban by ip only",
			req:  models.BanRequest{Action: models.BanActionBan, IPAddress: "1.2.3.4"},
		},
		{
			name: "ban with user and ipv6",
			req:  models.BanRequest{Action: models.BanActionBan, IPAddress: "2001:db8::1", Username: "alice_01", DurationSeconds: intPtr(7200)},
		},
		{
			name: "explicit zero duration",
			req:  models.BanRequest{Action: models.BanActionUnban, IPAddress: "1.2.3.4", DurationSeconds: intPtr(0)},
		},
		{
			name:      "missing action",
			req:       models.BanRequest{IPAddress: "1.2.3.4"},
			wantField: "action",
		},
		{
			name:      "unknown action",
			req:       models.BanRequest{Action: "kick", IPAddress: "1.2.3.4"},
			wantField: "action",
		},
		{
			name:      "bad ip",
			req:       models.BanRequest{Action: models.BanActionBan, IPAddress: "1.2.3"},
			wantField: "ip_address",
		},
		{
			name:      "username with space",
			req:       models.BanRequest{Action: models.BanActionBan, IPAddress: "1.2.3.4", Username: "bad user"},
			wantField: "username",
		},
		{
			name:      "negative duration",
			req:       models.BanRequest{Action: models.BanActionBan, IPAddress: "1.2.3.4", DurationSeconds: intPtr(-5)},
			wantField: "duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := ValidateStruct(&tt.req)
			if tt.wantField == "" {
				if verr != nil {
					t.Fatalf("unexpected validation error: %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatalf("expected validation error on %s", tt.wantField)
			}
			found := false
			for _, e := range verr.Errors() {
				if e.Field() == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %s in %v", tt.wantField, verr)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	verr := ValidateStruct(&models.BanRequest{Action: models.BanActionBan, IPAddress: "nope"})
	if verr == nil {
		t.Fatal("expected error")
	}
	apiErr := verr.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %s", apiErr.Code)
	}
	if !strings.Contains(apiErr.Message, "ip_address must be a valid IP address") {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if apiErr.Details["field"] != "ip_address" {
		t.Errorf("Details = %v", apiErr.Details)
	}

	multi := ValidateStruct(&models.BanRequest{})
	if multi == nil || len(multi.Errors()) < 2 {
		t.Fatalf("expected multiple errors, got %v", multi)
	}
	if _, ok := multi.ToAPIError().Details["fields"]; !ok {
		t.Error("multiple errors should list fields")
	}
}

func TestValidUsername(t *testing.T) {
	valid := []string{"abc", "alice", "user.name@host", "a-b_c", strings.Repeat("x", 32)}
	invalid := []string{"", "ab", "has space", strings.Repeat("x", 33), "tab\tuser", "ユーザー"}

	for _, u := range valid {
		if !ValidUsername(u) {
			t.Errorf("ValidUsername(%q) = false, want true", u)
		}
	}
	for _, u := range invalid {
		if ValidUsername(u) {
			t.Errorf("ValidUsername(%q) = true, want false", u)
		}
	}
}
