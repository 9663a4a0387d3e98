// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/models"
	ws "github.com/tomtom215/marzguard/internal/websocket"
)

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.RateLimitDisabled = false
		c.Server.RateLimitReqs = 2
		c.Server.RateLimitWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		if rec, _ := f.do(t, http.MethodGet, "/api/v1/connections/stats", "", true); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec, env := f.do(t, http.MethodGet, "/api/v1/connections/stats", "", true)
	if rec.Code != http.StatusTooManyRequests || env.Error == nil || env.Error.Code != "RATE_LIMITED" {
		t.Errorf("got %d %+v", rec.Code, env)
	}

	// health has its own, larger budget
	if rec, _ := f.do(t, http.MethodGet, "/api/v1/health/live", "", false); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/api/v1/connections/stats", "", true)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", rec.Header())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://panel.example", []string{"*"}, true},
		{"https://panel.example", []string{"https://panel.example"}, true},
		{"https://evil.example", []string{"https://panel.example"}, false},
		{"", []string{"*"}, false},
		{"https://panel.example", nil, false},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, nil)
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx) }()
	f.handler.hub = hub

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/violations"

	origin := http.Header{"Origin": []string{"https://panel.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, origin); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	authOnly := http.Header{"Authorization": []string{"Bearer " + testToken}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, authOnly); err == nil {
		t.Fatal("dial without Origin succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial without Origin: %v", err)
	}

	// Browsers pass the token as a query parameter on the handshake.
	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+testToken, origin)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	ev := models.NewViolationEvent(time.Now(), models.ViolationTorrent, "bob", "10.0.0.5", models.ActionDetected, nil)
	_ = hub.Write(context.Background(), ev)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string                `json:"type"`
		Data models.ViolationEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != ws.MessageTypeViolation || msg.Data.Username != "bob" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWebSocketDisabled(t *testing.T) {
	f := newFixture(t, nil)
	rec, env := f.do(t, http.MethodGet, "/api/v1/ws/violations", "", true)
	if rec.Code != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "WEBSOCKET_DISABLED" {
		t.Errorf("got %d %+v", rec.Code, env)
	}
}
