// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/marzguard/internal/config"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "admin",
		"access": "sudo",
		"exp":    exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

type fakePanel struct {
	t *testing.T

	mu         sync.Mutex
	users      map[string]*User
	token      string
	tokenCalls atomic.Int32
	rejectNext bool
}

func (p *fakePanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("username") != "admin" || r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: p.currentToken(), TokenType: "bearer"})
	})
	mux.HandleFunc("/api/user/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.rejectNext {
			p.rejectNext = false
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+p.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/api/user/")
		u, ok := p.users[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"User not found"}`)
			return
		}
		if r.Method == http.MethodPut {
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			u.Status = body["status"]
		}
		_ = json.NewEncoder(w).Encode(u)
	})
	return mux
}

func (p *fakePanel) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func newPanel(t *testing.T) (*fakePanel, *Client) {
	t.Helper()
	p := &fakePanel{
		t:     t,
		users: map[string]*User{"dave": {Username: "dave", Status: UserStatusActive}},
		token: signedToken(t, time.Now().Add(time.Hour)),
	}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	c := NewClient(config.MarzbanConfig{
		URL:                srv.URL + "/",
		Username:           "admin",
		Password:           "secret",
		Timeout:            5 * time.Second,
		RequestsPerSecond:  1000,
		Burst:              100,
		TokenRefreshMargin: time.Minute,
	})
	return p, c
}

func TestClient_GetAndSetUser(t *testing.T) {
	p, c := newPanel(t)
	ctx := context.Background()

	u, err := c.GetUser(ctx, "dave")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u.Username != "dave" || u.Status != UserStatusActive {
		t.Errorf("GetUser() = %+v", u)
	}

	if err := c.SetUserStatus(ctx, "dave", UserStatusDisabled); err != nil {
		t.Fatalf("SetUserStatus() error = %v", err)
	}
	u, _ = c.GetUser(ctx, "dave")
	if u.Status != UserStatusDisabled {
		t.Errorf("status = %s, want disabled", u.Status)
	}

	if n := p.tokenCalls.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1 (cached)", n)
	}
}

func TestClient_UserNotFound(t *testing.T) {
	_, c := newPanel(t)
	_, err := c.GetUser(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser(ghost) error = %v, want ErrUserNotFound", err)
	}
}

func TestClient_ForeignNotFoundIsNotUserNotFound(t *testing.T) {
	_, c := newPanel(t)
	c.baseURL += "/wrong-prefix"

	_, err := c.GetUser(context.Background(), "dave")
	if errors.Is(err, ErrUserNotFound) {
		t.Fatalf("GetUser() error = %v, a 404 from the wrong path is not a missing user", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("GetUser() error = %v, want StatusError 404", err)
	}
}

func TestIsUserNotFound(t *testing.T) {
	tests := []struct {
		name string
		se   StatusError
		want bool
	}{
		{"marzban detail", StatusError{StatusCode: 404, Body: `{"detail":"User not found"}`}, true},
		{"case and space", StatusError{StatusCode: 404, Body: `{"detail":" user not found "}`}, true},
		{"plain 404", StatusError{StatusCode: 404, Body: "404 page not found"}, false},
		{"other detail", StatusError{StatusCode: 404, Body: `{"detail":"Not Found"}`}, false},
		{"wrong status", StatusError{StatusCode: 400, Body: `{"detail":"User not found"}`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := tt.se
			if got := isUserNotFound(&se); got != tt.want {
				t.Errorf("isUserNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_RefreshesOnUnauthorized(t *testing.T) {
	p, c := newPanel(t)
	ctx := context.Background()

	if _, err := c.GetUser(ctx, "dave"); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	p.rejectNext = true
	p.mu.Unlock()

	if _, err := c.GetUser(ctx, "dave"); err != nil {
		t.Fatalf("GetUser() after 401 error = %v", err)
	}
	if n := p.tokenCalls.Load(); n != 2 {
		t.Errorf("token requests = %d, want 2", n)
	}
}

func TestClient_BadCredentials(t *testing.T) {
	_, c := newPanel(t)
	c.password = "wrong"
	if _, err := c.GetUser(context.Background(), "dave"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("GetUser() error = %v, want ErrUnauthorized", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	exp := now.Add(30 * time.Minute).Truncate(time.Second)

	if got := tokenExpiry(signedToken(t, exp), now); !got.Equal(exp) {
		t.Errorf("tokenExpiry() = %v, want %v", got, exp)
	}
	if got := tokenExpiry("garbage", now); !got.Equal(now.Add(fallbackTokenLifetime)) {
		t.Errorf("tokenExpiry(garbage) = %v", got)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	_, c := newPanel(t)
	hc := c.HealthCheck(context.Background())
	if !hc.Healthy || hc.Degraded {
		t.Errorf("HealthCheck() = %+v, want healthy", hc)
	}
	if c.BreakerState() != "closed" {
		t.Errorf("BreakerState() = %s", c.BreakerState())
	}
}
