// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
)

const (
	breakerName = "marzban-api"

	// maxErrorBodySize limits how much of an error response is read.
	maxErrorBodySize = 64 * 1024

	// fallbackTokenLifetime is used when the token carries no exp claim.
	fallbackTokenLifetime = 10 * time.Minute
)

// StatusError is a non-2xx panel response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marzban returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Marzban REST API. Calls are rate limited and pass
// through a circuit breaker; the admin token is fetched lazily and
// refreshed shortly before its exp claim.
type Client struct {
	baseURL  string
	username string
	password string
	margin   time.Duration

	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient builds a client from the marzban config section.
func NewClient(cfg config.MarzbanConfig) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		margin:     cfg.TokenRefreshMargin,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		now:        time.Now,
	}

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				logging.Warn().
					Uint32("consecutive_failures", counts.ConsecutiveFailures).
					Msg("opening marzban circuit breaker")
				return true
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			// Client errors mean the panel is up.
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < 500 {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},
	})
	return c
}

// GetUser fetches a user by name.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	body, err := c.call(ctx, "get_user", http.MethodGet, "/api/user/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// SetUserStatus changes the user's status, e.g. to "disabled".
func (c *Client) SetUserStatus(ctx context.Context, username, status string) error {
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "set_user_status", http.MethodPut, "/api/user/"+url.PathEscape(username), payload)
	return err
}

// call runs one authenticated request. A 401 drops the cached token and
// retries once with a fresh one.
func (c *Client) call(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	body, err := c.execute(ctx, op, method, path, payload)
	var se *StatusError
	// Expired admin token: log in again and retry once
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
		body, err = c.execute(ctx, op, method, path, payload)
	}
	if errors.As(err, &se) && isUserNotFound(se) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, path)
	}
	return body, err
}

// userNotFoundDetail is the detail Marzban sends for an unknown username.
const userNotFoundDetail = "User not found"

// isUserNotFound matches only Marzban's own 404. A 404 from a proxy or a
// wrong base path stays a StatusError.
func isUserNotFound(se *StatusError) bool {
	if se.StatusCode != http.StatusNotFound {
		return false
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(se.Body), &body); err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(body.Detail), userNotFoundDetail)
}

func (c *Client) execute(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, op, method, path, payload, token)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
	case err != nil:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
	}
	return body, err
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, token string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordMarzbanRequest(op, "error", time.Since(start))
		return nil, fmt.Errorf("marzban %s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.RecordMarzbanRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// accessToken returns a cached admin token, logging in when it is missing
// or close to expiry. An unconfigured username sends no token.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(c.margin).Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("grant_type", "password")

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordMarzbanRequest("token", "error", time.Since(start))
		return "", fmt.Errorf("marzban token: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordMarzbanRequest("token", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("marzban token: empty access_token")
	}

	c.token = tr.AccessToken
	c.tokenExpiry = tokenExpiry(tr.AccessToken, c.now())
	logging.Debug().Time("expires_at", c.tokenExpiry).Msg("marzban admin token refreshed")
	return c.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(fallbackTokenLifetime)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(fallbackTokenLifetime)
	}
	return exp.Time
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// BreakerState returns the circuit breaker state name.
func (c *Client) BreakerState() string {
	return stateToString(c.cb.State())
}

// HealthCheck implements health.Checkable. A breaker that is not closed
// reports degraded.
func (c *Client) HealthCheck(_ context.Context) health.Component {
	state := c.cb.State()
	counts := c.cb.Counts()
	comp := health.Component{
		Healthy: true,
		Message: "circuit " + stateToString(state),
		Details: map[string]interface{}{
			"url":                  c.baseURL,
			"circuit_state":        stateToString(state),
			"consecutive_failures": counts.ConsecutiveFailures,
		},
	}
	if state != gobreaker.StateClosed {
		comp.Degraded = true
	}
	return comp
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
