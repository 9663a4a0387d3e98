// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/validation"
)

type funcApplier struct {
	calls atomic.Int32
	fn    func(call int32) error
}

func (a *funcApplier) Apply(_ context.Context, req models.BanRequest) (*models.BanResult, error) {
	n := a.calls.Add(1)
	if err := a.fn(n); err != nil {
		return nil, err
	}
	return &models.BanResult{RequestID: req.ID, Action: req.Action, IPAddress: req.IPAddress}, nil
}

type auditEntry struct {
	req models.BanRequest
	res *models.BanResult
	err error
}

type mockAudit struct {
	mu      sync.Mutex
	entries []auditEntry
	done    chan struct{}
}

func newMockAudit() *mockAudit {
	return &mockAudit{done: make(chan struct{}, 16)}
}

func (m *mockAudit) RecordBan(_ context.Context, req models.BanRequest, res *models.BanResult, err error) {
	m.mu.Lock()
	m.entries = append(m.entries, auditEntry{req: req, res: res, err: err})
	m.mu.Unlock()
	m.done <- struct{}{}
}

func (m *mockAudit) wait(t *testing.T) auditEntry {
	t.Helper()
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for audit record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        2,
		QueueSize:      4,
		AttemptTimeout: time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for !d.Running() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not start")
		}
		time.Sleep(time.Millisecond)
	}
}

func banRequest() models.BanRequest {
	return models.BanRequest{Action: models.BanActionBan, IPAddress: "203.0.113.9", Username: "dave", Reason: "torrent"}
}

func TestDispatcher_AppliesAndAudits(t *testing.T) {
	applier := &funcApplier{fn: func(int32) error { return nil }}
	audit := newMockAudit()
	d := NewDispatcher(fastConfig(), applier, audit)
	startDispatcher(t, d)

	req, err := d.Submit(banRequest())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if req.ID == "" {
		t.Error("Submit() did not assign an id")
	}

	entry := audit.wait(t)
	if entry.err != nil || entry.res == nil || entry.res.RequestID != req.ID {
		t.Errorf("audit entry = %+v", entry)
	}
	if s := d.Stats(); s.Submitted != 1 || s.Applied != 1 || s.Failed != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	applier := &funcApplier{fn: func(call int32) error {
		if call < 3 {
			return &StatusError{StatusCode: 502}
		}
		return nil
	}}
	audit := newMockAudit()
	d := NewDispatcher(fastConfig(), applier, audit)
	startDispatcher(t, d)

	if _, err := d.Submit(banRequest()); err != nil {
		t.Fatal(err)
	}
	if entry := audit.wait(t); entry.err != nil {
		t.Fatalf("final error = %v", entry.err)
	}
	if n := applier.calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if s := d.Stats(); s.Retries != 2 {
		t.Errorf("Retries = %d, want 2", s.Retries)
	}
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	applier := &funcApplier{fn: func(int32) error { return errors.New("connection refused") }}
	audit := newMockAudit()
	d := NewDispatcher(fastConfig(), applier, audit)
	startDispatcher(t, d)

	if _, err := d.Submit(banRequest()); err != nil {
		t.Fatal(err)
	}
	if entry := audit.wait(t); entry.err == nil {
		t.Fatal("expected failure")
	}
	if n := applier.calls.Load(); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}

	s := d.Stats()
	if s.Failed != 1 || s.LastError == "" || s.LastFailed == nil {
		t.Errorf("Stats() = %+v", s)
	}
	if hc := d.HealthCheck(context.Background()); !hc.Healthy || !hc.Degraded {
		t.Errorf("HealthCheck() = %+v, want degraded", hc)
	}
}

func TestDispatcher_PermanentErrorNotRetried(t *testing.T) {
	applier := &funcApplier{fn: func(int32) error { return ErrUnauthorized }}
	audit := newMockAudit()
	d := NewDispatcher(fastConfig(), applier, audit)
	startDispatcher(t, d)

	if _, err := d.Submit(banRequest()); err != nil {
		t.Fatal(err)
	}
	if entry := audit.wait(t); !errors.Is(entry.err, ErrUnauthorized) {
		t.Errorf("final error = %v, want ErrUnauthorized", entry.err)
	}
	if n := applier.calls.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestDispatcher_SubmitRejections(t *testing.T) {
	applier := &funcApplier{fn: func(int32) error { return nil }}
	d := NewDispatcher(fastConfig(), applier, nil)

	if _, err := d.Submit(banRequest()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit() before Serve error = %v, want ErrNotRunning", err)
	}

	_, err := d.Submit(models.BanRequest{Action: "kick", IPAddress: "1.2.3.4"})
	var verr *validation.RequestValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Submit(invalid) error = %v, want validation error", err)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	release := make(chan struct{})
	applier := &funcApplier{fn: func(int32) error {
		<-release
		return nil
	}}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.AttemptTimeout = 5 * time.Second
	d := NewDispatcher(cfg, applier, nil)
	startDispatcher(t, d)
	defer close(release)

	// One request occupies the worker, one fills the queue.
	if _, err := d.Submit(banRequest()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for applier.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the request")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := d.Submit(banRequest()); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Submit(banRequest()); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
	if s := d.Stats(); s.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", errors.New("dial tcp: refused"), true},
		{"server error", &StatusError{StatusCode: 503}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"bad request", &StatusError{StatusCode: 400}, false},
		{"unauthorized", ErrUnauthorized, false},
		{"nothing applied", ErrNothingApplied, false},
		{"wrapped nothing applied", fmt.Errorf("apply: %w", ErrNothingApplied), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"validation", &validation.RequestValidationError{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
