// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package enforcement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
	"github.com/tomtom215/marzguard/internal/validation"
)

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DispatcherConfigFrom maps the enforcement section.
func DispatcherConfigFrom(cfg config.EnforcementConfig) DispatcherConfig {
	return DispatcherConfig{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Submitted  int64      `json:"submitted"`
	Applied    int64      `json:"applied"`
	Failed     int64      `json:"failed"`
	Dropped    int64      `json:"dropped"`
	Retries    int64      `json:"retries"`
	QueueDepth int        `json:"queue_depth"`
	LastError  string     `json:"last_error,omitempty"`
	LastFailed *time.Time `json:"last_failed,omitempty"`
}

// Dispatcher queues requests and applies them on a bounded worker pool.
// Each attempt runs under its own timeout; failed attempts are retried
// with exponential backoff up to MaxRetries. A request that exhausts its
// retries is logged, counted and audited, and never blocks the others.
type Dispatcher struct {
	cfg     DispatcherConfig
	applier Applier
	audit   AuditRecorder
	clock   func() time.Time

	queue   chan models.BanRequest
	running atomic.Bool

	submitted atomic.Int64
	applied   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	mu         sync.Mutex
	lastErr    error
	lastFailed time.Time
}

// NewDispatcher creates a dispatcher. audit may be nil.
func NewDispatcher(cfg DispatcherConfig, applier Applier, audit AuditRecorder) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Dispatcher{
		cfg:     cfg,
		applier: applier,
		audit:   audit,
		clock:   time.Now,
		queue:   make(chan models.BanRequest, cfg.QueueSize),
	}
}

// Submit validates and enqueues a request without blocking. It returns
// the normalized request so callers can report its ID.
func (d *Dispatcher) Submit(req models.BanRequest) (models.BanRequest, error) {
	req = Normalize(req, d.clock())
	if verr := validation.ValidateStruct(req); verr != nil {
		return req, verr
	}
	if !d.running.Load() {
		return req, ErrNotRunning
	}

	select {
	case d.queue <- req:
		d.submitted.Add(1)
		metrics.EnforcementQueueDepth.Set(float64(len(d.queue)))
		return req, nil
	default:
		d.dropped.Add(1)
		metrics.RecordEnforcement(string(req.Action), "dropped", 0)
		logging.Warn().
			Str("request_id", req.ID).
			Str("ip", req.IPAddress).
			Msg("enforcement queue full, dropping request")
		return req, ErrQueueFull
	}
}

// Serve runs the workers until ctx is canceled. Requests still queued at
// shutdown are dropped.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	logging.Info().
		Int("workers", d.cfg.Workers).
		Int("queue_size", d.cfg.QueueSize).
		Msg("enforcement dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	if n := len(d.queue); n > 0 {
		logging.Warn().Int("pending", n).Msg("enforcement dispatcher stopped with queued requests")
	}
	return ctx.Err()
}

func (d *Dispatcher) String() string {
	return "enforcement-dispatcher"
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			metrics.EnforcementQueueDepth.Set(float64(len(d.queue)))
			d.process(ctx, req)
		}
	}
}

// process runs one request to completion, retries included, and records
// the outcome. The audit write uses a context detached from shutdown so the
// final result of an in-flight request is never lost.
func (d *Dispatcher) process(ctx context.Context, req models.BanRequest) {
	start := time.Now()
	res, err := d.applyWithRetry(ctx, req)
	dur := time.Since(start)

	if err != nil {
		d.failed.Add(1)
		d.mu.Lock()
		d.lastErr = err
		d.lastFailed = d.clock()
		d.mu.Unlock()
		metrics.RecordEnforcement(string(req.Action), "failed", dur)
		logging.Error().
			Err(err).
			Str("request_id", req.ID).
			Str("action", string(req.Action)).
			Str("ip", req.IPAddress).
			Str("username", req.Username).
			Msg("enforcement request failed")
	} else {
		d.applied.Add(1)
		metrics.RecordEnforcement(string(req.Action), "applied", dur)
	}

	if d.audit != nil {
		d.audit.RecordBan(context.WithoutCancel(ctx), req, res, err)
	}
}

func (d *Dispatcher) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.InitialBackoff
	exp.MaxInterval = d.cfg.MaxBackoff
	exp.MaxElapsedTime = 0 // bounded by MaxRetries instead

	var b backoff.BackOff = exp
	if d.cfg.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

func (d *Dispatcher) applyWithRetry(ctx context.Context, req models.BanRequest) (*models.BanResult, error) {
	var res *models.BanResult
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()

		r, err := d.applier.Apply(attemptCtx, req)
		res = r
		// Permanent stops backoff immediately
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.retries.Add(1)
		metrics.EnforcementRetries.Inc()
		logging.Warn().
			Err(err).
			Str("request_id", req.ID).
			Dur("retry_in", wait).
			Msg("enforcement attempt failed, retrying")
	}

	err := backoff.RetryNotify(op, d.newBackOff(ctx), notify)
	return res, err
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var verr *validation.RequestValidationError
	switch {
	case errors.As(err, &verr):
		return false
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNothingApplied):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}
	return true
}

// Stats returns counters for the status endpoint.
func (d *Dispatcher) Stats() DispatcherStats {
	s := DispatcherStats{
		Submitted:  d.submitted.Load(),
		Applied:    d.applied.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Retries:    d.retries.Load(),
		QueueDepth: len(d.queue),
	}
	d.mu.Lock()
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
		t := d.lastFailed
		s.LastFailed = &t
	}
	d.mu.Unlock()
	return s
}

// recentFailureWindow is how long a failed request keeps the dispatcher
// degraded.
const recentFailureWindow = 5 * time.Minute

// HealthCheck implements health.Checkable.
func (d *Dispatcher) HealthCheck(_ context.Context) health.Component {
	stats := d.Stats()
	c := health.Component{
		Healthy: d.running.Load(),
		Message: "running",
		Details: map[string]interface{}{
			"applied":     stats.Applied,
			"failed":      stats.Failed,
			"dropped":     stats.Dropped,
			"queue_depth": stats.QueueDepth,
		},
	}
	if !c.Healthy {
		c.Message = "not running"
		return c
	}
	if stats.LastFailed != nil && d.clock().Sub(*stats.LastFailed) < recentFailureWindow {
		c.Degraded = true
		c.Message = "recent enforcement failures"
		c.Error = stats.LastError
	}
	return c
}

// Running reports whether Serve is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}
