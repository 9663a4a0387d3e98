// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package violationlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("violation log closed")

// Sink receives classified violation events. The Writer is the primary
// sink; the websocket hub and tests provide others.
type Sink interface {
	Write(ctx context.Context, ev models.ViolationEvent) error
}

// Options configures a Writer.
type Options struct {
	Enabled bool
	Path    string

	// DegradedAfter consecutive failures mark the writer degraded.
	DegradedAfter int

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// OptionsFromConfig maps the fail2ban section to writer options.
func OptionsFromConfig(cfg config.Fail2banConfig) Options {
	return Options{
		Enabled:       cfg.Enabled,
		Path:          cfg.LogPath,
		DegradedAfter: cfg.DegradedAfter,
	}
}

// Writer appends violation lines to the fail2ban log file.
type Writer struct {
	opts Options

	mu       sync.Mutex
	file     *os.File
	last     time.Time
	failures int
	degraded bool
	lastErr  error
	written  int64
	closed   bool
}

// NewWriter creates a writer. The file is opened lazily on first write.
func NewWriter(opts Options) *Writer {
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Writer{opts: opts}
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.opts.Path
}

// Enabled reports whether events are written at all.
func (w *Writer) Enabled() bool {
	return w.opts.Enabled
}

// Write appends ev. A disabled writer accepts and discards events.
func (w *Writer) Write(ctx context.Context, ev models.ViolationEvent) error {
	if !w.opts.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.opts.Clock()
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Second)
	if ev.Timestamp.Before(w.last) {
		ev.Timestamp = w.last
	}

	line, err := Format(ev)
	if err != nil {
		metrics.RecordLogWrite(err)
		return err
	}

	err = w.writeLine(line)
	metrics.RecordLogWrite(err)
	if err != nil {
		w.recordFailure(err)
		return err
	}

	w.last = ev.Timestamp
	w.written++
	if w.failures > 0 || w.degraded {
		logging.Info().
			Str("path", w.opts.Path).
			Int("failures", w.failures).
			Msg("violation log writable again")
	}
	w.failures = 0
	w.lastErr = nil
	if w.degraded {
		w.degraded = false
		metrics.SetLogDegraded(false)
	}
	return nil
}

func (w *Writer) writeLine(line string) error {
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := w.file.Write(buf); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("write violation log: %w", err)
	}
	return nil
}

func (w *Writer) open() error {
	if dir := filepath.Dir(w.opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(w.opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open violation log: %w", err)
	}
	w.file = f
	return nil
}

func (w *Writer) recordFailure(err error) {
	w.failures++
	w.lastErr = err
	if !w.degraded && w.failures >= w.opts.DegradedAfter {
		w.degraded = true
		metrics.SetLogDegraded(true)
		logging.Error().
			Err(err).
			Str("path", w.opts.Path).
			Int("failures", w.failures).
			Msg("violation log degraded")
		return
	}
	logging.Warn().
		Err(err).
		Str("path", w.opts.Path).
		Int("failures", w.failures).
		Msg("violation log write failed")
}

// SelfTest writes the TEST sentinel line.
func (w *Writer) SelfTest(ctx context.Context) error {
	if !w.opts.Enabled {
		logging.Info().Msg("fail2ban integration disabled, skipping log self-test")
		return nil
	}
	if err := w.Write(ctx, models.TestEvent(w.opts.Clock())); err != nil {
		return fmt.Errorf("violation log self-test: %w", err)
	}
	logging.Info().Str("path", w.opts.Path).Msg("violation log initialized")
	return nil
}

// Degraded reports whether the failure threshold has been reached.
func (w *Writer) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// HealthCheck implements health.Checkable.
func (w *Writer) HealthCheck(_ context.Context) health.Component {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := health.Component{
		Healthy: true,
		Details: map[string]interface{}{
			"enabled":              w.opts.Enabled,
			"path":                 w.opts.Path,
			"lines_written":        w.written,
			"consecutive_failures": w.failures,
		},
	}
	switch {
	case !w.opts.Enabled:
		c.Message = "disabled"
	case w.degraded:
		c.Degraded = true
		c.Message = "repeated write failures"
		if w.lastErr != nil {
			c.Error = w.lastErr.Error()
		}
	default:
		c.Message = "writable"
	}
	return c
}

// Close closes the file. Later writes fail with ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
