// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/models"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// Retention is how long to keep audit events. Zero keeps them forever.
	Retention time.Duration `json:"retention"`

	// CleanupInterval is how often to run retention cleanup.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// LogToStdout also writes events to the application log.
	LogToStdout bool `json:"log_to_stdout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Retention:       90 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		BufferSize:      1000,
	}
}

// ConfigFrom maps the audit config section.
func ConfigFrom(cfg config.AuditConfig) *Config {
	c := DefaultConfig()
	if cfg.BufferSize > 0 {
		c.BufferSize = cfg.BufferSize
	}
	c.Retention = cfg.Retention
	return c
}

// SystemActorID identifies the external enforcer in audit events.
const SystemActorID = "fail2ban"

// Logger writes audit events asynchronously.
type Logger struct {
	config    *Config
	store     Store
	eventChan chan *Event
	mu        sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	clock     func() time.Time
}

// NewLogger creates a new audit logger and starts its writer.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	l := &Logger{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
		clock:     time.Now,
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			// Drain remaining events
			for {
				select {
				case event := <-l.eventChan:
					l.writeEvent(event)
				default:
					return
				}
			}
		case event := <-l.eventChan:
			l.writeEvent(event)
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	l.mu.RLock()
	toStdout := l.config.LogToStdout
	l.mu.RUnlock()

	if toStdout {
		l.logToStdout(event)
	}

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.store.Save(ctx, event); err != nil {
			logging.Error().Err(err).Str("event_id", event.ID).Msg("Failed to save audit event")
		}
	}
}

func (l *Logger) logToStdout(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal audit event")
		return
	}
	logging.Info().RawJSON("event", data).Msg("Audit event")
}

// Log queues an audit event. It never blocks; a full buffer drops the event.
func (l *Logger) Log(event *Event) {
	if !l.Enabled() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock().UTC()
	}

	select {
	case l.eventChan <- event:
	default:
		logging.Warn().Str("event_id", event.ID).Msg("Audit event buffer full, dropping event")
	}
}

// RecordBan records the final outcome of a ban or unban request.
func (l *Logger) RecordBan(_ context.Context, req models.BanRequest, res *models.BanResult, err error) {
	event := &Event{
		Type:      EventTypeBan,
		Severity:  SeverityWarning,
		Outcome:   OutcomeSuccess,
		Actor:     Actor{ID: SystemActorID, Type: "service", Name: "fail2ban"},
		Target:    Target{IPAddress: req.IPAddress, Username: req.Username},
		Action:    string(req.Action),
		RequestID: req.ID,
	}
	if req.Action == models.BanActionUnban {
		event.Type = EventTypeUnban
		event.Severity = SeverityInfo
	}

	meta := map[string]interface{}{"reason": req.Reason}
	if req.DurationSeconds != nil {
		meta["duration"] = *req.DurationSeconds
	}
	if res != nil {
		meta["result"] = res
	}

	if err != nil {
		event.Outcome = OutcomeFailure
		event.Severity = SeverityError
		event.Description = string(req.Action) + " failed: " + err.Error()
		meta["error"] = err.Error()
	} else {
		event.Description = describe(req, res)
	}
	event.Metadata = mustJSON(meta)

	l.Log(event)
}

// RecordRelease records a suspension that expired and was lifted.
func (l *Logger) RecordRelease(username string) {
	l.Log(&Event{
		Type:        EventTypeRelease,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       Actor{ID: "system", Type: "system", Name: "Marzguard"},
		Target:      Target{Username: username},
		Action:      "release",
		Description: "Suspension expired for " + username,
	})
}

func describe(req models.BanRequest, res *models.BanResult) string {
	subject := req.IPAddress
	if req.Username != "" {
		subject = req.Username + " (" + req.IPAddress + ")"
	}
	if req.Action == models.BanActionUnban {
		return "Unbanned " + subject
	}
	if res != nil && res.Indefinite {
		return "Banned " + subject + " indefinitely"
	}
	if res != nil && res.ExpiresAt != nil {
		return "Banned " + subject + " until " + res.ExpiresAt.Format(time.RFC3339)
	}
	return "Banned " + subject
}

// Close stops the writer after flushing queued events.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
	return nil
}

// Serve runs retention cleanup until ctx is canceled.
func (l *Logger) Serve(ctx context.Context) error {
	l.mu.RLock()
	interval := l.config.CleanupInterval
	retention := l.config.Retention
	l.mu.RUnlock()

	if retention <= 0 || l.store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Cleanup(ctx, retention)
		}
	}
}

func (l *Logger) String() string {
	return "audit-retention"
}

// Cleanup deletes events older than retention and returns how many went.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) int64 {
	cutoff := l.clock().Add(-retention)
	count, err := l.store.Delete(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Audit cleanup error")
		return 0
	}
	if count > 0 {
		logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
	}
	return count
}

// Query retrieves events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of events matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Enabled = enabled
}

// Enabled returns whether audit logging is enabled.
func (l *Logger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Enabled
}

// mustJSON converts a value to JSON, returning empty object on error.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
