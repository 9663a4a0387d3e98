// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomtom215/marzguard/internal/config"
	"github.com/tomtom215/marzguard/internal/health"
	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
)

// Subscriber consumes sample messages from a core NATS subject and feeds
// them to a Pool. It implements suture.Service.
type Subscriber struct {
	url        string
	subject    string
	queueGroup string
	pool       *Pool

	received     atomic.Int64
	decodeFailed atomic.Int64

	mu sync.Mutex
	nc *nats.Conn
}

// NewSubscriber creates a subscriber. url overrides cfg.URL when non-empty
// so an embedded server's address can be injected.
func NewSubscriber(cfg config.NATSConfig, url string, pool *Pool) *Subscriber {
	if url == "" {
		url = cfg.URL
	}
	return &Subscriber{
		url:        url,
		subject:    cfg.Subject,
		queueGroup: cfg.QueueGroup,
		pool:       pool,
	}
}

// Serve connects, subscribes and blocks until ctx is canceled, then
// drains the subscription.
func (s *Subscriber) Serve(ctx context.Context) error {
	nc, err := nats.Connect(s.url,
		nats.Name("marzguard-ingest"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS ingest disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS ingest reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	if s.queueGroup != "" {
		_, err = nc.QueueSubscribe(s.subject, s.queueGroup, s.handleMsg)
	} else {
		_, err = nc.Subscribe(s.subject, s.handleMsg)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}

	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()

	logging.Info().
		Str("subject", s.subject).
		Str("queue_group", s.queueGroup).
		Msg("NATS ingest subscribed")

	<-ctx.Done()

	s.mu.Lock()
	s.nc = nil
	s.mu.Unlock()
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	return ctx.Err()
}

func (s *Subscriber) String() string {
	return "nats-ingest"
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	s.received.Add(1)
	metrics.IngestMessages.WithLabelValues("received").Inc()

	sample, err := Decode(msg.Data)
	if err != nil {
		s.decodeFailed.Add(1)
		metrics.IngestMessages.WithLabelValues("decode_failed").Inc()
		logging.Debug().Err(err).Int("bytes", len(msg.Data)).Msg("Dropping undecodable sample")
		return
	}
	metrics.IngestMessages.WithLabelValues("decoded").Inc()
	s.pool.Submit(sample)
}

// Connected reports whether the NATS connection is up.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

// HealthCheck implements health.Checkable. A reconnecting client is
// degraded rather than unhealthy.
func (s *Subscriber) HealthCheck(_ context.Context) health.Component {
	st := s.pool.Stats()
	c := health.Component{
		Healthy: true,
		Message: "connected",
		Details: map[string]interface{}{
			"subject":       s.subject,
			"received":      s.received.Load(),
			"decode_failed": s.decodeFailed.Load(),
			"dropped":       st.Dropped,
			"queue_depth":   st.QueueDepth,
		},
	}
	if !s.Connected() {
		c.Degraded = true
		c.Message = "not connected"
	}
	return c
}
