// Marzguard - Traffic Violation Detection and Enforcement for Marzban
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marzguard

package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/marzguard/internal/logging"
	"github.com/tomtom215/marzguard/internal/metrics"
	"github.com/tomtom215/marzguard/internal/models"
)

// Handler consumes decoded samples. pipeline.Monitor implements it.
type Handler interface {
	Observe(ctx context.Context, sample models.TrafficSample) ([]models.ViolationEvent, error)
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
}

// Pool hands samples to a fixed number of workers through a bounded
// queue. Submit never blocks: a full queue drops the sample.
type Pool struct {
	handler Handler
	workers int
	queue   chan models.TrafficSample

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool. Non-positive sizes fall back to 1 worker and a
// queue of 1024.
func NewPool(workers, queueSize int, handler Handler) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		handler: handler,
		workers: workers,
		queue:   make(chan models.TrafficSample, queueSize),
	}
}

// Submit enqueues a sample and reports whether it was accepted.
func (p *Pool) Submit(s models.TrafficSample) bool {
	select {
	case p.queue <- s:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		p.dropped.Add(1)
		metrics.IngestMessages.WithLabelValues("dropped").Inc()
		return false
	}
}

// Serve runs the workers until ctx is canceled.
func (p *Pool) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) String() string {
	return "ingest-workers"
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.queue:
			metrics.IngestQueueDepth.Set(float64(len(p.queue)))
			if _, err := p.handler.Observe(ctx, s); err != nil {
				p.failed.Add(1)
				logging.Debug().
					Err(err).
					Str("username", logging.SanitizeValue(s.Username)).
					Msg("Sample rejected")
				continue
			}
			p.processed.Add(1)
		}
	}
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		QueueDepth: len(p.queue),
		Workers:    p.workers,
	}
}
