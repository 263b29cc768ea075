// Package async provides a sink wrapper with a bounded queue for callers that
// must never wait on delivery. Reports are queued and handed to the inner
// sink by a background worker; the oldest report is dropped when full.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/reporting"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// AsyncSinkOption configures the async sink.
type AsyncSinkOption func(*asyncSinkConfig)

type asyncSinkConfig struct {
	queueSize    int
	pollInterval time.Duration
	onDropped    func(count int)
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// WithQueueSize sets the maximum number of queued reports (default: 1000).
func WithQueueSize(size int) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithPollInterval sets how often Flush checks for an empty queue (default: 10ms).
func WithPollInterval(d time.Duration) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithOnDropped sets a callback invoked when reports are dropped due to queue overflow.
func WithOnDropped(fn func(count int)) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		c.onDropped = fn
	}
}

// WithLogger sets the logger for inner sink failures and drops.
func WithLogger(logger *slog.Logger) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts dropped reports.
func WithMetrics(m *telemetry.Metrics) AsyncSinkOption {
	return func(c *asyncSinkConfig) {
		c.metrics = m
	}
}

type queued struct {
	ctx    context.Context
	report reporting.Report
}

// asyncSink wraps a sink with a bounded queue.
type asyncSink struct {
	inner reporting.Sink
	cfg   asyncSinkConfig
	queue chan queued

	// pending counts reports enqueued but not yet handed to inner.
	pending atomic.Int64

	// closeMu guards closed and the queue channel against send-after-close.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAsyncSink wraps a sink with a bounded queue for async delivery.
// Report returns immediately; reports are processed in the background.
func NewAsyncSink(inner reporting.Sink, opts ...AsyncSinkOption) reporting.Sink {
	cfg := asyncSinkConfig{
		queueSize:    1000,
		pollInterval: 10 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &asyncSink{
		inner: inner,
		cfg:   cfg,
		queue: make(chan queued, cfg.queueSize),
	}

	s.wg.Add(1)
	go s.processLoop()

	return s
}

// processLoop drains the queue until it is closed.
func (s *asyncSink) processLoop() {
	defer s.wg.Done()
	for item := range s.queue {
		if err := s.inner.Report(item.ctx, item.report); err != nil {
			s.cfg.logger.ErrorContext(item.ctx, "async sink delivery failed",
				"report_id", item.report.ID,
				"error", err,
			)
		}
		s.pending.Add(-1)
	}
}

// Report enqueues a report. The report keeps the caller's context values
// but not its cancellation.
func (s *asyncSink) Report(ctx context.Context, r reporting.Report) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return errors.New("async sink is closed")
	}

	item := queued{ctx: context.WithoutCancel(ctx), report: r}
	s.pending.Add(1)
	select {
	case s.queue <- item:
	default:
		s.dropOldestAndEnqueue(ctx, item)
	}
	return nil
}

// dropOldestAndEnqueue drops the oldest report and enqueues the new one.
func (s *asyncSink) dropOldestAndEnqueue(ctx context.Context, item queued) {
	select {
	case <-s.queue:
		s.pending.Add(-1)
		s.dropped(ctx)
	default:
		// Emptied by the worker meanwhile.
	}

	select {
	case s.queue <- item:
	default:
		s.pending.Add(-1)
		s.dropped(ctx)
	}
}

func (s *asyncSink) dropped(ctx context.Context) {
	s.cfg.logger.WarnContext(ctx, "async sink queue full, dropping oldest report",
		"queue_size", s.cfg.queueSize,
	)
	s.cfg.metrics.RecordDropped(ctx, "queue_full", 1)
	if s.cfg.onDropped != nil {
		s.cfg.onDropped(1)
	}
}

// Flush blocks until every queued report has reached the inner sink, then
// flushes the inner sink.
func (s *asyncSink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.pollInterval)
	defer ticker.Stop()

	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return s.inner.Flush(ctx)
}

// Close stops accepting reports, drains the queue and closes the inner sink.
func (s *asyncSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()

		s.wg.Wait()
	})

	return s.inner.Close()
}
