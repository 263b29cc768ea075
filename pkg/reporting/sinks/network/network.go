// Package network provides a sink that batches reports and POSTs them to a
// collection endpoint, retrying with exponential backoff.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// NetworkSinkOption configures the network sink.
type NetworkSinkOption func(*networkSinkConfig)

type networkSinkConfig struct {
	apiKey        string
	batchSize     int
	flushInterval time.Duration
	retries       int
	baseDelay     time.Duration
	timeout       time.Duration
	maxQueueSize  int
	client        *http.Client
	logger        *slog.Logger
	metrics       *telemetry.Metrics
}

// WithAPIKey sends "Authorization: Bearer <key>" with every batch.
func WithAPIKey(key string) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		c.apiKey = key
	}
}

// WithBatchSize sets the queue length that triggers a flush (default: 10).
func WithBatchSize(n int) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval (default: 30s).
// A negative value disables the periodic flusher.
func WithFlushInterval(d time.Duration) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if d != 0 {
			c.flushInterval = d
		}
	}
}

// WithRetries sets the total number of delivery attempts per flush (default: 3).
func WithRetries(n int) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithRetryBaseDelay sets the base of the base*2^attempt backoff (default: 1s).
func WithRetryBaseDelay(d time.Duration) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithTimeout sets the per-attempt request timeout (default: 10s).
func WithTimeout(d time.Duration) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxQueueSize caps the queue; the oldest reports are dropped beyond
// it. The default 0 keeps the queue unbounded.
func WithMaxQueueSize(n int) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if n >= 0 {
			c.maxQueueSize = n
		}
	}
}

// WithHTTPClient overrides the HTTP client (default: http.DefaultClient).
func WithHTTPClient(client *http.Client) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts failed flushes and dropped reports.
func WithMetrics(m *telemetry.Metrics) NetworkSinkOption {
	return func(c *networkSinkConfig) {
		c.metrics = m
	}
}

// batchPayload is the request body sent to the endpoint.
type batchPayload struct {
	Reports []reporting.Report `json:"reports"`
}

// networkSink queues reports and delivers them in batches.
type networkSink struct {
	endpoint string
	cfg      networkSinkConfig

	mu     sync.Mutex
	queue  []reporting.Report
	closed bool
	// failing is set while the last delivery failed. A full batch then
	// waits for the ticker or an explicit Flush instead of retrying inline.
	failing bool

	// flushMu serializes flushes so two never run against the same queue.
	flushMu sync.Mutex

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNetworkSink creates a batching sink posting to endpoint. It owns a
// background flusher goroutine that Close stops after a final drain.
func NewNetworkSink(endpoint string, opts ...NetworkSinkOption) reporting.Sink {
	cfg := networkSinkConfig{
		batchSize:     10,
		flushInterval: 30 * time.Second,
		retries:       3,
		baseDelay:     time.Second,
		timeout:       10 * time.Second,
		client:        http.DefaultClient,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &networkSink{
		endpoint: endpoint,
		cfg:      cfg,
		done:     make(chan struct{}),
	}

	if cfg.flushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop()
	}
	return s
}

func (s *networkSink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Failures are logged and re-queued by Flush.
			_ = s.Flush(context.Background())
		case <-s.done:
			return
		}
	}
}

// Report enqueues the report. A full batch or a critical report flushes
// synchronously; a failed flush is logged and the reports stay queued, so
// Report itself only fails once the sink is closed. While the endpoint is
// failing only critical reports flush inline.
func (s *networkSink) Report(ctx context.Context, r reporting.Report) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("network sink is closed")
	}
	s.queue = append(s.queue, r)
	s.enforceCapLocked(ctx)
	shouldFlush := r.Severity == apperr.SeverityCritical ||
		(len(s.queue) >= s.cfg.batchSize && !s.failing)
	s.mu.Unlock()

	if shouldFlush {
		_ = s.Flush(ctx)
	}
	return nil
}

// enforceCapLocked drops the oldest reports beyond maxQueueSize.
// Callers hold s.mu.
func (s *networkSink) enforceCapLocked(ctx context.Context) {
	if s.cfg.maxQueueSize <= 0 || len(s.queue) <= s.cfg.maxQueueSize {
		return
	}
	excess := len(s.queue) - s.cfg.maxQueueSize
	s.queue = append([]reporting.Report(nil), s.queue[excess:]...)
	s.cfg.logger.WarnContext(ctx, "network sink queue full, dropping oldest reports",
		"dropped", excess,
		"max_queue_size", s.cfg.maxQueueSize,
	)
	s.cfg.metrics.RecordDropped(ctx, "queue_full", excess)
}

// Flush sends everything queued as one batch. On failure the batch goes
// back to the front of the queue, ahead of reports submitted meanwhile.
func (s *networkSink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.send(ctx, batch); err != nil {
		s.mu.Lock()
		s.queue = append(batch, s.queue...)
		s.enforceCapLocked(ctx)
		s.failing = true
		s.mu.Unlock()

		s.cfg.logger.ErrorContext(ctx, "failed to deliver error report batch",
			"endpoint", s.endpoint,
			"batch_size", len(batch),
			"attempts", s.cfg.retries,
			"error", err,
		)
		s.cfg.metrics.RecordFlushFailure(ctx, "network", len(batch))
		return fmt.Errorf("deliver batch of %d reports: %w", len(batch), err)
	}

	s.mu.Lock()
	s.failing = false
	s.mu.Unlock()
	return nil
}

func (s *networkSink) send(ctx context.Context, batch []reporting.Report) error {
	body, err := json.Marshal(batchPayload{Reports: batch})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.baseDelay << 10

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.retries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.cfg.logger.DebugContext(ctx, "retrying error report batch",
				"error", err,
				"next_attempt_in", next,
			)
		}),
	)
	return err
}

func (s *networkSink) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.apiKey)
	}

	resp, err := s.cfg.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the periodic flusher and drains the queue once.
func (s *networkSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout*time.Duration(s.cfg.retries)+s.cfg.baseDelay<<uint(s.cfg.retries))
		defer cancel()
		err = s.Flush(ctx)
	})
	return err
}
