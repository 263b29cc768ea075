// manager.go provides the reporting Manager that enriches, scrubs and delivers reports.

package reporting

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/telemetry"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for warnings and sink failures.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics counts delivered and dropped reports.
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithDefaults sets service, environment and version for every report.
func WithDefaults(d Defaults) ManagerOption {
	return func(m *Manager) {
		m.builder = NewBuilder(d)
	}
}

// WithScrubber configures scrubbing with a custom configuration.
func WithScrubber(cfg ScrubberConfig) ManagerOption {
	return func(m *Manager) {
		m.scrubber = NewScrubber(cfg)
	}
}

// WithDefaultScrubbing enables scrubbing with production-safe defaults.
func WithDefaultScrubbing() ManagerOption {
	return WithScrubber(DefaultScrubberConfig())
}

// WithSystemState attaches a SystemState sample to every report.
// startTime is the process start used for uptime.
func WithSystemState(startTime time.Time) ManagerOption {
	return func(m *Manager) {
		m.captureSystem = true
		m.startTime = startTime
	}
}

// Manager is the single entry point for error reports. It starts
// uninitialized: until Initialize installs a sink, reports are logged with
// a warning and dropped.
type Manager struct {
	mu   sync.RWMutex
	sink Sink

	builder       *Builder
	scrubber      *Scrubber
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	captureSystem bool
	startTime     time.Time
}

// NewManager creates an uninitialized Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		builder: NewBuilder(Defaults{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize installs the active sink. Calling it again replaces the sink;
// the previous one is not closed and stays owned by the caller.
func (m *Manager) Initialize(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil {
		m.logger.Info("error reporting re-initialized, replacing sink")
	}
	m.sink = sink
}

// Initialized reports whether a sink is installed.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink != nil
}

func (m *Manager) activeSink() Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// ReportError builds a report for err and delivers it. Context fields the
// caller leaves empty are filled from the correlation context bound to
// ctx, and correlation metadata is merged under the caller's metadata.
// Delivery failures are logged, never returned.
func (m *Manager) ReportError(ctx context.Context, err error, rc ReportContext, metadata map[string]any, opts ...ReportOption) {
	rc, metadata = enrich(ctx, rc, metadata)
	m.deliver(ctx, m.builder.Build(err, rc, metadata, opts...))
}

// Report delivers an already-built report after scrubbing it. A missing
// fingerprint is derived from the report.
func (m *Manager) Report(ctx context.Context, r Report) {
	if r.Fingerprint == "" {
		r.Fingerprint = FingerprintReport(r)
	}
	m.deliver(ctx, r)
}

func (m *Manager) deliver(ctx context.Context, r Report) {
	sink := m.activeSink()
	if sink == nil {
		m.logger.WarnContext(ctx, "error reporting not initialized, dropping report",
			"error_name", r.Error.Name,
			"error_message", r.Error.Message,
			"severity", string(r.Severity),
		)
		m.metrics.RecordDropped(ctx, "uninitialized", 1)
		return
	}

	if m.scrubber != nil {
		r = m.scrubber.ScrubReport(r)
	}
	if m.captureSystem && r.System == nil {
		r.System = CaptureSystemState(m.startTime)
	}

	if err := sink.Report(ctx, r); err != nil {
		m.logger.ErrorContext(ctx, "failed to deliver error report",
			"report_id", r.ID,
			"error", err,
		)
		return
	}
	m.metrics.RecordReport(ctx, string(r.Severity))
}

// Flush flushes the active sink. It is a no-op when uninitialized.
func (m *Manager) Flush(ctx context.Context) error {
	sink := m.activeSink()
	if sink == nil {
		return nil
	}
	return sink.Flush(ctx)
}

// Close closes the active sink and returns the manager to the
// uninitialized state.
func (m *Manager) Close() error {
	m.mu.Lock()
	sink := m.sink
	m.sink = nil
	m.mu.Unlock()

	if sink == nil {
		return nil
	}
	return sink.Close()
}

func enrich(ctx context.Context, rc ReportContext, metadata map[string]any) (ReportContext, map[string]any) {
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return rc, metadata
	}
	snap := c.Snapshot()

	if rc.CorrelationID == "" {
		rc.CorrelationID = snap.CorrelationID
	}
	if rc.ActorID == "" {
		rc.ActorID = snap.ActorID
	}
	if rc.ChannelID == "" {
		rc.ChannelID = snap.ChannelID
	}
	if rc.GuildID == "" {
		rc.GuildID = snap.GuildID
	}
	if rc.Operation == "" {
		if op, ok := c.Metadata(correlation.MetadataOperation); ok {
			if s, ok := op.(string); ok {
				rc.Operation = s
			}
		}
	}

	if len(snap.Metadata) == 0 && snap.MessageID == "" {
		return rc, metadata
	}
	merged := make(map[string]any, len(snap.Metadata)+len(metadata)+1)
	if snap.MessageID != "" {
		merged["messageId"] = snap.MessageID
	}
	for _, kv := range snap.Metadata {
		merged[kv.Key] = kv.Value
	}
	maps.Copy(merged, metadata)
	return rc, merged
}
