package reporting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/correlation"
)

// mockSink records reports for testing.
type mockSink struct {
	mu       sync.Mutex
	reports  []Report
	flushed  int
	closed   bool
	writeErr error
}

func (s *mockSink) Report(ctx context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *mockSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSink) getReports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func newLoggedManager(opts ...ManagerOption) (*Manager, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewManager(append([]ManagerOption{WithLogger(logger)}, opts...)...), &buf
}

func TestManager_UninitializedDropsWithWarning(t *testing.T) {
	m, logs := newLoggedManager()

	assert.False(t, m.Initialized())
	m.ReportError(context.Background(), errors.New("boom"), ReportContext{}, nil)

	assert.Contains(t, logs.String(), "error reporting not initialized")
	assert.Contains(t, logs.String(), "level=WARN")
	assert.NoError(t, m.Flush(context.Background()))
	assert.NoError(t, m.Close())
}

func TestManager_ReportErrorBuildsReport(t *testing.T) {
	sink := &mockSink{}
	m := NewManager(WithDefaults(Defaults{Service: "relay", Environment: "test", Version: "1.2.3"}))
	m.Initialize(sink)

	m.ReportError(context.Background(), apperr.NewClaude("overloaded"), ReportContext{Operation: "generate"}, map[string]any{"attempt": 1})

	reports := sink.getReports()
	require.Len(t, reports, 1)
	r := reports[0]

	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, apperr.SeverityHigh, r.Severity)
	assert.Equal(t, "ClaudeError", r.Error.Name)
	assert.Equal(t, "overloaded", r.Error.Message)
	assert.Equal(t, "CLAUDE_ERROR", r.Error.Code)
	assert.NotEmpty(t, r.Error.Stack)
	assert.Equal(t, "relay", r.Context.Service)
	assert.Equal(t, "test", r.Context.Environment)
	assert.Equal(t, "1.2.3", r.Context.Version)
	assert.Equal(t, "generate", r.Context.Operation)
	assert.Equal(t, 1, r.Metadata["attempt"])
	assert.Equal(t, Fingerprint("ClaudeError", "relay", "generate"), r.Fingerprint)
}

func TestManager_EnrichesFromCorrelation(t *testing.T) {
	sink := &mockSink{}
	m := NewManager()
	m.Initialize(sink)
	cm := correlation.NewManager()

	err := cm.WithAIContext(context.Background(), correlation.Fields{
		CorrelationID: "req-1",
		ActorID:       "u1",
		ChannelID:     "c1",
		GuildID:       "g1",
		MessageID:     "m1",
	}, "generate", "sonnet", func(ctx context.Context) error {
		m.ReportError(ctx, apperr.NewClaude("x"), ReportContext{}, map[string]any{"model": "override"})
		return nil
	})
	require.NoError(t, err)

	reports := sink.getReports()
	require.Len(t, reports, 1)
	r := reports[0]

	assert.Equal(t, "req-1", r.Context.CorrelationID)
	assert.Equal(t, "u1", r.Context.ActorID)
	assert.Equal(t, "c1", r.Context.ChannelID)
	assert.Equal(t, "g1", r.Context.GuildID)
	assert.Equal(t, "generate", r.Context.Operation)
	assert.Equal(t, "ai", r.Metadata["serviceType"])
	assert.Equal(t, "override", r.Metadata["model"])
	assert.Equal(t, "m1", r.Metadata["messageId"])
	assert.Equal(t, DefaultService, r.Context.Service)
	assert.Equal(t, DefaultEnvironment, r.Context.Environment)
}

func TestManager_CallerContextWins(t *testing.T) {
	sink := &mockSink{}
	m := NewManager()
	m.Initialize(sink)
	cm := correlation.NewManager()

	_ = cm.Run(context.Background(), correlation.Fields{ActorID: "bound"}, func(ctx context.Context) error {
		m.ReportError(ctx, errors.New("x"), ReportContext{ActorID: "explicit"}, nil)
		return nil
	})

	assert.Equal(t, "explicit", sink.getReports()[0].Context.ActorID)
}

func TestManager_ScrubsReports(t *testing.T) {
	sink := &mockSink{}
	m := NewManager(WithDefaultScrubbing())
	m.Initialize(sink)

	m.ReportError(context.Background(), errors.New("login failed: password=hunter2"), ReportContext{}, map[string]any{"botToken": "abc"})

	r := sink.getReports()[0]
	assert.NotContains(t, r.Error.Message, "hunter2")
	assert.Equal(t, "[REDACTED]", r.Metadata["botToken"])
}

func TestManager_SinkFailureContained(t *testing.T) {
	sink := &mockSink{writeErr: errors.New("sink down")}
	m, logs := newLoggedManager()
	m.Initialize(sink)

	assert.NotPanics(t, func() {
		m.ReportError(context.Background(), errors.New("x"), ReportContext{}, nil)
	})
	assert.Contains(t, logs.String(), "failed to deliver error report")
}

func TestManager_ReinitializeReplacesSink(t *testing.T) {
	first, second := &mockSink{}, &mockSink{}
	m := NewManager()
	m.Initialize(first)
	m.Initialize(second)

	m.ReportError(context.Background(), errors.New("x"), ReportContext{}, nil)

	assert.Empty(t, first.getReports())
	assert.Len(t, second.getReports(), 1)
	assert.False(t, first.closed)
}

func TestManager_FlushAndClose(t *testing.T) {
	sink := &mockSink{}
	m := NewManager()
	m.Initialize(sink)

	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Close())

	assert.Equal(t, 1, sink.flushed)
	assert.True(t, sink.closed)
	assert.False(t, m.Initialized())
}

func TestManager_ReportPrebuilt(t *testing.T) {
	sink := &mockSink{}
	m := NewManager(WithSystemState(startTimeForTest))
	m.Initialize(sink)

	m.Report(context.Background(), Report{
		ID:      "r1",
		Error:   ErrorInfo{Name: "Error", Message: "m"},
		Context: ReportContext{Service: "s", Operation: "o"},
	})

	r := sink.getReports()[0]
	assert.Equal(t, Fingerprint("Error", "s", "o"), r.Fingerprint)
	require.NotNil(t, r.System)
	assert.Greater(t, r.System.GoroutineCount, 0)
}

func TestBuilder_SeverityOverrideAndStack(t *testing.T) {
	b := NewBuilder(Defaults{})

	r := b.Build(errors.New("plain"), ReportContext{}, nil, WithSeverity(apperr.SeverityCritical), WithStack("custom stack"))
	assert.Equal(t, apperr.SeverityCritical, r.Severity)
	assert.Equal(t, "custom stack", r.Error.Stack)
	assert.Equal(t, "Error", r.Error.Name)
	assert.Empty(t, r.Error.Code)
}

func TestBuilder_UnstructuredSeverity(t *testing.T) {
	b := NewBuilder(Defaults{})

	r := b.Build(errors.New("Connection ECONNRESET by peer"), ReportContext{}, nil)
	assert.Equal(t, apperr.SeverityMedium, r.Severity)
	assert.Empty(t, r.Error.Stack, "the reporting call site is not the error's origin")
}

func failingQuery() error {
	return fmt.Errorf("load thread: %w", apperr.NewDatabase("connection refused"))
}

func TestBuilder_StackFromConstructionSite(t *testing.T) {
	b := NewBuilder(Defaults{})

	r := b.Build(failingQuery(), ReportContext{}, nil)
	assert.Contains(t, r.Error.Stack, "failingQuery")
	assert.NotContains(t, r.Error.Stack, "reporting.(*Builder).Build")
}

func TestBuilder_CopiesMetadata(t *testing.T) {
	b := NewBuilder(Defaults{})
	meta := map[string]any{"k": "v"}

	r := b.Build(errors.New("x"), ReportContext{}, meta)
	meta["k"] = "changed"

	assert.Equal(t, "v", r.Metadata["k"])
}
