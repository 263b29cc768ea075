package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

func TestConsoleSink_ImplementsSinkInterface(t *testing.T) {
	var _ reporting.Sink = NewConsoleSink()
}

func testReport() reporting.Report {
	return reporting.Report{
		ID:        "r-1",
		Timestamp: time.Date(2026, 1, 26, 15, 4, 5, 0, time.UTC),
		Severity:  apperr.SeverityHigh,
		Error: reporting.ErrorInfo{
			Name:    "ClaudeError",
			Message: "overloaded",
			Stack:   "main.run\n\tmain.go:10",
		},
		Context: reporting.ReportContext{
			CorrelationID: "req-1",
			ActorID:       "u1",
			ChannelID:     "c1",
			Service:       "relay",
			Operation:     "generate",
			Environment:   "test",
		},
		Metadata:    map[string]any{"model": "sonnet"},
		Fingerprint: "abc123def4567890",
	}
}

func TestConsoleSink_FormatsOutput(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(WithWriter(&buf))

	if err := sink.Report(context.Background(), testReport()); err != nil {
		t.Fatalf("Report returned error: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"[RELAY]",
		"2026-01-26T15:04:05Z",
		"HIGH",
		"ClaudeError",
		"in generate",
		"(service: relay, env: test)",
		"Message: overloaded",
		"Correlation: req-1",
		"Actor: u1",
		"Channel: c1",
		"Fingerprint: abc123def4567890",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Stack trace") {
		t.Errorf("non-verbose output should not include stack trace")
	}
	if strings.Contains(output, "Metadata") {
		t.Errorf("non-verbose output should not include metadata")
	}
}

func TestConsoleSink_Verbose(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(WithWriter(&buf), WithVerbose())

	_ = sink.Report(context.Background(), testReport())
	output := buf.String()

	if !strings.Contains(output, "Stack trace:") || !strings.Contains(output, "main.go:10") {
		t.Errorf("verbose output should include stack trace:\n%s", output)
	}
	if !strings.Contains(output, `Metadata: {"model":"sonnet"}`) {
		t.Errorf("verbose output should include metadata:\n%s", output)
	}
}

func TestConsoleSink_FlushAndClose(t *testing.T) {
	sink := NewConsoleSink(WithWriter(&bytes.Buffer{}))

	if err := sink.Flush(context.Background()); err != nil {
		t.Errorf("Flush returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}
