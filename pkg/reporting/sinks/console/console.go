// Package console provides a sink that prints reports to a terminal in
// human-readable form. Useful for development and as a last-resort sink.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// ConsoleSinkOption configures the console sink.
type ConsoleSinkOption func(*consoleSinkConfig)

type consoleSinkConfig struct {
	verbose bool
	out     io.Writer
}

// WithVerbose includes stack traces and metadata.
func WithVerbose() ConsoleSinkOption {
	return func(c *consoleSinkConfig) {
		c.verbose = true
	}
}

// WithWriter redirects output (default: os.Stderr). Colors are only
// emitted when the writer is a terminal.
func WithWriter(w io.Writer) ConsoleSinkOption {
	return func(c *consoleSinkConfig) {
		if w != nil {
			c.out = w
		}
	}
}

type consoleSink struct {
	mu       sync.Mutex
	out      io.Writer
	verbose  bool
	styles   map[apperr.Severity]lipgloss.Style
	dimStyle lipgloss.Style
}

// NewConsoleSink creates a sink that writes formatted reports.
func NewConsoleSink(opts ...ConsoleSinkOption) reporting.Sink {
	cfg := &consoleSinkConfig{out: os.Stderr}
	for _, opt := range opts {
		opt(cfg)
	}

	r := lipgloss.NewRenderer(cfg.out)
	return &consoleSink{
		out:     cfg.out,
		verbose: cfg.verbose,
		styles: map[apperr.Severity]lipgloss.Style{
			apperr.SeverityLow:      r.NewStyle().Foreground(lipgloss.Color("245")),
			apperr.SeverityMedium:   r.NewStyle().Foreground(lipgloss.Color("214")),
			apperr.SeverityHigh:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			apperr.SeverityCritical: r.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("160")).Bold(true),
		},
		dimStyle: r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Report formats and writes the report. It never fails.
func (s *consoleSink) Report(ctx context.Context, r reporting.Report) error {
	var b strings.Builder

	// [RELAY] <timestamp> <SEVERITY> <name> in <operation> (service: <service>)
	severity := strings.ToUpper(string(r.Severity))
	if style, ok := s.styles[r.Severity]; ok {
		severity = style.Render(severity)
	}

	parts := []string{
		"[RELAY]",
		r.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		severity,
		r.Error.Name,
	}
	if r.Context.Operation != "" {
		parts = append(parts, "in "+r.Context.Operation)
	}
	parts = append(parts, fmt.Sprintf("(service: %s, env: %s)", r.Context.Service, r.Context.Environment))
	b.WriteString(strings.Join(parts, " "))
	b.WriteByte('\n')

	if r.Error.Message != "" {
		fmt.Fprintf(&b, "        Message: %s\n", r.Error.Message)
	}
	if r.Context.CorrelationID != "" {
		fmt.Fprintf(&b, "        Correlation: %s\n", r.Context.CorrelationID)
	}
	if who := identity(r.Context); who != "" {
		fmt.Fprintf(&b, "        %s\n", who)
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "        Fingerprint: %s\n", s.dimStyle.Render(r.Fingerprint))
	}

	if s.verbose {
		if len(r.Metadata) > 0 {
			if data, err := json.Marshal(r.Metadata); err == nil {
				fmt.Fprintf(&b, "        Metadata: %s\n", data)
			}
		}
		if r.Error.Stack != "" {
			b.WriteString("        Stack trace:\n")
			for _, line := range strings.Split(r.Error.Stack, "\n") {
				fmt.Fprintf(&b, "          %s\n", line)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, b.String())
	return nil
}

func identity(rc reporting.ReportContext) string {
	var parts []string
	if rc.ActorID != "" {
		parts = append(parts, "Actor: "+rc.ActorID)
	}
	if rc.ChannelID != "" {
		parts = append(parts, "Channel: "+rc.ChannelID)
	}
	if rc.GuildID != "" {
		parts = append(parts, "Guild: "+rc.GuildID)
	}
	return strings.Join(parts, "  ")
}

// Flush is a no-op for the console sink.
func (s *consoleSink) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op for the console sink.
func (s *consoleSink) Close() error {
	return nil
}
