// Package noop provides a sink that discards all reports.
// Useful for tests and for running with error reporting disabled.
package noop

import (
	"context"

	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

type noopSink struct{}

// NewNoopSink creates a sink that discards all reports.
func NewNoopSink() reporting.Sink {
	return noopSink{}
}

func (noopSink) Report(ctx context.Context, r reporting.Report) error {
	return nil
}

func (noopSink) Flush(ctx context.Context) error {
	return nil
}

func (noopSink) Close() error {
	return nil
}
