// Package multi provides a sink that fans out to multiple sinks.
// All sinks receive every report concurrently; a failing or panicking
// child is logged and never affects its siblings or the caller.
package multi

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// MultiSinkOption configures the multi sink.
type MultiSinkOption func(*multiSink)

// WithLogger sets the logger for child failures.
func WithLogger(logger *slog.Logger) MultiSinkOption {
	return func(s *multiSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// multiSink fans out to multiple sinks.
type multiSink struct {
	sinks  []reporting.Sink
	logger *slog.Logger
}

// NewMultiSink creates a sink that writes to all of sinks.
func NewMultiSink(sinks []reporting.Sink, opts ...MultiSinkOption) reporting.Sink {
	s := &multiSink{
		sinks:  sinks,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report sends the report to every child and waits for all of them.
// It always returns nil.
func (s *multiSink) Report(ctx context.Context, r reporting.Report) error {
	s.fanOut(ctx, "report", func(sink reporting.Sink) error {
		return sink.Report(ctx, r)
	})
	return nil
}

// Flush flushes every child. It always returns nil.
func (s *multiSink) Flush(ctx context.Context) error {
	s.fanOut(ctx, "flush", func(sink reporting.Sink) error {
		return sink.Flush(ctx)
	})
	return nil
}

// Close closes every child. It always returns nil.
func (s *multiSink) Close() error {
	s.fanOut(context.Background(), "close", func(sink reporting.Sink) error {
		return sink.Close()
	})
	return nil
}

// fanOut runs fn against every child. A plain errgroup.Group (not
// WithContext) is used so one child's error never cancels the others.
func (s *multiSink) fanOut(ctx context.Context, op string, fn func(reporting.Sink) error) {
	var g errgroup.Group
	for i, sink := range s.sinks {
		g.Go(func() error {
			if err := s.call(sink, fn); err != nil {
				s.logger.ErrorContext(ctx, "error sink failed",
					"operation", op,
					"sink_index", i,
					"sink", fmt.Sprintf("%T", sink),
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *multiSink) call(sink reporting.Sink, fn func(reporting.Sink) error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	return fn(sink)
}
