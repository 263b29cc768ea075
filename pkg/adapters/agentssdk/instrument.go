// Package agentssdk instruments an ai-agents-sdk Runner for the relay.
//
// Every run executes inside an AI correlation scope. Hooks record which
// agent, model and tool were active into that scope's metadata, so a
// failure reported at the runner boundary carries them. Failures are
// returned as ClaudeError; panics are reported as critical and re-raised.
package agentssdk

import (
	"log/slog"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCorrelation sets the correlation manager that opens the AI scope.
func WithCorrelation(m *correlation.Manager) Option {
	return func(r *Runner) {
		if m != nil {
			r.correlation = m
		}
	}
}

// WithErrorHandler sets the handler that classifies and logs failures.
func WithErrorHandler(h *apperr.Handler) Option {
	return func(r *Runner) {
		if h != nil {
			r.errors = h
		}
	}
}

// Instrument wraps baseRunner so failures are reported through reports.
//
// Example:
//
//	stack, _ := observe.New(cfg)
//	runner := agentssdk.Instrument(agents.NewRunner(client), stack.Reports,
//		agentssdk.WithCorrelation(stack.Correlation),
//		agentssdk.WithErrorHandler(stack.Errors),
//		agentssdk.WithLogger(stack.Logger),
//	)
//	result, err := runner.Run(ctx, agent, input, session, nil)
func Instrument(baseRunner *agents.Runner, reports *reporting.Manager, opts ...Option) *Runner {
	r := &Runner{
		inner:   baseRunner,
		reports: reports,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.correlation == nil {
		r.correlation = correlation.NewManager(correlation.WithLogger(r.logger))
	}
	if r.errors == nil {
		r.errors = apperr.NewHandler(apperr.WithLogger(r.logger))
	}
	return r
}
