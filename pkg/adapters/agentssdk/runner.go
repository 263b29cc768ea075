// runner.go implements Runner, the error capture point for agent runs.
// Hooks only enrich; detection happens here at the runner boundary.

package agentssdk

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
	"github.com/strongdm/ai-relay-observe/pkg/correlation"
	"github.com/strongdm/ai-relay-observe/pkg/reporting"
	"github.com/strongdm/ai-relay-observe/pkg/reporting/sinks/cxdb"
)

// Operation names recorded for each entry point.
const (
	OperationRun       = "agent_run"
	OperationRunOnce   = "agent_run_once"
	OperationRunStream = "agent_run_stream"
)

// ContextIDProvider is implemented by sessions persisted in cxdb. The id
// links reports from the run to that conversation.
type ContextIDProvider interface {
	ContextID(ctx context.Context) (uint64, error)
}

// Runner wraps an agents.Runner with correlation, classification and
// reporting.
type Runner struct {
	inner       *agents.Runner
	reports     *reporting.Manager
	correlation *correlation.Manager
	errors      *apperr.Handler
	logger      *slog.Logger
}

// Run executes the agent with the given input and session.
func (r *Runner) Run(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (agents.RunResult, error) {
	var result agents.RunResult
	err := r.scope(ctx, OperationRun, session, func(ctx context.Context) error {
		var err error
		result, err = r.inner.Run(ctx, agent, input, session, r.wrapRunConfig(cfg))
		return err
	})
	return result, err
}

// RunOnce executes a single turn of the agent.
func (r *Runner) RunOnce(ctx context.Context, agent *agents.Agent, input string, cfg *agents.RunConfig) (agents.RunResult, error) {
	var result agents.RunResult
	err := r.scope(ctx, OperationRunOnce, nil, func(ctx context.Context) error {
		var err error
		result, err = r.inner.RunOnce(ctx, agent, input, r.wrapRunConfig(cfg))
		return err
	})
	return result, err
}

// RunStream starts a streaming run. Only failures to start are captured;
// errors surfaced while consuming the stream are the caller's to handle.
func (r *Runner) RunStream(ctx context.Context, agent *agents.Agent, input string, session agents.Session, cfg *agents.RunConfig) (*agents.StreamingRun, error) {
	var stream *agents.StreamingRun
	err := r.scope(ctx, OperationRunStream, session, func(ctx context.Context) error {
		var err error
		stream, err = r.inner.RunStream(ctx, agent, input, session, r.wrapRunConfig(cfg))
		return err
	})
	return stream, err
}

// Inner returns the underlying Runner.
func (r *Runner) Inner() *agents.Runner {
	return r.inner
}

// scope runs fn inside an AI correlation scope nested in the caller's. The
// scope keeps the caller's correlation id so the run's logs and reports
// join the request's.
func (r *Runner) scope(ctx context.Context, operation string, session any, fn func(ctx context.Context) error) error {
	fields := callerFields(ctx)
	if id, ok := r.contextID(ctx, session); ok {
		fields.Metadata = append(fields.Metadata, correlation.KV{Key: cxdb.MetadataContextID, Value: id})
	}

	return r.correlation.WithAIContext(ctx, fields, operation, "", func(ctx context.Context) error {
		defer r.capturePanic(ctx)
		if err := fn(ctx); err != nil {
			return r.captureError(ctx, err)
		}
		return nil
	})
}

func callerFields(ctx context.Context) correlation.Fields {
	parent, ok := correlation.FromContext(ctx)
	if !ok {
		return correlation.Fields{}
	}
	return correlation.Fields{CorrelationID: parent.CorrelationID()}
}

// contextID returns the session's cxdb context id. Without one, an id
// already in the inherited metadata stays in effect.
func (r *Runner) contextID(ctx context.Context, session any) (uint64, bool) {
	if provider, ok := session.(ContextIDProvider); ok {
		id, err := provider.ContextID(ctx)
		if err == nil && id != 0 {
			return id, true
		}
		if err != nil {
			r.logger.DebugContext(ctx, "session context id unavailable", "error", err)
		}
	}
	return 0, false
}

// wrapRunConfig clones cfg and wraps its hooks with a HookAdapter.
func (r *Runner) wrapRunConfig(cfg *agents.RunConfig) *agents.RunConfig {
	var cloned agents.RunConfig
	if cfg != nil {
		cloned = *cfg
	}
	cloned.Hooks = NewHookAdapter(r.correlation, cloned.Hooks)
	return &cloned
}

// captureError classifies, logs and reports err, returning it as a
// ClaudeError.
func (r *Runner) captureError(ctx context.Context, err error) error {
	wrapped := wrapFailure(err)
	metadata := map[string]any{MetadataFailureType: failureType(err)}

	result := r.errors.Handle(ctx, wrapped, metadata)
	if r.reports != nil {
		r.reports.ReportError(ctx, wrapped, reporting.ReportContext{}, metadata,
			reporting.WithSeverity(result.Severity),
		)
	}
	return wrapped
}

// capturePanic reports a recovered panic as critical and re-panics.
func (r *Runner) capturePanic(ctx context.Context) {
	if rec := recover(); rec != nil {
		if r.reports != nil {
			r.reports.ReportError(ctx, &reporting.PanicError{Value: rec}, reporting.ReportContext{},
				map[string]any{"panic": true, MetadataFailureType: "panic"},
				reporting.WithSeverity(apperr.SeverityCritical),
				reporting.WithStack(string(debug.Stack())),
			)
		}
		panic(rec)
	}
}
