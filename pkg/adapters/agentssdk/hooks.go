// hooks.go implements RunHooks that record the active agent, model and tool
// into correlation metadata. Inner hooks always run; only their errors are
// returned.

package agentssdk

import (
	"context"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
)

// Metadata keys written by the hooks and the runner.
const (
	MetadataAgent       = "agent"
	MetadataTool        = "tool"
	MetadataToolCallID  = "toolCallId"
	MetadataFailureType = "failureType"
)

// Step names stored under correlation.MetadataOperation while a run is in
// progress.
const (
	StepLLM  = "llm"
	StepTool = "tool"
)

// HookAdapter implements agents.RunHooks.
type HookAdapter struct {
	correlation *correlation.Manager
	inner       agents.RunHooks
}

// NewHookAdapter wraps inner, which may be nil.
func NewHookAdapter(m *correlation.Manager, inner agents.RunHooks) agents.RunHooks {
	if m == nil {
		m = correlation.NewManager()
	}
	return &HookAdapter{correlation: m, inner: inner}
}

func (h *HookAdapter) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	h.recordAgent(ctx, agent)

	if h.inner != nil {
		return h.inner.OnAgentStart(ctx, runCtx, agent)
	}
	return nil
}

func (h *HookAdapter) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	if h.inner != nil {
		return h.inner.OnAgentEnd(ctx, runCtx, agent, result)
	}
	return nil
}

// OnHandoff records the receiving agent.
func (h *HookAdapter) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	h.recordAgent(ctx, to)

	if h.inner != nil {
		return h.inner.OnHandoff(ctx, runCtx, from, to)
	}
	return nil
}

func (h *HookAdapter) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	h.recordAgent(ctx, agent)
	h.correlation.AddMetadata(ctx, correlation.MetadataOperation, StepTool)
	h.correlation.AddMetadata(ctx, MetadataTool, tool.Name)
	h.correlation.AddMetadata(ctx, MetadataToolCallID, call.ID)

	if h.inner != nil {
		return h.inner.OnToolStart(ctx, runCtx, agent, tool, call)
	}
	return nil
}

func (h *HookAdapter) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	if h.inner != nil {
		return h.inner.OnToolEnd(ctx, runCtx, agent, tool, output)
	}
	return nil
}

func (h *HookAdapter) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	h.recordAgent(ctx, agent)
	h.correlation.AddMetadata(ctx, correlation.MetadataOperation, StepLLM)
	if req.Model != "" {
		h.correlation.AddMetadata(ctx, correlation.MetadataModel, req.Model)
	}

	if h.inner != nil {
		return h.inner.OnLLMStart(ctx, runCtx, agent, req)
	}
	return nil
}

func (h *HookAdapter) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	if h.inner != nil {
		return h.inner.OnLLMEnd(ctx, runCtx, agent, resp)
	}
	return nil
}

func (h *HookAdapter) recordAgent(ctx context.Context, agent *agents.Agent) {
	if agent == nil {
		return
	}
	h.correlation.AddMetadata(ctx, MetadataAgent, agent.Name())
}
