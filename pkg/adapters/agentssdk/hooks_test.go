package agentssdk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-agents-sdk/pkg/agents"
	llmsdk "github.com/strongdm/ai-llm-sdk/pkg/llm"

	"github.com/strongdm/ai-relay-observe/pkg/correlation"
)

type spyHooks struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newSpyHooks() *spyHooks {
	return &spyHooks{calls: map[string]int{}}
}

func (h *spyHooks) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[name]++
	return h.err
}

func (h *spyHooks) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

func (h *spyHooks) OnAgentStart(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent) error {
	return h.record("agent_start")
}

func (h *spyHooks) OnAgentEnd(ctx context.Context, runCtx *agents.AgentHookContext, agent *agents.Agent, result agents.RunResult) error {
	return h.record("agent_end")
}

func (h *spyHooks) OnHandoff(ctx context.Context, runCtx *agents.RunContext, from *agents.Agent, to *agents.Agent) error {
	return h.record("handoff")
}

func (h *spyHooks) OnToolStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, call llmsdk.ToolCall) error {
	return h.record("tool_start")
}

func (h *spyHooks) OnToolEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, tool agents.Tool, output string) error {
	return h.record("tool_end")
}

func (h *spyHooks) OnLLMStart(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, req llmsdk.Request) error {
	return h.record("llm_start")
}

func (h *spyHooks) OnLLMEnd(ctx context.Context, runCtx *agents.RunContext, agent *agents.Agent, resp llmsdk.Response) error {
	return h.record("llm_end")
}

func testAgent(name string) *agents.Agent {
	return agents.NewAgent(agents.AgentConfig{
		Name:         name,
		Instructions: "be helpful",
		Model:        "test-model",
	})
}

func boundContext(t *testing.T) (context.Context, *correlation.Manager, *correlation.Context) {
	t.Helper()
	m := correlation.NewManager()
	c := m.New(correlation.Fields{CorrelationID: "req-1"})
	return correlation.WithContext(context.Background(), c), m, c
}

func TestHookAdapter_RecordsLLMStep(t *testing.T) {
	ctx, m, c := boundContext(t)
	hooks := NewHookAdapter(m, nil)

	require.NoError(t, hooks.OnLLMStart(ctx, nil, testAgent("triage"), llmsdk.Request{Model: "claude-sonnet"}))

	meta := c.Snapshot().MetadataMap()
	assert.Equal(t, "triage", meta[MetadataAgent])
	assert.Equal(t, StepLLM, meta[correlation.MetadataOperation])
	assert.Equal(t, "claude-sonnet", meta[correlation.MetadataModel])
}

func TestHookAdapter_RecordsToolStep(t *testing.T) {
	ctx, m, c := boundContext(t)
	hooks := NewHookAdapter(m, nil)

	err := hooks.OnToolStart(ctx, nil, testAgent("researcher"),
		agents.Tool{Name: "search"}, llmsdk.ToolCall{ID: "call-9", Name: "search"})
	require.NoError(t, err)

	meta := c.Snapshot().MetadataMap()
	assert.Equal(t, "researcher", meta[MetadataAgent])
	assert.Equal(t, StepTool, meta[correlation.MetadataOperation])
	assert.Equal(t, "search", meta[MetadataTool])
	assert.Equal(t, "call-9", meta[MetadataToolCallID])
}

func TestHookAdapter_LaterStepOverwrites(t *testing.T) {
	ctx, m, c := boundContext(t)
	hooks := NewHookAdapter(m, nil)

	_ = hooks.OnToolStart(ctx, nil, nil, agents.Tool{Name: "search"}, llmsdk.ToolCall{ID: "call-1"})
	_ = hooks.OnLLMStart(ctx, nil, nil, llmsdk.Request{Model: "claude-haiku"})

	meta := c.Snapshot().MetadataMap()
	assert.Equal(t, StepLLM, meta[correlation.MetadataOperation])
	assert.Equal(t, "search", meta[MetadataTool], "tool stays for context")
	assert.NotContains(t, meta, MetadataAgent)
}

func TestHookAdapter_HandoffRecordsTarget(t *testing.T) {
	ctx, m, c := boundContext(t)
	hooks := NewHookAdapter(m, nil)

	require.NoError(t, hooks.OnHandoff(ctx, nil, testAgent("triage"), testAgent("billing")))

	assert.Equal(t, "billing", c.Snapshot().MetadataMap()[MetadataAgent])
}

func TestHookAdapter_DelegatesToInner(t *testing.T) {
	ctx, m, _ := boundContext(t)
	spy := newSpyHooks()
	hooks := NewHookAdapter(m, spy)
	agent := testAgent("a")
	var result agents.RunResult

	_ = hooks.OnAgentStart(ctx, nil, agent)
	_ = hooks.OnAgentEnd(ctx, nil, agent, result)
	_ = hooks.OnHandoff(ctx, nil, agent, agent)
	_ = hooks.OnToolStart(ctx, nil, agent, agents.Tool{Name: "t"}, llmsdk.ToolCall{})
	_ = hooks.OnToolEnd(ctx, nil, agent, agents.Tool{Name: "t"}, "ok")
	_ = hooks.OnLLMStart(ctx, nil, agent, llmsdk.Request{})
	_ = hooks.OnLLMEnd(ctx, nil, agent, llmsdk.Response{})

	for _, name := range []string{"agent_start", "agent_end", "handoff", "tool_start", "tool_end", "llm_start", "llm_end"} {
		assert.Equal(t, 1, spy.count(name), name)
	}
}

func TestHookAdapter_ReturnsInnerError(t *testing.T) {
	ctx, m, c := boundContext(t)
	spy := newSpyHooks()
	spy.err = errors.New("hook rejected")
	hooks := NewHookAdapter(m, spy)

	err := hooks.OnAgentStart(ctx, nil, testAgent("a"))

	assert.EqualError(t, err, "hook rejected")
	assert.Equal(t, "a", c.Snapshot().MetadataMap()[MetadataAgent], "enrichment happens before delegation")
}

func TestHookAdapter_NoBoundContext(t *testing.T) {
	hooks := NewHookAdapter(nil, nil)

	assert.NotPanics(t, func() {
		_ = hooks.OnAgentStart(context.Background(), nil, testAgent("a"))
		_ = hooks.OnLLMStart(context.Background(), nil, nil, llmsdk.Request{Model: "m"})
	})
}
