package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/magnet/unifiedllm"
)

func newTestFactory(t *testing.T, model ModelStream, maxDepth int, defs ...SubagentDefinition) *SubagentFactory {
	t.Helper()
	dir := t.TempDir()
	reg := NewToolRegistry()
	RegisterCoreTools(reg, CoreToolOptions{Env: NewLocalExecutionEnvironment(dir, DefaultEnvPolicy())})
	f := &SubagentFactory{
		Model:         model,
		Parent:        reg,
		SystemPrompt:  "You are a sub-agent.",
		ContextWindow: 100_000,
		WorkDir:       dir,
		MaxDepth:      maxDepth,
		Definitions:   defs,
	}
	RegisterSubagentTools(f)
	return f
}

func runSubagent(t *testing.T, f *SubagentFactory, name, goal string) *ToolResult {
	t.Helper()
	tool := f.Parent.Get(subagentToolPrefix + name)
	require.NotNil(t, tool, "subagent tool %s", name)
	return tool.Execute(context.Background(), ToolInvocation{Params: map[string]any{"goal": goal}})
}

func TestSubagentCompleted(t *testing.T) {
	model := &scriptedModel{turns: [][]unifiedllm.StreamEvent{
		toolTurn("c1", "list_dir", map[string]any{}),
		textTurn("The repo has no files."),
	}}
	f := newTestFactory(t, model, 1, SubagentDefinition{
		Name:         "explorer",
		Description:  "explores",
		GoalPrompt:   "Explore carefully.",
		AllowedTools: []string{"list_dir"},
	})

	result := runSubagent(t, f, "explorer", "what is here?")

	assert.True(t, result.Success)
	assert.Equal(t, "completed", result.Metadata["termination"])
	assert.Equal(t, []string{"list_dir"}, result.Metadata["tools_used"])
	assert.Contains(t, result.Output, "Sub-agent 'explorer' finished.")
	assert.Contains(t, result.Output, "Tools called: list_dir")
	assert.True(t, strings.HasSuffix(result.Output, "Result:\nThe repo has no files."))

	// The nested agent only sees its allowed tools.
	require.NotEmpty(t, model.tools)
	var names []string
	for _, d := range model.tools[0] {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"list_dir"}, names)

	first := model.requests[0]
	assert.Contains(t, first[1].Content, "Explore carefully.")
	assert.Contains(t, first[1].Content, "what is here?")
}

func TestSubagentTimeout(t *testing.T) {
	f := newTestFactory(t, blockingModel{}, 1, SubagentDefinition{
		Name:           "slow",
		Description:    "never answers",
		TimeoutSeconds: 1,
	})

	start := time.Now()
	result := runSubagent(t, f, "slow", "wait forever")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Success)
	assert.Equal(t, "timeout", result.Metadata["termination"])
	assert.Contains(t, result.Output, "Termination: timeout")
	assert.Contains(t, result.Output, noSubagentResponse)
}

// slowTool blocks for a while unless its context is cancelled first and
// records which of the two happened.
type slowTool struct {
	*ctxTool
	mu        sync.Mutex
	finished  bool
	cancelled bool
}

func newSlowTool(d time.Duration) *slowTool {
	s := &slowTool{}
	s.ctxTool = newCtxTool("slow_tool", func(ctx context.Context) *ToolResult {
		select {
		case <-time.After(d):
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
			return SuccessResult("slept", nil)
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			return ErrorResult("interrupted", nil)
		}
	})
	return s
}

func (s *slowTool) state() (finished, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished, s.cancelled
}

func TestSubagentTimeoutLetsRunningToolFinish(t *testing.T) {
	model := &scriptedModel{turns: [][]unifiedllm.StreamEvent{
		toolTurn("c1", "slow_tool", map[string]any{}),
		textTurn("unreachable"),
	}}
	f := newTestFactory(t, model, 1, SubagentDefinition{
		Name:           "sleeper",
		Description:    "runs a slow tool",
		AllowedTools:   []string{"slow_tool"},
		TimeoutSeconds: 0.2,
	})
	slow := newSlowTool(600 * time.Millisecond)
	f.Parent.Register(slow)

	result := runSubagent(t, f, "sleeper", "sleep")

	assert.Equal(t, "timeout", result.Metadata["termination"])
	assert.Equal(t, []string{"slow_tool"}, result.Metadata["tools_used"])
	require.Eventually(t, func() bool {
		finished, _ := slow.state()
		return finished
	}, 5*time.Second, 20*time.Millisecond)
	_, cancelled := slow.state()
	assert.False(t, cancelled)
	// The abandoned run stops at the boundary after the tool call.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, model.requestCount())
}

func TestSubagentParentCancelInterruptsTool(t *testing.T) {
	model := &scriptedModel{turns: [][]unifiedllm.StreamEvent{
		toolTurn("c1", "slow_tool", map[string]any{}),
	}}
	f := newTestFactory(t, model, 1, SubagentDefinition{
		Name:         "sleeper",
		Description:  "runs a slow tool",
		AllowedTools: []string{"slow_tool"},
	})
	slow := newSlowTool(10 * time.Second)
	f.Parent.Register(slow)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tool := f.Parent.Get(subagentToolPrefix + "sleeper")
	result := tool.Execute(ctx, ToolInvocation{Params: map[string]any{"goal": "sleep"}})

	assert.False(t, result.Success)
	assert.Equal(t, "error", result.Metadata["termination"])
	require.Eventually(t, func() bool {
		_, cancelled := slow.state()
		return cancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubagentRegistryStaysWithinParentAllowList(t *testing.T) {
	def := SubagentDefinition{
		Name:         "helper",
		Description:  "helps",
		AllowedTools: []string{"read_file", "shell"},
	}
	f := newTestFactory(t, &scriptedModel{}, 1, def)
	f.Parent.SetAllowed([]string{"read_file", "subagent_helper"})

	reg := f.registry(def, 1)

	assert.NotNil(t, reg.Get("read_file"))
	assert.Nil(t, reg.Get("shell"))
	assert.Equal(t, []string{"read_file"}, reg.Names())

	open := f.registry(SubagentDefinition{Name: "any", Description: "any"}, 1)
	assert.Nil(t, open.Get("shell"))
	assert.NotNil(t, open.Get("read_file"))
}

func TestToolRegistryCloneIntersectsAllowList(t *testing.T) {
	parent := NewToolRegistry()
	RegisterCoreTools(parent, CoreToolOptions{Env: NewLocalExecutionEnvironment(t.TempDir(), DefaultEnvPolicy())})
	parent.SetAllowed([]string{"read_file"})

	none := parent.Clone([]string{"shell"})
	assert.Nil(t, none.Get("shell"))
	assert.Nil(t, none.Get("read_file"))
	assert.Empty(t, none.Names())

	inherited := parent.Clone(nil)
	assert.NotNil(t, inherited.Get("read_file"))
	assert.Nil(t, inherited.Get("shell"))
}

func TestSubagentErrorIsFailure(t *testing.T) {
	model := &scriptedModel{turns: [][]unifiedllm.StreamEvent{
		{{Type: unifiedllm.StreamError, Error: errors.New("rate limited")}},
	}}
	f := newTestFactory(t, model, 1, SubagentDefinition{Name: "broken", Description: "fails"})

	result := runSubagent(t, f, "broken", "do it")

	assert.False(t, result.Success)
	assert.Equal(t, "error", result.Metadata["termination"])
	assert.Contains(t, result.Error, "rate limited")
	assert.Contains(t, result.Output, "Error: rate limited")
}

func TestSubagentEmptyGoal(t *testing.T) {
	f := newTestFactory(t, &scriptedModel{}, 1, SubagentDefinition{Name: "x", Description: "x"})

	result := runSubagent(t, f, "x", "   ")

	assert.False(t, result.Success)
	assert.Equal(t, "No goal specified for sub-agent", result.Error)
}

func TestSubagentDepthLimit(t *testing.T) {
	def := SubagentDefinition{Name: "nested", Description: "nests"}
	f := newTestFactory(t, &scriptedModel{}, 1, def)

	tool := NewSubagentTool(def, f, 1)
	result := tool.Execute(context.Background(), ToolInvocation{Params: map[string]any{"goal": "go deeper"}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Sub-agent depth limit (1) reached")
}

func TestSubagentRegistryDepth(t *testing.T) {
	def := SubagentDefinition{Name: "helper", Description: "helps"}

	shallow := newTestFactory(t, &scriptedModel{}, 1, def)
	assert.NotNil(t, shallow.Parent.Get("subagent_helper"))
	assert.Nil(t, shallow.registry(def, 1).Get("subagent_helper"))
	assert.NotNil(t, shallow.registry(def, 1).Get("read_file"))

	deep := newTestFactory(t, &scriptedModel{}, 2, def)
	nested := deep.registry(def, 1).Get("subagent_helper")
	require.NotNil(t, nested)
	assert.Equal(t, 1, nested.(*SubagentTool).depth)
	assert.Nil(t, deep.registry(def, 2).Get("subagent_helper"))
}

func TestSubagentDefinitionDefaults(t *testing.T) {
	var def SubagentDefinition
	assert.Equal(t, 600*time.Second, def.Timeout())
	assert.Equal(t, 20, def.turns())

	def.TimeoutSeconds = 1.5
	assert.Equal(t, 1500*time.Millisecond, def.Timeout())

	defaults := DefaultSubagents()
	require.Len(t, defaults, 2)
	assert.Equal(t, "codebase_investigator", defaults[0].Name)
}
