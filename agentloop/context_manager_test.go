package agentloop

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/magnet/unifiedllm"
)

// toolOutput returns text of the given estimated token count.
func toolOutput(tokens int) string {
	return strings.Repeat("x", tokens*4)
}

func addToolRound(cm *ContextManager, n, tokensEach int) {
	calls := make([]unifiedllm.ToolCall, n)
	for i := range calls {
		calls[i] = unifiedllm.ToolCall{ID: fmt.Sprintf("call_%d_%d", cm.MessageCount(), i), Name: "read_file"}
	}
	cm.AddAssistant("", calls)
	for _, c := range calls {
		cm.AddToolResult(c.ID, toolOutput(tokensEach), false)
	}
}

func contents(cm *ContextManager) []string {
	var out []string
	for _, m := range cm.Messages() {
		out = append(out, m.Content)
	}
	return out
}

func TestRenderPutsSystemFirst(t *testing.T) {
	cm := NewContextManager("system prompt", 1000, nil)
	cm.AddUser("hello")
	cm.AddAssistant("hi", nil)

	msgs := cm.Render()
	require.Len(t, msgs, 3)
	assert.Equal(t, unifiedllm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "system prompt", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "hi", msgs[2].Content)
	assert.Equal(t, EstimateTokens("system prompt")+EstimateTokens("hello")+EstimateTokens("hi"), cm.RenderedTokens())
}

func TestPruneNeedsTwoUserMessages(t *testing.T) {
	cm := NewContextManager("", 1_000_000, nil)
	cm.AddUser("only one")
	addToolRound(cm, 10, 10_000)
	before := contents(cm)

	assert.Equal(t, 0, cm.PruneToolOutputs())
	assert.Equal(t, before, contents(cm))
}

func TestPruneBelowMinimumDoesNothing(t *testing.T) {
	cm := NewContextManager("", 1_000_000, nil)
	cm.AddUser("first")
	// 50k of tool output: 40k protected, 10k prunable, below the minimum.
	addToolRound(cm, 5, 10_000)
	cm.AddUser("second")
	before := contents(cm)

	assert.Equal(t, 0, cm.PruneToolOutputs())
	assert.Equal(t, before, contents(cm))
}

func TestPruneClearsOldOutputAndIsIdempotent(t *testing.T) {
	cm := NewContextManager("", 1_000_000, nil)
	cm.AddUser("first")
	addToolRound(cm, 8, 10_000)
	cm.AddUser("second")

	assert.Equal(t, 4, cm.PruneToolOutputs())

	msgs := cm.Messages()
	var pruned, kept int
	for i, m := range msgs {
		if m.Role != unifiedllm.RoleTool {
			continue
		}
		if m.PrunedAt != nil {
			pruned++
			assert.Equal(t, PrunedPlaceholder, m.Content)
			assert.NotEmpty(t, m.ToolCallID, "structure preserved at %d", i)
		} else {
			kept++
			assert.Equal(t, toolOutput(10_000), m.Content)
		}
	}
	assert.Equal(t, 4, pruned)
	assert.Equal(t, 4, kept)
	// The oldest results are the pruned ones.
	assert.NotNil(t, msgs[2].PrunedAt)
	assert.Nil(t, msgs[len(msgs)-2].PrunedAt)

	before := contents(cm)
	assert.Equal(t, 0, cm.PruneToolOutputs())
	assert.Equal(t, before, contents(cm))
}

func TestNeedsCompaction(t *testing.T) {
	cm := NewContextManager("", 1000, nil)
	assert.False(t, cm.NeedsCompaction())

	cm.SetLatestUsage(unifiedllm.Usage{TotalTokens: 800})
	assert.False(t, cm.NeedsCompaction())

	cm.SetLatestUsage(unifiedllm.Usage{TotalTokens: 801})
	assert.True(t, cm.NeedsCompaction())

	cm.Clear()
	assert.False(t, cm.NeedsCompaction())
}

func TestReplaceWithSummary(t *testing.T) {
	cm := NewContextManager("sys", 1000, nil)
	cm.AddUser("build a thing")
	addToolRound(cm, 2, 10)
	cm.AddAssistant("done", nil)

	cm.ReplaceWithSummary("COMPLETED ACTIONS: built the thing")

	msgs := cm.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, unifiedllm.RoleUser, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "COMPLETED ACTIONS: built the thing")
	assert.Equal(t, unifiedllm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, unifiedllm.RoleUser, msgs[2].Role)
	assert.Equal(t, "sys", cm.Render()[0].Content)
}

func TestUsageAccumulates(t *testing.T) {
	cm := NewContextManager("", 1000, nil)
	cm.AddUsage(unifiedllm.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12})
	cm.AddUsage(unifiedllm.Usage{InputTokens: 5, OutputTokens: 1, TotalTokens: 6, Estimated: true})

	total := cm.TotalUsage()
	assert.Equal(t, 15, total.InputTokens)
	assert.Equal(t, 18, total.TotalTokens)
	assert.True(t, total.Estimated)
}

func TestRestoreCopiesItems(t *testing.T) {
	cm := NewContextManager("", 1000, nil)
	items := []MessageItem{
		{Role: unifiedllm.RoleUser, Content: "a", TokenCount: 1},
		{Role: unifiedllm.RoleAssistant, Content: "b", TokenCount: 1},
	}
	cm.Restore(items)
	items[0].Content = "changed"

	assert.Equal(t, []string{"a", "b"}, contents(cm))
}
