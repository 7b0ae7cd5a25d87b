package agentloop

import (
	"time"

	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

const (
	// PruneProtectTokens is the budget of most recent tool output that is
	// never pruned.
	PruneProtectTokens = 40_000
	// PruneMinimumTokens is the smallest batch worth pruning.
	PruneMinimumTokens = 20_000
	// PrunedPlaceholder replaces the content of pruned tool results.
	PrunedPlaceholder = "[Old tool result content cleared]"

	compactionThreshold = 0.8
)

// MessageItem is one entry of the conversation log.
type MessageItem struct {
	Role       unifiedllm.Role       `json:"role"`
	Content    string                `json:"content"`
	TokenCount int                   `json:"token_count"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	ToolCalls  []unifiedllm.ToolCall `json:"tool_calls,omitempty"`
	IsError    bool                  `json:"is_error,omitempty"`
	PrunedAt   *time.Time            `json:"pruned_at,omitempty"`
}

func (m MessageItem) message() unifiedllm.Message {
	return unifiedllm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		IsError:    m.IsError,
	}
}

// ContextManager owns the conversation log of a session and its token
// accounting. It is not safe for concurrent use; only the agent loop
// mutates it.
type ContextManager struct {
	systemPrompt  string
	contextWindow int
	count         TokenCounter
	messages      []*MessageItem
	latest        unifiedllm.Usage
	total         unifiedllm.Usage
}

// NewContextManager creates an empty log rendered under systemPrompt. A nil
// counter uses EstimateTokens.
func NewContextManager(systemPrompt string, contextWindow int, counter TokenCounter) *ContextManager {
	if counter == nil {
		counter = EstimateTokens
	}
	return &ContextManager{
		systemPrompt:  systemPrompt,
		contextWindow: contextWindow,
		count:         counter,
	}
}

// SystemPrompt returns the rendered system prompt.
func (c *ContextManager) SystemPrompt() string { return c.systemPrompt }

// SetSystemPrompt replaces the system prompt used by Render.
func (c *ContextManager) SetSystemPrompt(prompt string) { c.systemPrompt = prompt }

// ContextWindow returns the model context window in tokens.
func (c *ContextManager) ContextWindow() int { return c.contextWindow }

// SetContextWindow changes the context window, e.g. after a model switch.
func (c *ContextManager) SetContextWindow(tokens int) { c.contextWindow = tokens }

// CountTokens counts text with the manager's tokenizer.
func (c *ContextManager) CountTokens(text string) int { return c.count(text) }

// AddUser appends a user message.
func (c *ContextManager) AddUser(content string) {
	c.messages = append(c.messages, &MessageItem{
		Role:       unifiedllm.RoleUser,
		Content:    content,
		TokenCount: c.count(content),
	})
}

// AddAssistant appends an assistant message with its tool calls.
func (c *ContextManager) AddAssistant(content string, calls []unifiedllm.ToolCall) {
	tokens := c.count(content)
	for _, tc := range calls {
		tokens += c.count(tc.ArgumentsJSON())
	}
	c.messages = append(c.messages, &MessageItem{
		Role:       unifiedllm.RoleAssistant,
		Content:    content,
		TokenCount: tokens,
		ToolCalls:  calls,
	})
}

// AddToolResult appends the result of the tool call callID.
func (c *ContextManager) AddToolResult(callID, content string, isError bool) {
	c.messages = append(c.messages, &MessageItem{
		Role:       unifiedllm.RoleTool,
		Content:    content,
		TokenCount: c.count(content),
		ToolCallID: callID,
		IsError:    isError,
	})
}

// Render returns the request messages: exactly one system message followed
// by the log in insertion order.
func (c *ContextManager) Render() []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(c.messages)+1)
	out = append(out, unifiedllm.SystemMessage(c.systemPrompt))
	for _, m := range c.messages {
		out = append(out, m.message())
	}
	return out
}

// RenderedTokens returns the token count of a rendered request, including
// the system prompt.
func (c *ContextManager) RenderedTokens() int {
	total := c.count(c.systemPrompt)
	for _, m := range c.messages {
		total += m.TokenCount
	}
	return total
}

// Messages returns a copy of the log.
func (c *ContextManager) Messages() []MessageItem {
	out := make([]MessageItem, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// MessageCount returns the number of logged messages.
func (c *ContextManager) MessageCount() int { return len(c.messages) }

// SetLatestUsage records the usage of the most recent model call.
func (c *ContextManager) SetLatestUsage(u unifiedllm.Usage) { c.latest = u }

// AddUsage adds u to the running total.
func (c *ContextManager) AddUsage(u unifiedllm.Usage) { c.total = c.total.Add(u) }

// SetTotalUsage replaces the accumulated usage, as when restoring a session.
func (c *ContextManager) SetTotalUsage(u unifiedllm.Usage) { c.total = u }

// LatestUsage returns the usage of the most recent model call.
func (c *ContextManager) LatestUsage() unifiedllm.Usage { return c.latest }

// TotalUsage returns the usage accumulated over the session.
func (c *ContextManager) TotalUsage() unifiedllm.Usage { return c.total }

// NeedsCompaction reports whether the latest request used more than 80% of
// the context window.
func (c *ContextManager) NeedsCompaction() bool {
	if c.contextWindow <= 0 {
		return false
	}
	return float64(c.latest.TotalTokens) > float64(c.contextWindow)*compactionThreshold
}

// PruneToolOutputs clears old tool results and returns how many were
// cleared. The newest PruneProtectTokens of tool output are kept, the walk
// stops at the first result that was already pruned, and nothing changes
// unless at least PruneMinimumTokens can be freed or there are fewer than
// two user messages.
func (c *ContextManager) PruneToolOutputs() int {
	users := 0
	for _, m := range c.messages {
		if m.Role == unifiedllm.RoleUser {
			users++
		}
	}
	if users < 2 {
		return 0
	}

	var (
		seen     int
		freeable int
		batch    []*MessageItem
	)
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := c.messages[i]
		if m.Role != unifiedllm.RoleTool || m.ToolCallID == "" {
			continue
		}
		if m.PrunedAt != nil {
			break
		}
		seen += m.TokenCount
		if seen > PruneProtectTokens {
			freeable += m.TokenCount
			batch = append(batch, m)
		}
	}
	if freeable < PruneMinimumTokens {
		return 0
	}

	now := time.Now()
	for _, m := range batch {
		m.Content = PrunedPlaceholder
		m.TokenCount = c.count(PrunedPlaceholder)
		m.PrunedAt = &now
	}
	logger.InfoCF("context", "Pruned tool outputs", map[string]any{
		"messages": len(batch),
		"tokens":   freeable,
	})
	return len(batch)
}

const summaryAcknowledgement = `I've reviewed the context restored from the previous session. I understand:
- the original goal and what was requested
- which actions are already completed, and I will not repeat them
- the current state of the project
- what still needs to be done

I'll continue with the remaining tasks only, starting where we left off.`

const summaryContinue = "Continue with the remaining work only. Do not repeat any completed actions. " +
	"Proceed with the next step described in the context above."

// ReplaceWithSummary replaces the whole log with a compacted form: a user
// message carrying summary, an assistant acknowledgement and a user
// instruction to continue.
func (c *ContextManager) ReplaceWithSummary(summary string) {
	restored := "# Context Restoration (Previous Session Compacted)\n\n" +
		"The previous conversation was compacted due to context length limits. " +
		"Below is a detailed summary of the work done so far.\n\n" +
		"**CRITICAL: Actions listed under \"COMPLETED ACTIONS\" are already done. DO NOT repeat them.**\n\n" +
		"---\n\n" + summary + "\n\n---\n\n" +
		"Resume work from where we left off. Focus only on the remaining and in-progress tasks."

	c.messages = nil
	c.AddUser(restored)
	c.AddAssistant(summaryAcknowledgement, nil)
	c.AddUser(summaryContinue)
}

// Clear empties the log. Usage totals are kept.
func (c *ContextManager) Clear() {
	c.messages = nil
	c.latest = unifiedllm.Usage{}
}

// Restore replaces the log with previously saved items.
func (c *ContextManager) Restore(items []MessageItem) {
	c.messages = make([]*MessageItem, len(items))
	for i := range items {
		item := items[i]
		c.messages[i] = &item
	}
}
