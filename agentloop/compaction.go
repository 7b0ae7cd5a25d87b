package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

const compactionPrompt = `You are summarizing a coding session so it can continue with a fresh context.

Write a structured summary with these sections:

## ORIGINAL GOAL
What the user asked for, in their words where possible.

## COMPLETED ACTIONS
Every action already done: files created or edited (with paths), commands run and their outcome, decisions made. Be specific. These will not be repeated.

## CURRENT STATE
The state of the code and environment right now, including errors still present.

## IN-PROGRESS
What was being worked on when the session was compacted.

## REMAINING TASKS
What still needs to be done, in order.

## KEY CONTEXT
File paths, function names, constraints and user preferences needed to continue.

Do not include pleasantries. Only output the summary.`

// maxTranscriptEntryChars bounds each entry of the transcript sent for
// summarization.
const maxTranscriptEntryChars = 4000

// Compactor summarizes a conversation with a non-streaming model call and
// replaces the log with the summary.
type Compactor struct {
	client   *unifiedllm.Client
	model    string
	provider string
}

// NewCompactor creates a Compactor that asks model through client.
func NewCompactor(client *unifiedllm.Client, model, provider string) *Compactor {
	return &Compactor{client: client, model: model, provider: provider}
}

// SetModel changes the model used for summaries.
func (c *Compactor) SetModel(model string) { c.model = model }

// Summarize returns a summary of the conversation held by cm.
func (c *Compactor) Summarize(ctx context.Context, cm *ContextManager) (string, error) {
	transcript := buildTranscript(cm.Messages())
	if transcript == "" {
		return "", fmt.Errorf("compact: conversation is empty")
	}

	res, err := unifiedllm.Generate(ctx, c.client, unifiedllm.GenerateOptions{
		Model:    c.model,
		Provider: c.provider,
		System:   compactionPrompt,
		Prompt:   "Summarize this conversation:\n\n" + transcript,
	})
	if err != nil {
		return "", fmt.Errorf("compact: %w", err)
	}
	summary := strings.TrimSpace(res.Text)
	if summary == "" {
		return "", fmt.Errorf("compact: model returned an empty summary")
	}
	if res.Usage != nil {
		cm.AddUsage(*res.Usage)
	}
	return summary, nil
}

// Compact summarizes cm and replaces its log with the summary.
func (c *Compactor) Compact(ctx context.Context, cm *ContextManager) error {
	before := cm.MessageCount()
	summary, err := c.Summarize(ctx, cm)
	if err != nil {
		logger.WarnCF("context", "Compaction failed", map[string]any{"error": err.Error()})
		return err
	}
	cm.ReplaceWithSummary(summary)
	logger.InfoCF("context", "Compacted conversation", map[string]any{
		"messages_before": before,
		"messages_after":  cm.MessageCount(),
		"summary_tokens":  cm.CountTokens(summary),
	})
	return nil
}

func buildTranscript(items []MessageItem) string {
	var sb strings.Builder
	for _, m := range items {
		content := m.Content
		if len(content) > maxTranscriptEntryChars {
			content = content[:maxTranscriptEntryChars] + "\n... [truncated]"
		}
		switch m.Role {
		case unifiedllm.RoleTool:
			status := "ok"
			if m.IsError {
				status = "error"
			}
			fmt.Fprintf(&sb, "[tool result %s (%s)]\n%s\n\n", m.ToolCallID, status, content)
		case unifiedllm.RoleAssistant:
			fmt.Fprintf(&sb, "[assistant]\n%s\n", content)
			for _, call := range m.ToolCalls {
				fmt.Fprintf(&sb, "-> %s(%s)\n", call.Name, call.ArgumentsJSON())
			}
			sb.WriteString("\n")
		default:
			fmt.Fprintf(&sb, "[%s]\n%s\n\n", m.Role, content)
		}
	}
	return strings.TrimSpace(sb.String())
}
