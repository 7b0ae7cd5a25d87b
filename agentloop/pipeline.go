package agentloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/martinemde/magnet/logger"
)

// Hooks receives lifecycle notifications. Implementations must not fail the
// caller; errors are theirs to log.
type Hooks interface {
	BeforeAgent(ctx context.Context, userMessage string)
	AfterAgent(ctx context.Context, userMessage, response string)
	BeforeTool(ctx context.Context, name string, params map[string]any)
	AfterTool(ctx context.Context, name string, params map[string]any, result *ToolResult)
	OnError(ctx context.Context, err error)
}

// NoopHooks ignores every notification.
type NoopHooks struct{}

func (NoopHooks) BeforeAgent(context.Context, string)                            {}
func (NoopHooks) AfterAgent(context.Context, string, string)                     {}
func (NoopHooks) BeforeTool(context.Context, string, map[string]any)             {}
func (NoopHooks) AfterTool(context.Context, string, map[string]any, *ToolResult) {}
func (NoopHooks) OnError(context.Context, error)                                 {}

// Pipeline runs tool invocations through lookup, validation, hooks,
// approval and execution. Invoke always returns a result.
type Pipeline struct {
	registry        *ToolRegistry
	approver        Approver
	confirmer       Confirmer
	hooks           Hooks
	maxOutputTokens int
	count           TokenCounter
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithApprover gates mutating tools through a.
func WithApprover(a Approver) PipelineOption {
	return func(p *Pipeline) { p.approver = a }
}

// WithConfirmer sets who answers NEEDS_CONFIRMATION decisions. Without one
// such operations are rejected.
func WithConfirmer(c Confirmer) PipelineOption {
	return func(p *Pipeline) { p.confirmer = c }
}

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) PipelineOption {
	return func(p *Pipeline) {
		if h != nil {
			p.hooks = h
		}
	}
}

// WithOutputLimit truncates tool output above maxTokens as counted by
// counter.
func WithOutputLimit(maxTokens int, counter TokenCounter) PipelineOption {
	return func(p *Pipeline) {
		p.maxOutputTokens = maxTokens
		if counter != nil {
			p.count = counter
		}
	}
}

// NewPipeline creates a Pipeline over registry.
func NewPipeline(registry *ToolRegistry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		registry: registry,
		hooks:    NoopHooks{},
		count:    EstimateTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the tool registry.
func (p *Pipeline) Registry() *ToolRegistry { return p.registry }

// Hooks returns the lifecycle hooks.
func (p *Pipeline) Hooks() Hooks { return p.hooks }

// Invoke runs one tool call. The after hook fires on every exit path.
func (p *Pipeline) Invoke(ctx context.Context, name string, params map[string]any, cwd string) (result *ToolResult) {
	if params == nil {
		params = map[string]any{}
	}
	defer func() {
		p.hooks.AfterTool(ctx, name, params, result)
	}()

	tool := p.registry.Get(name)
	if tool == nil {
		logger.WarnCF("tools", "Unknown tool", map[string]any{"tool": name})
		return ErrorResult("Unknown tool: "+name, map[string]any{"tool_name": name})
	}

	if problems := tool.Validate(params); len(problems) > 0 {
		return ErrorResult("Invalid parameters: "+strings.Join(problems, "; "), map[string]any{
			"tool_name":         name,
			"validation_errors": problems,
		})
	}

	p.hooks.BeforeTool(ctx, name, params)
	inv := ToolInvocation{Params: params, WorkDir: cwd}

	if tool.IsMutating(params) {
		if rejected := p.approve(ctx, tool, inv); rejected != nil {
			return rejected
		}
	}

	logger.DebugCF("tools", "Executing tool", map[string]any{"tool": name})
	result = p.execute(ctx, tool, inv)
	if p.maxOutputTokens > 0 && result.Output != "" {
		if out, cut := TruncateToTokens(result.Output, p.maxOutputTokens, p.count); cut {
			result.Output = out
			result.Truncated = true
		}
	}
	logger.DebugCF("tools", "Tool finished", map[string]any{
		"tool":    name,
		"success": result.Success,
	})
	return result
}

// approve returns a rejection result, or nil when the call may proceed.
func (p *Pipeline) approve(ctx context.Context, tool Tool, inv ToolInvocation) *ToolResult {
	if p.approver == nil {
		return nil
	}
	confirmation := tool.GetConfirmation(ctx, inv)
	if confirmation == nil {
		return nil
	}

	decision := p.approver.CheckApproval(ApprovalContext{
		ToolName:      tool.Name(),
		Kind:          tool.Kind(),
		Params:        inv.Params,
		IsMutating:    true,
		AffectedPaths: confirmation.AffectedPaths,
		Command:       confirmation.Command,
		IsDangerous:   confirmation.IsDangerous,
	})

	switch decision {
	case ApprovalRejected:
		logger.InfoCF("tools", "Tool rejected by policy", map[string]any{"tool": tool.Name()})
		return ErrorResult("Operation rejected by safety policy", map[string]any{"tool_name": tool.Name()})
	case ApprovalNeedsConfirmation:
		if p.confirmer == nil || !p.confirmer.RequestConfirmation(ctx, *confirmation) {
			logger.InfoCF("tools", "Tool rejected by user", map[string]any{"tool": tool.Name()})
			return ErrorResult("User rejected the operation", map[string]any{"tool_name": tool.Name()})
		}
	}
	return nil
}

// execute runs the tool, converting a panic into an error result.
func (p *Pipeline) execute(ctx context.Context, tool Tool, inv ToolInvocation) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("tools", "Tool panicked", map[string]any{
				"tool":  tool.Name(),
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			result = ErrorResult(fmt.Sprintf("Internal error: %v", r), map[string]any{"tool_name": tool.Name()})
		}
	}()

	result = tool.Execute(ctx, inv)
	if result == nil {
		result = ErrorResult("Internal error: tool returned no result", map[string]any{"tool_name": tool.Name()})
	}
	return result
}
