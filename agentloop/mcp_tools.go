package agentloop

import (
	"context"
	"fmt"
	"strings"
)

// mcpNameSeparator joins a server name and a tool name into a registry name.
const mcpNameSeparator = "__"

// MCPToolName returns the registry name of tool on server.
func MCPToolName(server, tool string) string {
	return server + mcpNameSeparator + tool
}

// MCPCaller forwards a tool call to a connected MCP server.
type MCPCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (output string, isError bool, err error)
}

// MCPTool exposes a tool of an MCP server through the registry.
type MCPTool struct {
	toolBase
	server string
	tool   string
	schema map[string]any
	caller MCPCaller
}

// NewMCPTool creates the registry entry for tool on server.
func NewMCPTool(server, tool, description string, schema map[string]any, caller MCPCaller) *MCPTool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if description == "" {
		description = fmt.Sprintf("Tool %s from MCP server %s", tool, server)
	}
	return &MCPTool{
		toolBase: toolBase{
			name:        MCPToolName(server, tool),
			description: description,
			kind:        KindMCP,
		},
		server: server,
		tool:   tool,
		schema: schema,
		caller: caller,
	}
}

func (t *MCPTool) Server() string { return t.server }

func (t *MCPTool) Schema() map[string]any { return t.schema }

// Validate checks only that required properties are present. The server
// validates the rest.
func (t *MCPTool) Validate(params map[string]any) []string {
	var problems []string
	for _, field := range requiredFields(t.schema) {
		if v, ok := params[field]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("Parameter '%s': field required", field))
		}
	}
	return problems
}

func (t *MCPTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	return &ToolConfirmation{
		ToolName:    t.Name(),
		Params:      inv.Params,
		Description: fmt.Sprintf("Call %s on MCP server %s", t.tool, t.server),
	}
}

func (t *MCPTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	md := map[string]any{"server": t.server, "tool": t.tool}
	output, isError, err := t.caller.CallTool(ctx, t.server, t.tool, inv.Params)
	if err != nil {
		return ErrorResult(fmt.Sprintf("MCP call failed: %v", err), md)
	}
	if isError {
		if strings.TrimSpace(output) == "" {
			output = "tool reported an error"
		}
		return ErrorResult(output, md)
	}
	return SuccessResult(output, md)
}
