package agentloop

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

// ToolKind classifies what a tool touches.
type ToolKind string

const (
	KindRead    ToolKind = "read"
	KindWrite   ToolKind = "write"
	KindShell   ToolKind = "shell"
	KindNetwork ToolKind = "network"
	KindMemory  ToolKind = "memory"
	KindMCP     ToolKind = "mcp"
	// KindAgent tools run a nested agent whose own tool calls are gated
	// individually.
	KindAgent ToolKind = "agent"
)

// Mutating reports whether tools of this kind have side effects.
func (k ToolKind) Mutating() bool {
	switch k {
	case KindWrite, KindShell, KindNetwork, KindMemory, KindMCP:
		return true
	default:
		return false
	}
}

// ToolInvocation is the input of a single tool execution.
type ToolInvocation struct {
	Params  map[string]any
	WorkDir string
}

// ToolResult is the outcome of a tool execution. Failures are results, not
// Go errors.
type ToolResult struct {
	Success   bool           `json:"success"`
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Diff      string         `json:"diff,omitempty"`
	ExitCode  *int           `json:"exit_code,omitempty"`
}

// SuccessResult returns a successful result.
func SuccessResult(output string, metadata map[string]any) *ToolResult {
	return &ToolResult{Success: true, Output: output, Metadata: metadata}
}

// ErrorResult returns a failed result carrying msg.
func ErrorResult(msg string, metadata map[string]any) *ToolResult {
	return &ToolResult{Success: false, Error: msg, Metadata: metadata}
}

// ModelContent is the text fed back to the model for this result.
func (r *ToolResult) ModelContent() string {
	if r.Success {
		return r.Output
	}
	if r.Output == "" {
		return "Error: " + r.Error
	}
	return "Error: " + r.Error + "\n\n" + r.Output
}

// ToolConfirmation describes a pending mutating operation for approval.
type ToolConfirmation struct {
	ToolName      string         `json:"tool_name"`
	Params        map[string]any `json:"params"`
	Description   string         `json:"description"`
	AffectedPaths []string       `json:"affected_paths,omitempty"`
	Command       string         `json:"command,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	IsDangerous   bool           `json:"is_dangerous"`
}

// Tool is an operation the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Kind() ToolKind
	// Schema returns the JSON Schema of the tool parameters.
	Schema() map[string]any
	// Validate returns one message per invalid or missing parameter.
	Validate(params map[string]any) []string
	Execute(ctx context.Context, inv ToolInvocation) *ToolResult
	IsMutating(params map[string]any) bool
	GetConfirmation(ctx context.Context, inv ToolInvocation) *ToolConfirmation
}

// toolBase implements the Tool methods that only depend on static
// metadata.
type toolBase struct {
	name        string
	description string
	kind        ToolKind
}

func (b toolBase) Name() string        { return b.name }
func (b toolBase) Description() string { return b.description }
func (b toolBase) Kind() ToolKind      { return b.kind }

func (b toolBase) IsMutating(map[string]any) bool { return b.kind.Mutating() }

func (b toolBase) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	return &ToolConfirmation{
		ToolName:    b.name,
		Params:      inv.Params,
		Description: "Run " + b.name,
	}
}

// ToolRegistry manages tool registration and lookup. Builtin tools and MCP
// tools are kept apart so MCP tools can be replaced on reconnect.
type ToolRegistry struct {
	tools    map[string]Tool
	mcpTools map[string]Tool
	allowed  map[string]bool
	mu       sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		mcpTools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		logger.WarnCF("tools", "Overwriting existing tool", map[string]any{"tool": tool.Name()})
	}
	r.tools[tool.Name()] = tool
}

// RegisterMCP adds a tool provided by an MCP server.
func (r *ToolRegistry) RegisterMCP(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpTools[tool.Name()] = tool
}

// Unregister removes a tool and reports whether it was present.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		delete(r.tools, name)
		return true
	}
	if _, ok := r.mcpTools[name]; ok {
		delete(r.mcpTools, name)
		return true
	}
	return false
}

// SetAllowed restricts lookups and definitions to names. An empty list
// allows every tool.
func (r *ToolRegistry) SetAllowed(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

func (r *ToolRegistry) permitted(name string) bool {
	return r.allowed == nil || r.allowed[name]
}

// Get returns a registered and allowed tool by name, or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.permitted(name) {
		return nil
	}
	if t, ok := r.tools[name]; ok {
		return t
	}
	return r.mcpTools[name]
}

// Tools returns the allowed tools, builtin first, each group sorted by
// name.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools)+len(r.mcpTools))
	for _, group := range []map[string]Tool{r.tools, r.mcpTools} {
		names := make([]string, 0, len(group))
		for name := range group {
			if r.permitted(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, group[name])
		}
	}
	return out
}

// Definitions returns the schemas of the allowed tools for a model request.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	tools := r.Tools()
	defs := make([]unifiedllm.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = unifiedllm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		}
	}
	return defs
}

// Names returns the names of the allowed tools.
func (r *ToolRegistry) Names() []string {
	tools := r.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Count returns the number of allowed tools.
func (r *ToolRegistry) Count() int {
	return len(r.Tools())
}

// MCPServers returns the distinct names of servers that contributed tools.
func (r *ToolRegistry) MCPServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var servers []string
	for name := range r.mcpTools {
		server, _, ok := strings.Cut(name, mcpNameSeparator)
		if ok && !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
	}
	sort.Strings(servers)
	return servers
}

// Clone returns a registry with the same tools. The clone permits what r
// permits, further restricted to allowed when it is non-empty, so a clone
// never exposes a tool r hides.
func (r *ToolRegistry) Clone(allowed []string) *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, t := range r.tools {
		clone.tools[name] = t
	}
	for name, t := range r.mcpTools {
		clone.mcpTools[name] = t
	}
	switch {
	case len(allowed) > 0:
		clone.allowed = make(map[string]bool, len(allowed))
		for _, n := range allowed {
			if r.permitted(n) {
				clone.allowed[n] = true
			}
		}
	case r.allowed != nil:
		clone.allowed = make(map[string]bool, len(r.allowed))
		for n := range r.allowed {
			clone.allowed[n] = true
		}
	}
	return clone
}
