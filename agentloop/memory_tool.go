package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MemoryStore persists the key-value notes of the memory tool.
type MemoryStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) (map[string]string, error)
	Clear(ctx context.Context) (int, error)
}

type memoryParams struct {
	Action string `json:"action" validate:"oneof=set get delete list clear" jsonschema:"description=Operation to perform.,enum=set,enum=get,enum=delete,enum=list,enum=clear"`
	Key    string `json:"key,omitempty" jsonschema:"description=Memory key. Required for set and get and delete."`
	Value  string `json:"value,omitempty" jsonschema:"description=Value to store. Required for set."`
}

type memoryTool struct {
	paramTool[memoryParams]
	store MemoryStore
}

func newMemoryTool(store MemoryStore) *memoryTool {
	return &memoryTool{
		paramTool: newParamTool[memoryParams]("memory",
			"Store and recall persistent notes about the user and project across sessions.", KindMemory),
		store: store,
	}
}

func (t *memoryTool) IsMutating(params map[string]any) bool {
	action, _ := params["action"].(string)
	return action == "set" || action == "delete" || action == "clear"
}

func (t *memoryTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	p := t.decode(inv.Params)
	desc := "Memory " + p.Action
	if p.Key != "" {
		desc += ": " + p.Key
	}
	return &ToolConfirmation{ToolName: t.Name(), Params: inv.Params, Description: desc}
}

func (t *memoryTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)

	needsKey := p.Action == "set" || p.Action == "get" || p.Action == "delete"
	if needsKey && p.Key == "" {
		return ErrorResult(fmt.Sprintf("Parameter 'key' is required for action %q", p.Action), nil)
	}

	switch p.Action {
	case "set":
		if err := t.store.Set(ctx, p.Key, p.Value); err != nil {
			return ErrorResult("Failed to set memory: "+err.Error(), nil)
		}
		return SuccessResult("Set memory: "+p.Key, map[string]any{"key": p.Key})
	case "get":
		v, ok, err := t.store.Get(ctx, p.Key)
		if err != nil {
			return ErrorResult("Failed to get memory: "+err.Error(), nil)
		}
		if !ok {
			return SuccessResult("Memory not found: "+p.Key, map[string]any{"key": p.Key, "found": false})
		}
		return SuccessResult(fmt.Sprintf("Memory found: %s: %s", p.Key, v), map[string]any{"key": p.Key, "found": true})
	case "delete":
		ok, err := t.store.Delete(ctx, p.Key)
		if err != nil {
			return ErrorResult("Failed to delete memory: "+err.Error(), nil)
		}
		if !ok {
			return SuccessResult("Memory not found: "+p.Key, map[string]any{"key": p.Key, "found": false})
		}
		return SuccessResult("Memory deleted: "+p.Key, map[string]any{"key": p.Key, "found": true})
	case "list":
		entries, err := t.store.List(ctx)
		if err != nil {
			return ErrorResult("Failed to list memories: "+err.Error(), nil)
		}
		if len(entries) == 0 {
			return SuccessResult("No memories stored", map[string]any{"count": 0})
		}
		return SuccessResult("Stored memories:\n"+FormatMemories(entries, "  "), map[string]any{"count": len(entries)})
	case "clear":
		n, err := t.store.Clear(ctx)
		if err != nil {
			return ErrorResult("Failed to clear memories: "+err.Error(), nil)
		}
		return SuccessResult(fmt.Sprintf("Cleared %d memory entries", n), map[string]any{"count": n})
	default:
		return ErrorResult("Unknown action: "+p.Action, nil)
	}
}

// FormatMemories renders entries as "<prefix>key: value" lines sorted by
// key.
func FormatMemories(entries map[string]string, prefix string) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("%s%s: %s", prefix, k, entries[k])
	}
	return strings.Join(lines, "\n")
}
