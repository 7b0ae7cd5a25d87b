package unifiedllm

import "testing"

func TestMessageConstructors(t *testing.T) {
	if m := SystemMessage("sys"); m.Role != RoleSystem || m.Content != "sys" {
		t.Errorf("unexpected system message %+v", m)
	}
	if m := UserMessage("hi"); m.Role != RoleUser || m.Content != "hi" {
		t.Errorf("unexpected user message %+v", m)
	}

	call := ToolCall{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}
	m := AssistantMessage("", call)
	if m.Role != RoleAssistant || len(m.ToolCalls) != 1 || m.ToolCalls[0].ID != "c1" {
		t.Errorf("unexpected assistant message %+v", m)
	}

	tr := ToolResultMessage("c1", "boom", true)
	if tr.Role != RoleTool || tr.ToolCallID != "c1" || !tr.IsError {
		t.Errorf("unexpected tool message %+v", tr)
	}
}

func TestParseToolArguments(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
		wantLen int
	}{
		{"", false, 0},
		{"  ", false, 0},
		{`{"path":"."}`, false, 1},
		{`null`, false, 0},
		{`{"path":`, true, 0},
		{`[1,2]`, true, 0},
	}
	for _, tt := range tests {
		args, err := ParseToolArguments(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && len(args) != tt.wantLen {
			t.Errorf("%q: expected %d args, got %d", tt.raw, tt.wantLen, len(args))
		}
	}
}

func TestToolCallArgumentsJSON(t *testing.T) {
	tc := ToolCall{Arguments: map[string]any{"a": 1.0}}
	if got := tc.ArgumentsJSON(); got != `{"a":1}` {
		t.Errorf("unexpected JSON %q", got)
	}
	broken := ToolCall{RawArguments: `{"a":`}
	if got := broken.ArgumentsJSON(); got != `{"a":` {
		t.Errorf("expected raw arguments to round-trip, got %q", got)
	}
	if got := (ToolCall{}).ArgumentsJSON(); got != "{}" {
		t.Errorf("expected empty object, got %q", got)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, CachedTokens: 5}
	b := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, Estimated: true}
	sum := a.Add(b)

	if sum.InputTokens != 11 || sum.OutputTokens != 22 || sum.TotalTokens != 33 || sum.CachedTokens != 5 {
		t.Errorf("unexpected sum %+v", sum)
	}
	if !sum.Estimated {
		t.Error("expected estimated flag to propagate")
	}
}

func TestResponseText(t *testing.T) {
	r := Response{Message: AssistantMessage("done")}
	if r.Text() != "done" {
		t.Errorf("unexpected text %q", r.Text())
	}
}
