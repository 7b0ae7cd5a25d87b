package unifiedllm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func writeAnthropicSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, data := range events {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(data), &head)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, data)
	}
}

func TestAnthropicAdapterStreamsToolUse(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeAnthropicSSE(w,
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file","input":{}}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go.mod\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`,
			`{"type":"message_stop"}`,
		)
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter("test-key", server.URL, "claude-sonnet-4-5")
	sa := NewStreamingAdapter(NewClient(WithProvider("anthropic", adapter)))

	msgs := []Message{
		SystemMessage("be brief"),
		UserMessage("read go.mod"),
		AssistantMessage("", ToolCall{ID: "toolu_0", Name: "list_dir", Arguments: map[string]any{}}),
		ToolResultMessage("toolu_0", "go.mod", false),
	}
	tools := []ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
	}}
	events := collect(t, sa.Send(t.Context(), msgs, tools, true))

	if errs := eventsOfType(events, StreamError); len(errs) != 0 {
		t.Fatalf("unexpected error: %v", errs[0].Error)
	}
	if body["system"] == nil {
		t.Error("expected system prompt to be sent separately")
	}
	sent, _ := body["messages"].([]any)
	if len(sent) != 3 {
		t.Errorf("expected user, assistant and tool-result messages, got %d", len(sent))
	}

	completes := eventsOfType(events, ToolCallComplete)
	if len(completes) != 1 {
		t.Fatalf("expected one tool call, got %d", len(completes))
	}
	tc := completes[0].ToolCall
	if tc.ID != "toolu_1" || tc.Name != "read_file" || tc.Arguments["path"] != "go.mod" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if completes[0].Index != 1 {
		t.Errorf("expected content-block index 1, got %d", completes[0].Index)
	}

	done := events[len(events)-1]
	if done.Type != MessageComplete || done.FinishReason != "tool_calls" {
		t.Errorf("unexpected completion %+v", done)
	}
	if done.Usage == nil || done.Usage.InputTokens != 12 || done.Usage.OutputTokens != 9 || done.Usage.TotalTokens != 21 {
		t.Errorf("unexpected usage %+v", done.Usage)
	}
}

func TestAnthropicAdapterComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "Summary."}},
			"usage":       map[string]any{"input_tokens": 15, "output_tokens": 8},
		})
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter("test-key", server.URL+"/v1", "claude-sonnet-4-5")
	resp, err := adapter.Complete(t.Context(), Request{Messages: []Message{UserMessage("summarize")}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text() != "Summary." || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 23 {
		t.Errorf("expected 23 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"tool_use":   "tool_calls",
		"max_tokens": "length",
		"end_turn":   "stop",
	}
	for in, want := range tests {
		if got := mapStopReason(anthropic.StopReason(in)); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
