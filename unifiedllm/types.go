package unifiedllm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a rendered request.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResultMessage creates a tool result Message answering toolCallID.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, IsError: isError}
}

// ToolCall is a fully assembled model-initiated tool invocation.
//
// Arguments holds the decoded JSON object. When the accumulated argument
// text could not be decoded, Arguments is nil, RawArguments keeps the text
// and ParseError describes the failure.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	RawArguments string         `json:"raw_arguments,omitempty"`
	ParseError   string         `json:"parse_error,omitempty"`
}

// ArgumentsJSON returns the arguments encoded for the wire. Calls whose
// arguments failed to decode are sent back verbatim.
func (tc ToolCall) ArgumentsJSON() string {
	if tc.Arguments == nil {
		if tc.RawArguments != "" {
			return tc.RawArguments
		}
		return "{}"
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseToolArguments decodes an accumulated argument buffer. An empty
// buffer decodes to an empty object.
func ParseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	CachedTokens int  `json:"cached_tokens,omitempty"`
	Estimated    bool `json:"estimated,omitempty"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
		CachedTokens: u.CachedTokens + other.CachedTokens,
		Estimated:    u.Estimated || other.Estimated,
	}
}

// Request is the input type for both Complete and Stream.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Provider    string           `json:"provider,omitempty"`
	ToolDefs    []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// Response is the output of a non-streaming completion.
type Response struct {
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Text returns the assistant text of the response.
func (r Response) Text() string {
	return r.Message.Content
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	TextDelta        StreamEventType = "text_delta"
	ToolCallStart    StreamEventType = "tool_call_start"
	ToolCallDelta    StreamEventType = "tool_call_delta"
	ToolCallComplete StreamEventType = "tool_call_complete"
	MessageComplete  StreamEventType = "message_complete"
	StreamError      StreamEventType = "error"
)

// StreamEvent is a single normalized event from the model endpoint.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Delta is a text fragment for TextDelta and an argument fragment for
	// ToolCallDelta.
	Delta string `json:"delta,omitempty"`
	// Index is the provider's tool-call index.
	Index        int       `json:"index,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	Error        error     `json:"-"`
}
