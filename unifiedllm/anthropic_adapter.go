package unifiedllm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 8192

// AnthropicAdapter talks to the Messages API.
type AnthropicAdapter struct {
	model  string
	client *anthropic.Client
}

// NewAnthropicAdapter creates an adapter for the Messages API. An empty
// baseURL uses the SDK default endpoint.
func NewAnthropicAdapter(apiKey, baseURL, model string) *AnthropicAdapter {
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: defaultRequestTimeout}),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if base := normalizeAnthropicBaseURL(baseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(reqOpts...)
	return &AnthropicAdapter{model: model, client: &client}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking Messages request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.translateError(err)
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			tc := ToolCall{ID: tu.ID, Name: tu.Name, RawArguments: string(tu.Input)}
			if args, err := ParseToolArguments(string(tu.Input)); err != nil {
				tc.ParseError = err.Error()
			} else {
				tc.Arguments = args
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}

	return &Response{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Provider:     a.Name(),
		Message:      msg,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: &Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			CachedTokens: int(resp.Usage.CacheReadInputTokens),
		},
	}, nil
}

// Stream opens a streaming Messages request.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	return &anthropicChunkStream{stream: stream, adapter: a}, nil
}

func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	// Consecutive tool results must share one user message.
	for i := 0; i < len(req.Messages); i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			var results []anthropic.ContentBlockParamUnion
			for i < len(req.Messages) && req.Messages[i].Role == RoleTool {
				tr := req.Messages[i]
				results = append(results, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
				i++
			}
			i--
			messages = append(messages, anthropic.NewUserMessage(results...))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(defaultAnthropicMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = buildAnthropicTools(req.ToolDefs)
	}
	return params
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		switch req := t.Parameters["required"].(type) {
		case []string:
			tool.InputSchema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					tool.InputSchema.Required = append(tool.InputSchema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func mapStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

func normalizeAnthropicBaseURL(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	return strings.TrimSuffix(base, "/v1")
}

func (a *AnthropicAdapter) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return statusError(a.Name(), apiErr.StatusCode, "", header, err)
	}
	return transportError(err)
}

// anthropicChunkStream maps content-block events onto chunks. Content
// block indexes serve as tool-call indexes.
type anthropicChunkStream struct {
	stream  sseStream[anthropic.MessageStreamEventUnion]
	adapter *AnthropicAdapter
	usage   Usage
}

func (s *anthropicChunkStream) Next() bool { return s.stream.Next() }

func (s *anthropicChunkStream) Current() Chunk {
	event := s.stream.Current()
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage.InputTokens = int(e.Message.Usage.InputTokens)
		s.usage.CachedTokens = int(e.Message.Usage.CacheReadInputTokens)
		return Chunk{}
	case anthropic.ContentBlockStartEvent:
		if e.ContentBlock.Type != "tool_use" {
			return Chunk{Choice: &ChunkChoice{}}
		}
		return Chunk{Choice: &ChunkChoice{ToolCalls: []ToolCallFragment{{
			Index: int(e.Index),
			ID:    e.ContentBlock.ID,
			Name:  e.ContentBlock.Name,
		}}}}
	case anthropic.ContentBlockDeltaEvent:
		switch e.Delta.Type {
		case "text_delta":
			return Chunk{Choice: &ChunkChoice{Text: e.Delta.Text}}
		case "input_json_delta":
			return Chunk{Choice: &ChunkChoice{ToolCalls: []ToolCallFragment{{
				Index:     int(e.Index),
				Arguments: e.Delta.PartialJSON,
			}}}}
		}
	case anthropic.MessageDeltaEvent:
		s.usage.OutputTokens = int(e.Usage.OutputTokens)
		s.usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
		u := s.usage
		return Chunk{Usage: &u, Choice: &ChunkChoice{FinishReason: mapStopReason(e.Delta.StopReason)}}
	}
	return Chunk{}
}

func (s *anthropicChunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return s.adapter.translateError(err)
	}
	return nil
}

func (s *anthropicChunkStream) Close() error { return s.stream.Close() }
