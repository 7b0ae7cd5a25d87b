package unifiedllm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const defaultRequestTimeout = 300 * time.Second

// sseStream is the iterator shape shared by the SDK streaming types.
type sseStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// OpenAIAdapter talks to the Chat Completions API or any server compatible
// with it, such as a local Ollama.
type OpenAIAdapter struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAIAdapter creates an adapter registered under name. An empty
// baseURL uses the SDK default endpoint.
func NewOpenAIAdapter(name, apiKey, baseURL, model string) *OpenAIAdapter {
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: defaultRequestTimeout}),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(reqOpts...)
	return &OpenAIAdapter{name: name, model: model, client: &client}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends a blocking Chat Completions request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &StreamErrorType{SDKError: SDKError{Message: "OpenAI API returned no choices"}}
	}

	choice := resp.Choices[0]
	msg := Message{Role: RoleAssistant, Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		switch v := call.AsAny().(type) {
		case openai.ChatCompletionMessageFunctionToolCall:
			tc := ToolCall{ID: v.ID, Name: v.Function.Name, RawArguments: v.Function.Arguments}
			if args, err := ParseToolArguments(v.Function.Arguments); err != nil {
				tc.ParseError = err.Error()
			} else {
				tc.Arguments = args
			}
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage:        mapOpenAIUsage(resp.Usage),
	}, nil
}

// Stream opens a streaming Chat Completions request with usage reporting.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	params := a.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	return &openaiChunkStream{stream: stream, adapter: a}, nil
}

func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: buildOpenAIMessages(req.Messages),
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = buildOpenAITools(req.ToolDefs)
		params.ToolChoice.OfAuto = openai.String(string(openai.ChatCompletionToolChoiceOptionAutoAuto))
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Opt(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Opt(*req.Temperature)
	}
	return params
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, buildOpenAIAssistant(msg))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func buildOpenAIAssistant(msg Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON(),
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func mapOpenAIUsage(usage openai.CompletionUsage) *Usage {
	if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	return &Usage{
		InputTokens:  int(usage.PromptTokens),
		OutputTokens: int(usage.CompletionTokens),
		TotalTokens:  int(usage.TotalTokens),
		CachedTokens: int(usage.PromptTokensDetails.CachedTokens),
	}
}

func (a *OpenAIAdapter) translateError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return statusError(a.name, apiErr.StatusCode, strings.TrimSpace(apiErr.Message), header, err)
	}
	return transportError(err)
}

type openaiChunkStream struct {
	stream  sseStream[openai.ChatCompletionChunk]
	adapter *OpenAIAdapter
}

func (s *openaiChunkStream) Next() bool { return s.stream.Next() }

func (s *openaiChunkStream) Current() Chunk {
	raw := s.stream.Current()
	var chunk Chunk
	if raw.Usage.TotalTokens > 0 {
		chunk.Usage = mapOpenAIUsage(raw.Usage)
	}
	if len(raw.Choices) == 0 {
		return chunk
	}

	choice := raw.Choices[0]
	cc := &ChunkChoice{
		Text:         choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Delta.ToolCalls {
		cc.ToolCalls = append(cc.ToolCalls, ToolCallFragment{
			Index:     int(tc.Index),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	chunk.Choice = cc
	return chunk
}

func (s *openaiChunkStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return s.adapter.translateError(err)
	}
	return nil
}

func (s *openaiChunkStream) Close() error { return s.stream.Close() }
