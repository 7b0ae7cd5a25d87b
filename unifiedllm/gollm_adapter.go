package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// gollm reports no token usage, so responses carry nil usage.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given gollm backend.
// If apiKey is empty, gollm reads it from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		maxTokens:   4096,
		temperature: 1.0,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, ""); info != nil {
			model = info.ID
		} else {
			model = DefaultModel
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries happen in StreamingAdapter
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{
		provider: provider,
		llm:      llm,
		model:    model,
	}, nil
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return "gollm"
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream yields text chunks from gollm when the backend supports it and
// falls back to a single chunk otherwise. Tool calls embedded in the text
// are only recognized on the synchronous path.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	if !a.llm.SupportsStreaming() || len(req.ToolDefs) > 0 {
		resp, err := a.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewSliceStream([]Chunk{chunkFromResponse(resp)}, nil), nil
	}

	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)
	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return &gollmChunkStream{
		next: func() (string, error) {
			token, err := stream.Next(ctx)
			if err != nil || token == nil {
				return "", err
			}
			return token.Text, nil
		},
		close:   func() { stream.Close() },
		adapter: a,
	}, nil
}

// translateRequest flattens the conversation into one gollm prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.Content)
			systemPrompt.WriteString("\n")
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s", tc.Name, tc.ArgumentsJSON()))
			}
		case RoleTool:
			prefix := "[Tool Result]"
			if msg.IsError {
				prefix = "[Tool Error]"
			}
			parts = append(parts, prefix+": "+msg.Content)
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if s := strings.TrimSpace(systemPrompt.String()); s != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(s, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls := parseToolCalls(text)
	msg := Message{Role: RoleAssistant, Content: removeToolCallJSON(text, calls), ToolCalls: calls}

	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
	}

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.Name(),
		Message:      msg,
		FinishReason: finishReason,
	}
}

var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// parseToolCalls extracts tool calls that gollm returns as JSON embedded
// in the response text.
func parseToolCalls(text string) []ToolCall {
	start := -1
	wrapped := false
	for i, marker := range toolCallMarkers {
		if idx := strings.Index(text, marker); idx != -1 {
			start = idx
			wrapped = i == 0
			break
		}
	}
	if start == -1 {
		return nil
	}

	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var rawCalls []rawCall
	remaining := []byte(text[start:])
	if wrapped {
		var envelope struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.Unmarshal(remaining, &envelope); err != nil {
			return nil
		}
		rawCalls = envelope.ToolCalls
	} else if err := json.Unmarshal(remaining, &rawCalls); err != nil {
		return nil
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		raw := string(rc.Arguments)
		// Some backends encode arguments as a JSON string.
		var encoded string
		if json.Unmarshal(rc.Arguments, &encoded) == nil {
			raw = encoded
		}
		tc := ToolCall{ID: "call_" + uuid.New().String()[:8], Name: rc.Name, RawArguments: raw}
		if args, err := ParseToolArguments(raw); err != nil {
			tc.ParseError = err.Error()
		} else {
			tc.Arguments = args
		}
		calls = append(calls, tc)
	}
	return calls
}

func removeToolCallJSON(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, marker := range toolCallMarkers {
		if idx := strings.Index(result, marker); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError converts a gollm error into the unified error hierarchy.
// gollm flattens HTTP failures into strings, so classification is textual.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "502") ||
		strings.Contains(msgLower, "503") || strings.Contains(msgLower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "connection refused") || strings.Contains(msgLower, "no such host"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter"):
		return &ContentFilterError{ProviderError: pe}
	default:
		return &pe
	}
}

type gollmChunkStream struct {
	next    func() (string, error)
	close   func()
	adapter *GollmAdapter
	current Chunk
	err     error
}

func (s *gollmChunkStream) Next() bool {
	text, err := s.next()
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = s.adapter.translateError(err)
		return false
	}
	s.current = Chunk{Choice: &ChunkChoice{Text: text}}
	return true
}

func (s *gollmChunkStream) Current() Chunk { return s.current }

func (s *gollmChunkStream) Err() error { return s.err }

func (s *gollmChunkStream) Close() error {
	s.close()
	return nil
}
