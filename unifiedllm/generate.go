package unifiedllm

import (
	"context"
	"fmt"
)

// GenerateOptions describes a single non-streaming text generation.
type GenerateOptions struct {
	Model       string
	Provider    string
	System      string
	Prompt      string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	RetryPolicy *RetryPolicy
}

// GenerateResult is the text and usage of a generation.
type GenerateResult struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// Generate sends one blocking request with retries and returns its text.
// Either Prompt or Messages must be set, not both.
func Generate(ctx context.Context, client *Client, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "cannot specify both prompt and messages"}}
	}

	var messages []Message
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	if opts.Prompt != "" {
		messages = append(messages, UserMessage(opts.Prompt))
	}
	messages = append(messages, opts.Messages...)
	if len(messages) == 0 {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "either prompt or messages must be provided"}}
	}

	policy := DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}

	req := Request{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	resp, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return client.Complete(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	return &GenerateResult{
		Text:         resp.Text(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	}, nil
}
