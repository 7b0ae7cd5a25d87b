package unifiedllm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/magnet/logger"
)

// StreamingAdapter turns provider chunk streams into normalized
// StreamEvents, assembling tool calls from fragments and retrying
// transient failures.
type StreamingAdapter struct {
	client      *Client
	provider    string
	model       string
	temperature *float64
	maxTokens   *int
	policy      RetryPolicy
}

// StreamingOption configures a StreamingAdapter.
type StreamingOption func(*StreamingAdapter)

// WithStreamModel sets the model requested on every call.
func WithStreamModel(model string) StreamingOption {
	return func(a *StreamingAdapter) { a.model = model }
}

// WithStreamProvider pins the provider used for every call.
func WithStreamProvider(name string) StreamingOption {
	return func(a *StreamingAdapter) { a.provider = name }
}

// WithStreamTemperature sets the sampling temperature.
func WithStreamTemperature(t float64) StreamingOption {
	return func(a *StreamingAdapter) { a.temperature = &t }
}

// WithStreamMaxTokens caps the completion length.
func WithStreamMaxTokens(n int) StreamingOption {
	return func(a *StreamingAdapter) {
		if n > 0 {
			a.maxTokens = &n
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) StreamingOption {
	return func(a *StreamingAdapter) { a.policy = p }
}

// NewStreamingAdapter creates a StreamingAdapter over client.
func NewStreamingAdapter(client *Client, opts ...StreamingOption) *StreamingAdapter {
	a := &StreamingAdapter{
		client: client,
		policy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Model returns the configured model name.
func (a *StreamingAdapter) Model() string { return a.model }

// SetModel changes the model used by later calls.
func (a *StreamingAdapter) SetModel(model string) { a.model = model }

// Client returns the underlying client.
func (a *StreamingAdapter) Client() *Client { return a.client }

// Request builds the request sent for messages and tools.
func (a *StreamingAdapter) Request(messages []Message, tools []ToolDefinition) Request {
	return Request{
		Model:       a.model,
		Provider:    a.provider,
		Messages:    messages,
		ToolDefs:    tools,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
}

// Send issues one model request and returns its events. The channel is
// closed after a MessageComplete or a single Error event. In non-stream
// mode the synchronous reply is replayed as one chunk.
func (a *StreamingAdapter) Send(ctx context.Context, messages []Message, tools []ToolDefinition, stream bool) <-chan StreamEvent {
	out := make(chan StreamEvent, 64)
	req := a.Request(messages, tools)

	go func() {
		defer close(out)

		policy := a.policy
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.WarnCF("llm", "Retrying model request", map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err,
			})
			if a.policy.OnRetry != nil {
				a.policy.OnRetry(err, attempt, delay)
			}
		}

		_, err := Retry(ctx, policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.attempt(ctx, req, stream, out)
		})
		if err != nil {
			var partial *PartialStreamError
			if errors.As(err, &partial) && partial.Cause != nil {
				err = partial.Cause
			}
			logger.ErrorCF("llm", "Model request failed", map[string]any{"error": err})
			select {
			case out <- StreamEvent{Type: StreamError, Error: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out
}

// attempt runs one request. Failures after any event was delivered are
// wrapped in PartialStreamError so they are not retried.
func (a *StreamingAdapter) attempt(ctx context.Context, req Request, stream bool, out chan<- StreamEvent) error {
	var src ChunkStream
	if stream {
		s, err := a.client.Stream(ctx, req)
		if err != nil {
			return err
		}
		src = s
	} else {
		resp, err := a.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		src = NewSliceStream([]Chunk{chunkFromResponse(resp)}, nil)
	}
	defer src.Close()

	acc := newChunkAccumulator()
	delivered := 0
	send := func(ev StreamEvent) error {
		select {
		case out <- ev:
			delivered++
			return nil
		case <-ctx.Done():
			return &AbortError{SDKError: SDKError{Message: "stream consumer gone", Cause: ctx.Err()}}
		}
	}
	fail := func(err error) error {
		if delivered > 0 {
			return &PartialStreamError{SDKError: SDKError{Message: "stream failed after partial delivery", Cause: err}, Delivered: delivered}
		}
		return err
	}

	for src.Next() {
		for _, ev := range acc.add(src.Current()) {
			if err := send(ev); err != nil {
				return fail(err)
			}
		}
	}
	if err := src.Err(); err != nil {
		return fail(err)
	}

	for _, ev := range acc.finish() {
		if err := send(ev); err != nil {
			return fail(err)
		}
	}
	return nil
}

// toolCallAccumulator collects the fragments of one indexed tool call.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

type chunkAccumulator struct {
	calls        map[int]*toolCallAccumulator
	usage        *Usage
	finishReason string
}

func newChunkAccumulator() *chunkAccumulator {
	return &chunkAccumulator{calls: make(map[int]*toolCallAccumulator)}
}

func (c *chunkAccumulator) add(chunk Chunk) []StreamEvent {
	if chunk.Usage != nil {
		u := *chunk.Usage
		c.usage = &u
	}
	choice := chunk.Choice
	if choice == nil {
		return nil
	}

	var events []StreamEvent
	if choice.Text != "" {
		events = append(events, StreamEvent{Type: TextDelta, Delta: choice.Text})
	}
	for _, frag := range choice.ToolCalls {
		acc, seen := c.calls[frag.Index]
		if !seen {
			acc = &toolCallAccumulator{}
			c.calls[frag.Index] = acc
		}
		if frag.ID != "" {
			acc.id = frag.ID
		}
		if frag.Name != "" {
			acc.name = frag.Name
		}
		if !seen {
			events = append(events, StreamEvent{
				Type:     ToolCallStart,
				Index:    frag.Index,
				ToolCall: &ToolCall{ID: acc.id, Name: acc.name},
			})
		}
		if frag.Arguments != "" {
			acc.args.WriteString(frag.Arguments)
			events = append(events, StreamEvent{Type: ToolCallDelta, Index: frag.Index, Delta: frag.Arguments})
		}
	}
	if choice.FinishReason != "" {
		c.finishReason = choice.FinishReason
	}
	return events
}

func (c *chunkAccumulator) finish() []StreamEvent {
	indexes := make([]int, 0, len(c.calls))
	for idx := range c.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	events := make([]StreamEvent, 0, len(indexes)+1)
	for _, idx := range indexes {
		acc := c.calls[idx]
		raw := acc.args.String()
		call := &ToolCall{ID: acc.id, Name: acc.name, RawArguments: raw}
		args, err := ParseToolArguments(raw)
		if err != nil {
			call.ParseError = err.Error()
		} else {
			call.Arguments = args
		}
		events = append(events, StreamEvent{Type: ToolCallComplete, Index: idx, ToolCall: call})
	}

	finish := c.finishReason
	if finish == "" {
		finish = "stop"
		if len(indexes) > 0 {
			finish = "tool_calls"
		}
	}
	events = append(events, StreamEvent{Type: MessageComplete, FinishReason: finish, Usage: c.usage})
	return events
}
