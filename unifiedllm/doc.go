// Package unifiedllm is the model-endpoint layer: provider adapters for the
// OpenAI Chat Completions API (and compatible servers such as Ollama), the
// Anthropic Messages API and gollm, a Client that routes requests through
// middleware, and a StreamingAdapter that normalizes provider chunks into
// StreamEvents.
//
// # Streaming
//
// Adapters expose provider streams as ChunkStreams. The StreamingAdapter
// reads chunks, emits text deltas as they arrive, assembles tool calls from
// indexed fragments and finishes with one ToolCallComplete per call in index
// order followed by a MessageComplete:
//
//	adapter := unifiedllm.NewOpenAIAdapter("openai", key, "", "gpt-5.2")
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//	sa := unifiedllm.NewStreamingAdapter(client, unifiedllm.WithStreamModel("gpt-5.2"))
//
//	for ev := range sa.Send(ctx, msgs, tools, true) {
//	    switch ev.Type {
//	    case unifiedllm.TextDelta:
//	        fmt.Print(ev.Delta)
//	    case unifiedllm.ToolCallComplete:
//	        run(ev.ToolCall)
//	    }
//	}
//
// # Errors and retries
//
// Provider failures map onto a typed hierarchy rooted at SDKError.
// IsRetryable treats rate limits, connectivity failures, 5xx responses and
// timeouts as transient. Send retries a failed request with exponential
// backoff until something has been delivered to the consumer; after that
// the failure surfaces as a single StreamError event.
package unifiedllm
