package main

import (
	"fmt"
	"time"

	"github.com/martinemde/magnet/config"
	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// newProviderAdapter builds the adapter selected by cfg.Model.Provider.
func newProviderAdapter(cfg *config.Config) (unifiedllm.ProviderAdapter, error) {
	model := cfg.Model.Name
	switch cfg.Model.Provider {
	case "openai":
		if cfg.APIKey() == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return unifiedllm.NewOpenAIAdapter("openai", cfg.APIKey(), cfg.BaseURL(), model), nil
	case "ollama":
		base := cfg.BaseURL()
		if base == "" {
			base = defaultOllamaURL
		}
		return unifiedllm.NewOpenAIAdapter("ollama", "ollama", base, model), nil
	case "anthropic":
		if cfg.APIKey() == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return unifiedllm.NewAnthropicAdapter(cfg.APIKey(), cfg.BaseURL(), model), nil
	case "gollm":
		opts := []unifiedllm.GollmAdapterOption{
			unifiedllm.WithModel(model),
			unifiedllm.WithTemperature(cfg.Model.Temperature),
		}
		if cfg.Model.MaxTokens > 0 {
			opts = append(opts, unifiedllm.WithMaxTokens(cfg.Model.MaxTokens))
		}
		return unifiedllm.NewGollmAdapter(cfg.GollmBackend(), cfg.APIKey(), opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
}

// newClient wraps the configured adapter in a client with the request rate
// limit applied.
func newClient(cfg *config.Config) (*unifiedllm.Client, error) {
	adapter, err := newProviderAdapter(cfg)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(adapter.Name(), adapter),
		unifiedllm.WithDefaultProvider(adapter.Name()),
		unifiedllm.WithRateLimit(unifiedllm.NewRequestLimiter(cfg.Model.RequestsPerMinute)),
	), nil
}

// newStreamingAdapter configures model, sampling and retries for the agent.
func newStreamingAdapter(client *unifiedllm.Client, cfg *config.Config) *unifiedllm.StreamingAdapter {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Retry.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.WarnCF("provider", "Retrying model request", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}
	return unifiedllm.NewStreamingAdapter(client,
		unifiedllm.WithStreamModel(cfg.Model.Name),
		unifiedllm.WithStreamProvider(client.DefaultProvider()),
		unifiedllm.WithStreamTemperature(cfg.Model.Temperature),
		unifiedllm.WithStreamMaxTokens(cfg.Model.MaxTokens),
		unifiedllm.WithRetryPolicy(policy),
	)
}
