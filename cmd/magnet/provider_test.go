package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/magnet/config"
)

func providerConfig(provider string) *config.Config {
	cfg := config.Default()
	cfg.Model.Provider = provider
	return cfg
}

func TestNewProviderAdapterRequiresKeys(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		t.Run(provider, func(t *testing.T) {
			_, err := newProviderAdapter(providerConfig(provider))
			assert.ErrorContains(t, err, "API_KEY is not set")
		})
	}
}

func TestNewProviderAdapterUnknown(t *testing.T) {
	_, err := newProviderAdapter(providerConfig("carrier-pigeon"))
	assert.EqualError(t, err, `unknown provider "carrier-pigeon"`)
}

func TestNewProviderAdapterOllamaNeedsNoKey(t *testing.T) {
	cfg := providerConfig("ollama")
	cfg.Model.Name = "qwen3-coder"

	adapter, err := newProviderAdapter(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ollama", adapter.Name())
}

func TestNewClientWithKey(t *testing.T) {
	cfg := providerConfig("openai")
	cfg.Secrets.OpenAIAPIKey = "sk-test"

	client, err := newClient(cfg)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "openai", client.DefaultProvider())

	streaming := newStreamingAdapter(client, cfg)
	assert.NotNil(t, streaming)
}
