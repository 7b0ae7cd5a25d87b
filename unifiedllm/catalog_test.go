package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected to find claude-opus-4-6")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", info.Provider)
	}
	if info.ContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", info.ContextWindow)
	}

	info = GetModelInfo("opus")
	if info == nil || info.ID != "claude-opus-4-6" {
		t.Fatalf("expected alias 'opus' to resolve to claude-opus-4-6, got %v", info)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestDefaultModelIsCatalogued(t *testing.T) {
	info := GetModelInfo(DefaultModel)
	if info == nil {
		t.Fatalf("default model %q missing from catalog", DefaultModel)
	}
	if info.ContextWindow != DefaultContextWindow {
		t.Errorf("expected context window %d, got %d", DefaultContextWindow, info.ContextWindow)
	}
}

func TestContextWindowFor(t *testing.T) {
	if got := ContextWindowFor("gpt-4o", 1); got != 128000 {
		t.Errorf("expected 128000, got %d", got)
	}
	if got := ContextWindowFor("mystery", 4242); got != 4242 {
		t.Errorf("expected fallback 4242, got %d", got)
	}
}

func TestListModels(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}
	for _, provider := range []string{"anthropic", "openai", "ollama"} {
		models := ListModels(provider)
		if len(models) == 0 {
			t.Errorf("expected models for %s", provider)
		}
		for _, m := range models {
			if m.Provider != provider {
				t.Errorf("expected provider %s, got %q", provider, m.Provider)
			}
		}
	}
	if got := ListModels("unknown"); len(got) != 0 {
		t.Errorf("expected no models for unknown provider, got %d", len(got))
	}
}

func TestGetLatestModel(t *testing.T) {
	latest := GetLatestModel("openai", "")
	if latest == nil || latest.ID != "gpt-5.2" {
		t.Fatalf("expected gpt-5.2, got %v", latest)
	}
	if GetLatestModel("anthropic", "tools") == nil {
		t.Error("expected a tool-capable anthropic model")
	}
	if GetLatestModel("unknown", "") != nil {
		t.Error("expected nil for unknown provider")
	}
}
