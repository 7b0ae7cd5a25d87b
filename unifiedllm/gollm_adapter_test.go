package unifiedllm

import (
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation (expected without real key): %v", provider, err)
			continue
		}
		if adapter.Name() != "gollm" {
			t.Errorf("expected name %q, got %q", "gollm", adapter.Name())
		}
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg    string
		check     func(error) bool
		retryable bool
	}{
		{"401 Unauthorized", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, false},
		{"invalid api key", func(e error) bool { _, ok := e.(*AuthenticationError); return ok }, false},
		{"403 Forbidden", func(e error) bool { _, ok := e.(*AccessDeniedError); return ok }, false},
		{"404 not found", func(e error) bool { _, ok := e.(*NotFoundError); return ok }, false},
		{"429 rate limit exceeded", func(e error) bool { _, ok := e.(*RateLimitError); return ok }, true},
		{"context length exceeded", func(e error) bool { _, ok := e.(*ContextLengthError); return ok }, false},
		{"500 internal server error", func(e error) bool { _, ok := e.(*ServerError); return ok }, true},
		{"timeout waiting for response", func(e error) bool { _, ok := e.(*RequestTimeoutError); return ok }, true},
		{"dial tcp: connection refused", func(e error) bool { _, ok := e.(*NetworkError); return ok }, true},
		{"content filter triggered", func(e error) bool { _, ok := e.(*ContentFilterError); return ok }, false},
		{"something unknown", func(e error) bool { _, ok := e.(*ProviderError); return ok }, false},
	}

	for _, tt := range tests {
		err := adapter.translateError(errForMsg(tt.errMsg))
		if err == nil {
			t.Errorf("expected non-nil error for %q", tt.errMsg)
			continue
		}
		if !tt.check(err) {
			t.Errorf("for %q: unexpected type %T", tt.errMsg, err)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("for %q: IsRetryable = %v, want %v", tt.errMsg, IsRetryable(err), tt.retryable)
		}
	}
	if adapter.translateError(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }
func errForMsg(msg string) error     { return &simpleError{msg: msg} }

func TestParseToolCallsArray(t *testing.T) {
	text := `I'll look around. [{"name": "list_dir", "arguments": {"path": "."}}]`
	calls := parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "list_dir" || calls[0].Arguments["path"] != "." {
		t.Errorf("unexpected call %+v", calls[0])
	}
	if calls[0].ID == "" {
		t.Error("expected a synthesized call id")
	}
	if got := removeToolCallJSON(text, calls); got != "I'll look around." {
		t.Errorf("unexpected cleaned text %q", got)
	}
}

func TestParseToolCallsEnvelopeWithStringArguments(t *testing.T) {
	text := `{"tool_calls": [{"name": "shell", "arguments": "{\"command\": \"ls\"}"}]}`
	calls := parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["command"] != "ls" {
		t.Errorf("unexpected arguments %+v", calls[0].Arguments)
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	if calls := parseToolCalls("just an answer"); calls != nil {
		t.Errorf("expected no calls, got %+v", calls)
	}
	if got := removeToolCallJSON("just an answer", nil); got != "just an answer" {
		t.Errorf("text should be untouched, got %q", got)
	}
}
