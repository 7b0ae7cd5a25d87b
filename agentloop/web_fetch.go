package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 30
	maxFetchBytes       = 100 * 1024
	fetchUserAgent      = "magnet/1.0 (+https://github.com/martinemde/magnet)"
)

type webFetchParams struct {
	URL     string `json:"url" validate:"url" jsonschema:"description=The http or https URL to fetch."`
	Timeout int    `json:"timeout,omitempty" validate:"omitempty,min=3,max=120" jsonschema:"description=Timeout in seconds. Defaults to 30.,minimum=3,maximum=120,default=30"`
}

type webFetchTool struct {
	paramTool[webFetchParams]
	client *http.Client
}

func newWebFetchTool(client *http.Client) *webFetchTool {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		}
	}
	return &webFetchTool{
		paramTool: newParamTool[webFetchParams]("web_fetch",
			"Fetch the content of a URL over HTTP(S). Large responses are truncated.", KindNetwork),
		client: client,
	}
}

func (t *webFetchTool) Validate(params map[string]any) []string {
	problems := t.paramTool.Validate(params)
	if len(problems) > 0 {
		return problems
	}
	p := t.decode(params)
	if u, err := url.Parse(p.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return []string{"Parameter 'url': only http and https URLs are supported"}
	}
	return nil
}

func (t *webFetchTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	p := t.decode(inv.Params)
	return &ToolConfirmation{
		ToolName:    t.Name(),
		Params:      inv.Params,
		Description: "Fetch URL: " + p.URL,
	}
}

func (t *webFetchTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return ErrorResult("Failed to create request: "+err.Error(), nil)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrorResult(fmt.Sprintf("Request timed out after %d seconds", timeout), map[string]any{"url": p.URL})
		}
		return ErrorResult("Request failed: "+err.Error(), map[string]any{"url": p.URL})
	}
	defer resp.Body.Close()

	md := map[string]any{
		"url":          p.URL,
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrorResult(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)), md)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return ErrorResult("Failed to read response: "+err.Error(), md)
	}
	content := string(body)
	truncated := len(body) > maxFetchBytes
	if truncated {
		content = content[:maxFetchBytes] + "\n... [content truncated]"
	}
	md["content_length"] = len(body)
	if strings.TrimSpace(content) == "" {
		content = "(empty response)"
	}
	result := SuccessResult(content, md)
	result.Truncated = truncated
	return result
}
