package unifiedllm

import (
	"context"
	"fmt"
	"sync"
)

// Middleware wraps a blocking Complete call. It may rewrite the request,
// short-circuit with its own response, or call next.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps the opening of a ChunkStream. It runs once per
// stream, before any chunk is read; a middleware that needs to observe
// chunks returns a ChunkStream that wraps the one next produced.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (ChunkStream, error)) (ChunkStream, error)

// Client routes requests to registered adapters by provider name. Requests
// that name no provider go to the default provider, or failing that to the
// provider the model catalog lists for req.Model.
//
// Stream returns the adapter's ChunkStream unchanged apart from stream
// middleware. The caller drives it with Next and Current, checks Err once
// Next returns false, and must Close it on every path. StreamingAdapter is
// the usual caller.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider names the provider for requests that set none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends Complete middleware. The first one added is the
// outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware appends Stream middleware. The first one added is
// the outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient builds a Client. With no default provider set and a single
// provider registered, that provider becomes the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds adapter under name. The first provider registered
// on a client without a default becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// DefaultProvider returns the provider used for requests that name none.
func (c *Client) DefaultProvider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultProvider
}

func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// chain nests h inside mws so that mws[0] sees the request first.
func chain[T any, M ~func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)](
	mws []M, h func(context.Context, Request) (T, error),
) func(context.Context, Request) (T, error) {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, r Request) (T, error) {
			return mw(ctx, r, next)
		}
	}
	return h
}

// Complete sends req to its provider through the Complete middleware.
// req.Provider is filled in before middleware runs.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return chain(c.middleware, adapter.Complete)(ctx, req)
}

// Stream opens a ChunkStream for req through the Stream middleware. An
// error here means no stream was opened; failures after that point surface
// through the stream's Err.
func (c *Client) Stream(ctx context.Context, req Request) (ChunkStream, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return chain(c.streamMW, adapter.Stream)(ctx, req)
}

// Close closes every registered adapter that holds resources and returns
// the first error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
