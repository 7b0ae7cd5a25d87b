package unifiedllm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// NewRequestLimiter returns a limiter allowing rpm requests per minute, or
// nil when rpm is not positive.
func NewRequestLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return &AbortError{SDKError: SDKError{Message: "rate limiter wait aborted", Cause: err}}
	}
	return nil
}

// RateLimitMiddleware delays Complete calls to respect limiter.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if err := waitLimiter(ctx, limiter); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// RateLimitStreamMiddleware delays Stream calls to respect limiter.
func RateLimitStreamMiddleware(limiter *rate.Limiter) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (ChunkStream, error)) (ChunkStream, error) {
		if err := waitLimiter(ctx, limiter); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// WithRateLimit installs limiter on both Complete and Stream calls. A nil
// limiter is ignored.
func WithRateLimit(limiter *rate.Limiter) ClientOption {
	return func(c *Client) {
		if limiter == nil {
			return
		}
		c.middleware = append(c.middleware, RateLimitMiddleware(limiter))
		c.streamMW = append(c.streamMW, RateLimitStreamMiddleware(limiter))
	}
}
