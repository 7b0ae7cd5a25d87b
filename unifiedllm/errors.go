package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Details returns the shared provider fields. It is promoted to every
// concrete provider error type.
func (e *ProviderError) Details() *ProviderError { return e }

type providerDetails interface {
	Details() *ProviderError
}

// AsProviderError finds the provider fields of any provider error in err's
// chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pd providerDetails
	if errors.As(err, &pd) {
		return pd.Details(), true
	}
	return nil, false
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type ConfigurationError struct{ SDKError }

// PartialStreamError reports a failure after part of a response had
// already been delivered. It is never retried.
type PartialStreamError struct {
	SDKError
	Delivered int
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	}
	if statusCode >= 500 {
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	}
	return &pe
}

// IsRetryable reports whether err is transient: a rate limit, a
// connectivity failure, a 5xx response or a timeout. Anything else,
// including cancellation, is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var partial *PartialStreamError
	if errors.As(err, &partial) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var te *RequestTimeoutError
	if errors.As(err, &te) {
		return true
	}
	var st *StreamErrorType
	if errors.As(err, &st) {
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}

// retryAfter extracts a Retry-After hint from rate limit errors.
func retryAfter(err error) *float64 {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return nil
}

// statusError classifies an HTTP error response from an SDK.
func statusError(provider string, statusCode int, message string, header http.Header, cause error) error {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	var after *float64
	if header != nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(header.Get("Retry-After")), 64); err == nil {
			after = &v
		}
	}
	err := ErrorFromStatusCode(statusCode, message, provider, "", after)
	setCause(err, cause)
	return err
}

func setCause(err, cause error) {
	if pe, ok := AsProviderError(err); ok {
		pe.Cause = cause
		return
	}
	var te *RequestTimeoutError
	if errors.As(err, &te) {
		te.Cause = cause
	}
}

// transportError classifies failures that never produced an HTTP response.
func transportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
		}
		return &NetworkError{SDKError: SDKError{Message: "network error", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "connection failed", Cause: err}}
}
