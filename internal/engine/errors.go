// Package engine holds the provider-agnostic chat contract.
// This file contains provider error classification.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RetryClass describes how transient a provider failure looks.
// Nothing retries automatically; the class is surfaced in logs and metrics.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"
	RetryClassMaybe        RetryClass = "maybe"
	RetryClassNonRetryable RetryClass = "non_retryable"
)

// ProviderError wraps a model provider failure with classification metadata.
type ProviderError struct {
	Err         error
	Class       RetryClass
	HTTPStatus  int    // HTTP status code if applicable
	RetryAfter  string // Retry-After header value if present
	IsRateLimit bool
	IsTimeout   bool
	IsNetwork   bool
	IsAuth      bool
	IsQuota     bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return "provider: " + e.Err.Error()
	}
	return fmt.Sprintf("provider error: %s", e.Class)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Status returns a short label for metrics.
func (e *ProviderError) Status() string {
	switch {
	case e.IsRateLimit:
		return "rate_limited"
	case e.IsTimeout:
		return "timeout"
	case e.IsAuth:
		return "auth"
	case e.IsQuota:
		return "quota"
	case e.HTTPStatus >= 500:
		return "server_error"
	case e.HTTPStatus >= 400:
		return "client_error"
	default:
		return "error"
	}
}

// ClassifyLLMError classifies an error from an LLM provider call.
func ClassifyLLMError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Class
	}

	errStr := strings.ToLower(err.Error())

	// Rate limit (429)
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return RetryClassRetryable
	}

	// Server errors (5xx)
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return RetryClassRetryable
	}

	// Context deadline exceeded comes before the generic timeout match.
	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "deadline exceeded") {
		return RetryClassMaybe
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary failure") {
		return RetryClassRetryable
	}

	if strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "token limit") ||
		strings.Contains(errStr, "maximum context length") {
		return RetryClassMaybe
	}

	// 400, 401, 402, 403, content filters and anything unknown.
	return RetryClassNonRetryable
}

// ExtractRetryAfter extracts the Retry-After value from a provider error.
// Returns 0 if not found or invalid.
func ExtractRetryAfter(err error) time.Duration {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.RetryAfter == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(providerErr.RetryAfter, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, providerErr.RetryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// WrapLLMError wraps an LLM provider error with classification metadata.
func WrapLLMError(err error, httpStatus int, retryAfter string) error {
	if err == nil {
		return nil
	}

	var existing *ProviderError
	if errors.As(err, &existing) {
		return err
	}

	timeout := httpStatus == http.StatusGatewayTimeout || httpStatus == http.StatusRequestTimeout ||
		errors.Is(err, context.DeadlineExceeded)

	return &ProviderError{
		Err:         err,
		Class:       ClassifyLLMError(err),
		HTTPStatus:  httpStatus,
		RetryAfter:  retryAfter,
		IsRateLimit: httpStatus == http.StatusTooManyRequests,
		IsTimeout:   timeout,
		IsNetwork:   httpStatus == 0 || httpStatus >= 500,
		IsAuth:      httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden,
		IsQuota:     httpStatus == http.StatusPaymentRequired,
	}
}

// IsProviderError reports whether err came from a model provider.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}
