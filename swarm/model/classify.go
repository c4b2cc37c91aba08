package model

import (
	"context"
	"errors"
	"strings"
)

// Classify maps a raw SDK error onto a ProviderError. Provider SDKs do
// not expose stable error types for every failure mode, so this falls
// back to matching on the error text the way their status codes read.
func Classify(provider string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Code: "timeout", Retryable: true, Err: err}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"):
		return &ProviderError{Provider: provider, Code: "invalid_api_key", Retryable: false, Err: err}

	case strings.Contains(msg, "quota"),
		strings.Contains(msg, "billing"):
		return &ProviderError{Provider: provider, Code: "quota_exceeded", Retryable: false, Err: err}

	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "too many requests"):
		return &ProviderError{Provider: provider, Code: "rate_limited", Retryable: true, Err: err}

	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "overloaded"):
		return &ProviderError{Provider: provider, Code: "server_error", Retryable: true, Err: err}

	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return &ProviderError{Provider: provider, Code: "network_error", Retryable: true, Err: err}
	}

	return &ProviderError{Provider: provider, Code: "api_error", Retryable: false, Err: err}
}
