package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("Reason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", context.DeadlineExceeded, ReasonTimeout},
		{"wrapped deadline", fmt.Errorf("open stream: %w", context.DeadlineExceeded), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"too many requests", errors.New("too many requests"), ReasonRateLimit},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimit},
		{"resource exhausted", errors.New("RESOURCE EXHAUSTED"), ReasonRateLimit},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonBilling},
		{"quota", errors.New("insufficient_quota"), ReasonBilling},
		{"content filter", errors.New("content_filter triggered"), ReasonContentFilter},
		{"safety", errors.New("content blocked by safety"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"overloaded", errors.New("Overloaded"), ReasonServerError},
		{"500 status", errors.New("HTTP 500"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderErrorPrefersStatusOverCodeOverMessage(t *testing.T) {
	cause := errors.New("internal server error")

	err := newProviderError("anthropic", "claude-sonnet", 0, "", cause)
	if err.Reason != ReasonServerError {
		t.Errorf("message only: reason = %v", err.Reason)
	}

	err = newProviderError("anthropic", "claude-sonnet", 0, "rate_limit_error", cause)
	if err.Reason != ReasonRateLimit {
		t.Errorf("code over message: reason = %v", err.Reason)
	}

	err = newProviderError("anthropic", "claude-sonnet", 401, "rate_limit_error", cause)
	if err.Reason != ReasonAuth {
		t.Errorf("status over code: reason = %v", err.Reason)
	}
	if !errors.Is(err, cause) {
		t.Error("ProviderError must unwrap to its cause")
	}

	msg := err.Error()
	for _, part := range []string{"[auth]", "anthropic", "model=claude-sonnet", "status=401", "code=rate_limit_error"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}

func TestGetProviderError(t *testing.T) {
	pe := newProviderError("openai", "gpt-4o", 429, "", nil)
	wrapped := fmt.Errorf("turn: %w", pe)

	got, ok := GetProviderError(wrapped)
	if !ok || got != pe {
		t.Error("GetProviderError should unwrap the chain")
	}
	if _, ok := GetProviderError(errors.New("regular")); ok {
		t.Error("GetProviderError should return false for a plain error")
	}
	if ClassifyError(wrapped) != ReasonRateLimit {
		t.Error("ClassifyError should use the classified reason of a ProviderError")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(newProviderError("anthropic", "claude", 529, "", nil)) {
		t.Error("overloaded should be retryable")
	}
	if IsRetryable(newProviderError("openai", "gpt-4o", 401, "", nil)) {
		t.Error("auth errors are not retryable")
	}
	if !IsRetryable(errors.New("timeout exceeded")) {
		t.Error("timeouts classified from the message are retryable")
	}
	if IsRetryable(fmt.Errorf("stream: %w", context.Canceled)) {
		t.Error("cancellation is never retryable")
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status   int
		expected Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{408, ReasonTimeout},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
		{0, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := classifyStatusCode(tt.status); got != tt.expected {
				t.Errorf("classifyStatusCode(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}
