package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/swarmlite/swarmlite/swarm/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"canceled", context.Canceled, "timeout", true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout", true},
		{"401", errors.New("API returned 401 Unauthorized"), "invalid_api_key", false},
		{"auth text", errors.New("authentication failed"), "invalid_api_key", false},
		{"quota", errors.New("you have exceeded your quota"), "quota_exceeded", false},
		{"billing", errors.New("billing hard limit reached"), "quota_exceeded", false},
		{"429", errors.New("status 429"), "rate_limited", true},
		{"rate limit text", errors.New("Rate limit exceeded, slow down"), "rate_limited", true},
		{"resource exhausted", errors.New("rpc error: RESOURCE_EXHAUSTED"), "rate_limited", true},
		{"500", errors.New("got 500 from upstream"), "server_error", true},
		{"overloaded", errors.New("overloaded_error: try again"), "server_error", true},
		{"connection", errors.New("connection refused"), "network_error", true},
		{"unknown", errors.New("model produced garbage"), "api_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := model.Classify("openai", tt.err)
			if pe.Code != tt.code {
				t.Errorf("Code = %s, want %s", pe.Code, tt.code)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
			if pe.Provider != "openai" {
				t.Errorf("Provider = %s", pe.Provider)
			}
			if !errors.Is(pe, tt.err) {
				t.Error("classified error should unwrap to the original")
			}
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	pe := &model.ProviderError{Provider: "anthropic", Code: "rate_limited", Retryable: true, Err: errors.New("429")}
	if got := pe.Error(); got != "anthropic: rate_limited: 429" {
		t.Errorf("Error() = %q", got)
	}
}

func TestMockChat(t *testing.T) {
	m := model.NewMockChat(
		model.MockTurn{Err: errors.New("boom")},
		model.MockTurn{Text: "hello there"},
	)
	ctx := context.Background()

	if _, err := m.Chat(ctx, nil); err == nil {
		t.Error("first scripted turn should fail")
	}
	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "hello there" || out.Model != "mock-1" {
		t.Errorf("out = %+v", out)
	}
	// Script exhausted: last turn repeats.
	if out, _ := m.Chat(ctx, nil); out.Text != "hello there" {
		t.Errorf("repeat = %+v", out)
	}
	if m.Calls() != 3 {
		t.Errorf("Calls = %d", m.Calls())
	}
}
