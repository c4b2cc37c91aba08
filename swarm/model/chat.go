// Package model provides LLM chat adapters for workflow tasks.
//
// A ChatModel abstracts a single provider (OpenAI, Anthropic, Google)
// behind one call. Task handlers never talk to provider SDKs directly;
// they take a ChatModel so workflows can swap providers per task.
package model

import (
	"context"
	"fmt"
)

// Message is one message in a chat conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard chat roles, matching the conventions of the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is the result of one chat completion.
type ChatOut struct {
	// Text is the model's generated response.
	Text string

	// Model is the concrete model that produced the response.
	Model string

	// TokensUsed is total input plus output tokens, zero when the
	// provider does not report usage.
	TokensUsed int
}

// ChatModel is a single-turn chat completion provider.
//
// Implementations must respect context cancellation and should return a
// *ProviderError so callers can tell transient failures (rate limits,
// server errors) from permanent ones (bad API key, quota).
type ChatModel interface {
	// Name identifies the provider ("openai", "anthropic", "google", "mock").
	Name() string

	// Model returns the concrete model identifier in use.
	Model() string

	// Chat sends the conversation and returns the completion.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// ProviderError classifies a provider failure.
type ProviderError struct {
	// Provider is the provider name.
	Provider string

	// Code is a short machine-readable cause: "rate_limited",
	// "invalid_api_key", "quota_exceeded", "server_error",
	// "network_error", "timeout", "api_error".
	Code string

	// Retryable reports whether the same call may succeed later.
	Retryable bool

	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
