package task

import (
	"context"
	"errors"
	"strings"

	"github.com/swarmlite/swarmlite/swarm/model"
)

// MaxPromptLen caps prompt length before a request leaves the process.
const MaxPromptLen = 2000

// defaultBannedPhrases block prompts that try to defeat the model's
// instructions. Guardrail violations are permanent: retrying the same
// prompt cannot fix it.
var defaultBannedPhrases = []string{
	"ignore previous instructions",
	"disregard your guidelines",
	"jailbreak",
}

// LLMHandler sends a prompt to a chat model:
//
//	config:
//	  prompt: "Summarize the incident report."
//	  system: "You are a concise operations assistant."  # optional
//
// Prompts failing the guardrails (length cap, banned phrases) never
// reach the provider. Provider failures map retryable onto transient.
type LLMHandler struct {
	chat   model.ChatModel
	banned []string
}

// NewLLMHandler creates an LLM task handler. Extra banned phrases
// extend the built-in list.
func NewLLMHandler(chat model.ChatModel, banned ...string) *LLMHandler {
	return &LLMHandler{
		chat:   chat,
		banned: append(append([]string{}, defaultBannedPhrases...), banned...),
	}
}

// Execute implements Handler.
func (h *LLMHandler) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	prompt, ok := inv.Config["prompt"].(string)
	if !ok || prompt == "" {
		return nil, Permanent("llm task %s: missing prompt in config", inv.TaskID)
	}
	if err := h.checkGuardrails(prompt); err != nil {
		return nil, Permanent("llm task %s: %v", inv.TaskID, err)
	}

	var messages []model.Message
	if sys, ok := inv.Config["system"].(string); ok && sys != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: sys})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := h.chat.Chat(ctx, messages)
	if err != nil {
		var pe *model.ProviderError
		if errors.As(err, &pe) && pe.Retryable {
			return nil, Transient("llm task %s: %v", inv.TaskID, err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, Transient("llm task %s: %v", inv.TaskID, err)
		}
		return nil, Permanent("llm task %s: %v", inv.TaskID, err)
	}

	return map[string]any{
		"text":        out.Text,
		"model":       out.Model,
		"tokens_used": out.TokensUsed,
	}, nil
}

func (h *LLMHandler) checkGuardrails(prompt string) error {
	if len(prompt) > MaxPromptLen {
		return errors.New("prompt exceeds length limit")
	}
	lower := strings.ToLower(prompt)
	for _, phrase := range h.banned {
		if strings.Contains(lower, phrase) {
			return errors.New("prompt contains banned phrase")
		}
	}
	return nil
}
