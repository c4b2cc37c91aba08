// Package anthropic adapts the official Anthropic Go SDK to model.ChatModel.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/swarmlite/swarmlite/swarm/model"
)

const defaultMaxTokens = 4096

// ChatModel wraps an Anthropic client for one model. Safe for
// concurrent use after creation.
type ChatModel struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New creates an Anthropic chat model.
func New(apiKey, modelID string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model cannot be empty")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, model: modelID, maxTokens: defaultMaxTokens}, nil
}

func (c *ChatModel) Name() string  { return "anthropic" }
func (c *ChatModel) Model() string { return c.model }

// Chat implements model.ChatModel. System messages are lifted into the
// dedicated system field the Anthropic API expects.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, model.Classify("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return model.ChatOut{
		Text:       text,
		Model:      c.model,
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
