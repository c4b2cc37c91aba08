// Package openai adapts the official OpenAI Go SDK to model.ChatModel.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/swarmlite/swarmlite/swarm/model"
)

// ChatModel wraps an OpenAI client for one model. Safe for concurrent
// use; the SDK client handles its own connection pooling.
type ChatModel struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI chat model.
func New(apiKey, modelID string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key cannot be empty")
	}
	if modelID == "" {
		return nil, errors.New("openai: model cannot be empty")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, model: modelID}, nil
}

func (c *ChatModel) Name() string  { return "openai" }
func (c *ChatModel) Model() string { return c.model }

// Chat implements model.ChatModel.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case model.RoleAssistant:
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		default:
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, model.Classify("openai", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, &model.ProviderError{
			Provider: "openai", Code: "api_error", Retryable: true,
			Err: errors.New("empty choices in completion"),
		}
	}

	return model.ChatOut{
		Text:       completion.Choices[0].Message.Content,
		Model:      c.model,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}
