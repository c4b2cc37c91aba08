// Package google adapts the Gemini client to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/swarmlite/swarmlite/swarm/model"
)

// DefaultModel is used when no model is specified.
const DefaultModel = "gemini-1.5-flash"

// ChatModel wraps a Gemini client for one model. Close releases the
// underlying connection.
type ChatModel struct {
	client *genai.Client
	model  string
}

// New creates a Gemini chat model.
func New(ctx context.Context, apiKey, modelID string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google: API key cannot be empty")
	}
	if modelID == "" {
		modelID = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &ChatModel{client: client, model: modelID}, nil
}

func (c *ChatModel) Name() string  { return "google" }
func (c *ChatModel) Model() string { return c.model }

// Close releases the underlying client.
func (c *ChatModel) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Chat implements model.ChatModel. Gemini separates system instructions
// from chat content; system messages become the SystemInstruction and
// the remaining turns are concatenated as content parts.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	gm := c.client.GenerativeModel(c.model)

	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(msg.Content)}}
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("google: no user content to send")
	}

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, model.Classify("google", err)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return model.ChatOut{Text: text, Model: c.model, TokensUsed: tokens}, nil
}
