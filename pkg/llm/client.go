// Package llm implements the classification and answer-generation
// collaborators on an OpenAI-compatible chat completion API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"support-router/pkg/models"
)

// historyTurns bounds how much of a conversation is replayed to the model.
const historyTurns = 6

var errEmptyCompletion = errors.New("model returned no choices")

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

func newClient(opts Options) *openai.Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

func complete(ctx context.Context, client *openai.Client, model string, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func historyMessages(history []models.Message) []openai.ChatCompletionMessage {
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAgent {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return out
}
