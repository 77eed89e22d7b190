package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/corey-beep/email-agent/internal/config"
)

var errEmptyResponse = errors.New("model returned no choices")

// OpenAICompleter talks to an OpenAI compatible chat endpoint such as Ollama's /v1
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      zerolog.Logger
}

// NewOpenAICompleter creates a completer for the configured endpoint
func NewOpenAICompleter(cfg *config.LLMConfig, logger zerolog.Logger) *OpenAICompleter {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.URL + "/v1"
	// Per call deadlines come from the context
	oc.HTTPClient = &http.Client{}

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger.With().Str("component", "openai").Logger(),
	}
}

// Complete sends one system+user exchange and returns the assistant text
func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	c.logger.Debug().
		Str("model", c.model).
		Int("prompt_chars", len(prompt)).
		Msg("Sending chat completion")

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}

	c.logger.Debug().
		Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("Received chat completion")

	return resp.Choices[0].Message.Content, nil
}

// Models lists the model ids the endpoint serves
func (c *OpenAICompleter) Models(ctx context.Context) ([]string, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models failed: %w", err)
	}
	ids := make([]string, len(list.Models))
	for i, m := range list.Models {
		ids[i] = m.ID
	}
	return ids, nil
}
