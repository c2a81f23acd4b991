package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIEngine calls any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, vLLM, llama.cpp server).
type OpenAIEngine struct {
	client openai.Client
}

// NewOpenAIEngine creates an engine for an OpenAI-compatible endpoint. An
// empty baseURL targets api.openai.com.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(maxRetries - 1),
		option.WithRequestTimeout(120 * time.Second),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{client: openai.NewClient(opts...)}
}

func (e *OpenAIEngine) Name() string { return ProviderOpenAI }

// Chat sends a chat completion request. A non-nil schema is described in an
// extra system message; JSON mode is not requested because many compatible
// servers reject it.
func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(0),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if jsonSchema != nil {
		b, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		params.Messages = append(params.Messages,
			openai.SystemMessage("Respond with a single JSON object matching this schema and nothing else:\n"+string(b)))
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("chat completion: %w", ErrRateLimited)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// IsRunning lists models as a reachability and credentials probe.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Models.List(ctx, option.WithMaxRetries(0))
	return err == nil
}
