package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultAnthropicURL = "https://api.anthropic.com/v1"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 1024
	maxRetries          = 3
	initialBackoff      = 500 * time.Millisecond
)

// AnthropicEngine calls the Anthropic Messages API.
type AnthropicEngine struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewAnthropicEngine creates an engine for the Messages API. An empty baseURL
// targets api.anthropic.com.
func NewAnthropicEngine(apiKey, baseURL string) *AnthropicEngine {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	return &AnthropicEngine{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		backoff:    initialBackoff,
	}
}

func (e *AnthropicEngine) Name() string { return ProviderAnthropic }

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends the conversation to the Messages API. System messages are moved
// into the top-level system field. The Messages API has no JSON mode, so a
// non-nil schema is appended to the system prompt as an instruction.
func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	system, rest := splitSystem(messages)
	if jsonSchema != nil {
		b, err := json.Marshal(jsonSchema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		system += "\n\nRespond with a single JSON object matching this schema and nothing else:\n" + string(b)
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokens,
		System:    strings.TrimSpace(system),
		Messages:  rest,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var text string
	err = retry.Do(
		func() error {
			var err error
			text, err = e.doChat(ctx, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(maxRetries),
		retry.Delay(e.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrRateLimited) }),
		retry.LastErrorOnly(true),
	)
	switch {
	case errors.Is(err, ErrRateLimited):
		return "", fmt.Errorf("after %d attempts: %w", maxRetries, err)
	case err != nil:
		return "", err
	}
	return text, nil
}

func (e *AnthropicEngine) doChat(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		var errResp anthropicError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Type != "" {
			return "", fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// IsRunning reports whether an API key is configured. The Messages API has
// no unauthenticated health endpoint.
func (e *AnthropicEngine) IsRunning(_ context.Context) bool {
	return e.apiKey != ""
}
