// Package engine abstracts the external text-generation service used for
// intent classification, SQL generation and answer wording. Providers are
// selected from configuration through New.
package engine

import (
	"context"
	"errors"
)

// Engine is a text-generation backend (a local Ollama server, any
// OpenAI-compatible endpoint, or the Anthropic Messages API).
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested where the
	// provider supports it.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// Name returns the provider name.
	Name() string
}

// ModelManager is implemented by engines that host models locally and can
// download missing ones.
type ModelManager interface {
	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

var (
	// ErrRateLimited is returned when a provider keeps answering 429 after retries.
	ErrRateLimited = errors.New("engine: rate limited")

	// ErrEmptyResponse is returned when a provider answers without any text.
	ErrEmptyResponse = errors.New("engine: empty response")
)
