package engine

import "fmt"

// Provider names accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config selects and configures a provider.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	RateLimit int // requests per minute, 0 = unlimited
}

// New builds the Engine named by cfg.Provider. An empty provider selects Ollama.
func New(cfg Config) (Engine, error) {
	var e Engine
	switch cfg.Provider {
	case "", ProviderOllama:
		e = NewOllamaEngine(cfg.BaseURL)
	case ProviderOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider requires an API key or a compatible base URL")
		}
		e = NewOpenAIEngine(cfg.APIKey, cfg.BaseURL)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		e = NewAnthropicEngine(cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
	return WithRateLimit(e, cfg.RateLimit), nil
}

// Models returns the ModelManager behind e, looking through rate-limit
// wrappers. ok is false for hosted providers.
func Models(e Engine) (ModelManager, bool) {
	for {
		if mm, ok := e.(ModelManager); ok {
			return mm, true
		}
		l, ok := e.(*Limited)
		if !ok {
			return nil, false
		}
		e = l.Unwrap()
	}
}
