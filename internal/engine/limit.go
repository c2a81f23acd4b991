package engine

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limited wraps an Engine with a client-side requests-per-minute limit.
type Limited struct {
	Engine
	limiter *rate.Limiter
}

// WithRateLimit returns e throttled to perMinute chat calls per minute, with a
// burst of perMinute. perMinute <= 0 returns e unchanged.
func WithRateLimit(e Engine, perMinute int) Engine {
	if perMinute <= 0 {
		return e
	}
	return &Limited{
		Engine:  e,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// Chat waits for a token and then delegates. A context that expires while
// waiting returns its error without calling the provider.
func (l *Limited) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limit: %w", err)
	}
	return l.Engine.Chat(ctx, model, messages, jsonSchema)
}

// Unwrap returns the underlying engine.
func (l *Limited) Unwrap() Engine { return l.Engine }
