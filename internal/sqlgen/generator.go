// Package sqlgen turns a classified question into SQL through the text
// generation engine and repairs the result against the conversation context.
package sqlgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/engine"
	"github.com/kalambet/bizq/internal/intent"
)

// Defaults for Options.
const (
	DefaultAttempts       = 3
	DefaultInitialBackoff = 250 * time.Millisecond
)

// ErrGenerationFailed wraps the last error after all attempts are used.
var ErrGenerationFailed = errors.New("query generation failed")

// Chatter is the subset of engine.Engine the generator needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Request is one generation request.
type Request struct {
	Input         string
	Intent        intent.Result
	BusinessRules string
	Context       conversation.Snapshot
}

// Query is the outcome of Generate. Err is set when Success is false.
type Query struct {
	Text           string        `json:"text"`
	Success        bool          `json:"success"`
	GenerationTime time.Duration `json:"generation_time"`
	Attempts       int           `json:"attempts"`
	Err            error         `json:"-"`
}

// Options configures a Generator. Zero values select defaults.
type Options struct {
	Model          string
	Attempts       int
	InitialBackoff time.Duration
	MaxExamples    int
	Catalog        *Catalog
	Logger         *slog.Logger
}

// Generator builds SQL for classified questions.
type Generator struct {
	client      Chatter
	model       string
	attempts    int
	backoff     time.Duration
	maxExamples int
	catalog     *Catalog
	logger      *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(client Chatter, opts Options) *Generator {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = DefaultMaxExamples
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		client:      client,
		model:       opts.Model,
		attempts:    opts.Attempts,
		backoff:     opts.InitialBackoff,
		maxExamples: opts.MaxExamples,
		catalog:     opts.Catalog,
		logger:      opts.Logger,
	}
}

// Generate asks the model for SQL, retrying failed calls and responses
// without SQL with exponential backoff, and repairs the result against the
// conversation context. It stops early when ctx is done.
func (g *Generator) Generate(ctx context.Context, req Request) Query {
	start := time.Now()
	messages := BuildPrompt(g.catalog, req, g.maxExamples)

	var (
		text     string
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			raw, err := g.client.Chat(ctx, g.model, messages, nil)
			if err != nil {
				return err
			}
			sql, err := ExtractSQL(raw)
			if err != nil {
				g.logger.Debug("model response holds no SQL", "response", raw)
				return err
			}
			text = sql
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.attempts)),
		retry.Delay(g.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("query generation attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return Query{
			Success:        false,
			GenerationTime: time.Since(start),
			Attempts:       attempts,
			Err:            fmt.Errorf("%w after %d attempts: %w", ErrGenerationFailed, attempts, err),
		}
	}

	repaired := Repair(text, req.Intent, req.Input, req.Context)
	if repaired != text {
		g.logger.Debug("repaired generated query", "generated", text, "repaired", repaired)
	}

	return Query{
		Text:           repaired,
		Success:        true,
		GenerationTime: time.Since(start),
		Attempts:       attempts,
	}
}
