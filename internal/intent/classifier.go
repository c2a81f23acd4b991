// Package intent classifies business questions into categories and resolves
// follow-up questions against the conversation context.
package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/bizq/internal/engine"
)

const (
	// DefaultTimeout bounds one classification call to the model.
	DefaultTimeout = 5 * time.Second

	DefaultCacheSize = 512
	DefaultCacheTTL  = 10 * time.Minute
)

// errMalformed marks model output that holds no usable JSON object.
var errMalformed = errors.New("malformed model output")

// Chatter is the subset of engine.Engine the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Options configures a Classifier. Zero values select defaults.
type Options struct {
	Model     string
	Timeout   time.Duration
	Threshold float64
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// Classifier maps raw input to a category and parameters using the model,
// with a keyword fallback and a bounded result cache.
type Classifier struct {
	client    Chatter
	model     string
	timeout   time.Duration
	threshold float64
	logger    *slog.Logger

	cache *expirable.LRU[string, Result]
	group singleflight.Group
}

// NewClassifier creates a Classifier.
func NewClassifier(client Chatter, opts Options) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Classifier{
		client:    client,
		model:     opts.Model,
		timeout:   opts.Timeout,
		threshold: opts.Threshold,
		logger:    opts.Logger,
		cache:     expirable.NewLRU[string, Result](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// Threshold returns the configured confidence threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

func cacheKey(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// Classify returns the classification of input. With useCache, a cached
// result for the normalized input is returned as a copy with Method=cached
// and the model is not called. Without it the model is always called and the
// cache refreshed. Provider and parse failures degrade to keyword fallback;
// fallback results are never cached.
func (c *Classifier) Classify(ctx context.Context, input, timeHint string, useCache bool) Result {
	key := cacheKey(input)
	if key == "" {
		return Result{
			Input:              input,
			Category:           CategoryAmbiguous,
			Parameters:         map[string]any{},
			NeedsClarification: true,
			MissingParameters:  []string{ParamUnclear},
			Method:             MethodFallback,
		}
	}

	if !useCache {
		r, ok := c.classifyModel(ctx, input, timeHint)
		if ok {
			c.cache.Add(key, r)
		}
		return r.Clone()
	}

	if r, ok := c.cache.Get(key); ok {
		r = r.Clone()
		r.Input = input
		r.Method = MethodCached
		return r
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		r, ok := c.classifyModel(ctx, input, timeHint)
		if ok {
			c.cache.Add(key, r)
		}
		return r, nil
	})
	r := v.(Result).Clone()
	r.Input = input
	return r
}

// classifyModel calls the model. ok is false when the result came from a
// fallback path and must not be cached.
func (c *Classifier) classifyModel(ctx context.Context, input, timeHint string) (Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(input, timeHint), resultSchema())
	if err != nil {
		c.logger.Warn("classification unavailable, using keyword fallback", "error", err)
		return Fallback(input), false
	}

	r, err := ParseResponse(input, raw)
	if err != nil {
		c.logger.Warn("failed to parse classification from model response", "error", err, "response", raw)
		return heuristic(input, raw), false
	}
	return ValidateParameters(r, c.threshold), true
}

// ParseResponse reads a model response. The JSON object is located by its
// outermost braces so code fences and prose around it are ignored. Missing
// confidence defaults to 0.5, missing parameters to an empty map, and an
// unknown or missing category to general.
func ParseResponse(input, raw string) (Result, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return Result{}, errMalformed
	}
	obj := raw[start : end+1]
	if !gjson.Valid(obj) {
		return Result{}, errMalformed
	}

	doc := gjson.Parse(obj)
	r := Result{
		Input:      input,
		Category:   strings.ToLower(strings.TrimSpace(doc.Get("category").String())),
		Confidence: 0.5,
		Parameters: map[string]any{},
		Method:     MethodModel,
	}
	if !IsCategory(r.Category) {
		r.Category = CategoryGeneral
	}

	if conf := doc.Get("confidence"); conf.Exists() {
		r.Confidence = min(max(conf.Float(), 0), 1)
	}

	if params := doc.Get("parameters"); params.IsObject() {
		if m, ok := params.Value().(map[string]any); ok {
			r.Parameters = m
		}
	}
	for k, v := range r.Parameters {
		if isEmptyParam(v) {
			delete(r.Parameters, k)
		}
	}
	if tp, ok := r.Parameters[ParamTimePeriod]; ok {
		r.Parameters[ParamTimePeriod] = normalizeTimePeriod(tp)
	}
	for k, v := range ExtractParameters(input) {
		if _, ok := r.Parameters[k]; !ok {
			r.Parameters[k] = v
		}
	}
	return r, nil
}
