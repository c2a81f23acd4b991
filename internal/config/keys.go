package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

// keySpec binds a dotted config key to its Config field. Secret keys are
// never read from or written to the file backend; alt lists conventional
// provider variables consulted after env.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	alt     []string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BIZQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "BIZQ_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "BIZQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "BIZQ_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "engine.provider", typ: kString, env: "BIZQ_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "engine.base_url", typ: kString, env: "BIZQ_ENGINE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.BaseURL },
	},
	{
		key: "engine.api_key", typ: kString, env: "BIZQ_ENGINE_API_KEY",
		secret: true,
		alt:    []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.Engine.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.APIKey },
	},
	{
		key: "engine.classify_model", typ: kString, env: "BIZQ_ENGINE_CLASSIFY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ClassifyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ClassifyModel },
	},
	{
		key: "engine.generate_model", typ: kString, env: "BIZQ_ENGINE_GENERATE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.GenerateModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.GenerateModel },
	},
	{
		key: "engine.respond_model", typ: kString, env: "BIZQ_ENGINE_RESPOND_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.RespondModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.RespondModel },
	},
	{
		key: "engine.rate_limit", typ: kFloat, env: "BIZQ_ENGINE_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Engine.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Engine.RateLimit },
	},
	{
		key: "engine.validate_answers", typ: kBool, env: "BIZQ_ENGINE_VALIDATE_ANSWERS",
		apply:   func(cfg *Config, v any) { cfg.Engine.ValidateAnswers = v.(bool) },
		extract: func(cfg Config) any { return cfg.Engine.ValidateAnswers },
	},
	{
		key: "database.driver", typ: kString, env: "BIZQ_DATABASE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Database.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.Driver },
	},
	{
		key: "database.dsn", typ: kString, env: "BIZQ_DATABASE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Database.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Database.DSN },
	},
	{
		key: "database.pool_size", typ: kInt, env: "BIZQ_DATABASE_POOL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Database.PoolSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.PoolSize },
	},
	{
		key: "database.max_overflow", typ: kInt, env: "BIZQ_DATABASE_MAX_OVERFLOW",
		apply:   func(cfg *Config, v any) { cfg.Database.MaxOverflow = v.(int) },
		extract: func(cfg Config) any { return cfg.Database.MaxOverflow },
	},
	{
		key: "database.recycle", typ: kDuration, env: "BIZQ_DATABASE_RECYCLE",
		apply:   func(cfg *Config, v any) { cfg.Database.Recycle = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Database.Recycle },
	},
	{
		key: "database.pool_wait", typ: kDuration, env: "BIZQ_DATABASE_POOL_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Database.PoolWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Database.PoolWait },
	},
	{
		key: "executor.timeout", typ: kDuration, env: "BIZQ_EXECUTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Executor.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Executor.Timeout },
	},
	{
		key: "executor.max_retries", typ: kInt, env: "BIZQ_EXECUTOR_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Executor.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Executor.MaxRetries },
	},
	{
		key: "executor.retry_delay", typ: kDuration, env: "BIZQ_EXECUTOR_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Executor.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Executor.RetryDelay },
	},
	{
		key: "executor.history_size", typ: kInt, env: "BIZQ_EXECUTOR_HISTORY_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Executor.HistorySize = v.(int) },
		extract: func(cfg Config) any { return cfg.Executor.HistorySize },
	},
	{
		key: "executor.slow_threshold", typ: kDuration, env: "BIZQ_EXECUTOR_SLOW_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Executor.SlowThreshold = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Executor.SlowThreshold },
	},
	{
		key: "intent.confidence_threshold", typ: kFloat, env: "BIZQ_INTENT_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Intent.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Intent.ConfidenceThreshold },
	},
	{
		key: "intent.cache_size", typ: kInt, env: "BIZQ_INTENT_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Intent.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Intent.CacheSize },
	},
	{
		key: "intent.cache_ttl", typ: kDuration, env: "BIZQ_INTENT_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Intent.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Intent.CacheTTL },
	},
	{
		key: "generator.attempts", typ: kInt, env: "BIZQ_GENERATOR_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Generator.Attempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Generator.Attempts },
	},
	{
		key: "generator.catalog", typ: kString, env: "BIZQ_GENERATOR_CATALOG",
		apply:   func(cfg *Config, v any) { cfg.Generator.Catalog = v.(string) },
		extract: func(cfg Config) any { return cfg.Generator.Catalog },
	},
	{
		key: "pipeline.budget", typ: kDuration, env: "BIZQ_PIPELINE_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Budget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Budget },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BIZQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "events.nats_url", typ: kString, env: "BIZQ_EVENTS_NATS_URL",
		apply:   func(cfg *Config, v any) { cfg.Events.NATSURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.NATSURL },
	},
	{
		key: "events.nats_token", typ: kString, env: "BIZQ_EVENTS_NATS_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Events.NATSToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.NATSToken },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw text to the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse config key, using default", "key", s.key, "value", raw, "type", s.typ, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

// env resolves variables from the process environment first, then .env files.
type env struct {
	dotenv map[string]string
}

func (e env) get(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return e.dotenv[name]
}

func applyEnvOverrides(cfg *Config, e env) {
	for _, s := range specs {
		raw := e.get(s.env)
		for _, alt := range s.alt {
			if raw != "" {
				break
			}
			raw = e.get(alt)
		}
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "type", s.typ, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
