// Package config loads bizq settings from defaults, a JSON file under the XDG
// config home, .env files and BIZQ_* environment variables, in that order.
// Secrets are read from the environment only.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Engine    EngineConfig
	Database  DatabaseConfig
	Executor  ExecutorConfig
	Intent    IntentConfig
	Generator GeneratorConfig
	Pipeline  PipelineConfig
	Storage   StorageConfig
	Events    EventsConfig
}

type ServerConfig struct {
	Port     int `validate:"min=1,max=65535"`
	APIToken string
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json pretty"`
}

type EngineConfig struct {
	Provider        string  `validate:"oneof=ollama openai anthropic"`
	BaseURL         string  `validate:"omitempty,url"`
	APIKey          string
	ClassifyModel   string  `validate:"required"`
	GenerateModel   string  `validate:"required"`
	RespondModel    string
	RateLimit       float64 `validate:"min=0"`
	ValidateAnswers bool
}

type DatabaseConfig struct {
	Driver      string        `validate:"oneof=sqlite postgres pgx mysql doris"`
	DSN         string        `validate:"required"`
	PoolSize    int           `validate:"min=1"`
	MaxOverflow int           `validate:"min=0"`
	Recycle     time.Duration `validate:"gt=0"`
	PoolWait    time.Duration `validate:"gt=0"`
}

type ExecutorConfig struct {
	Timeout       time.Duration `validate:"gt=0"`
	MaxRetries    int           `validate:"min=0,max=10"`
	RetryDelay    time.Duration `validate:"min=0"`
	HistorySize   int           `validate:"min=1"`
	SlowThreshold time.Duration `validate:"gt=0"`
}

type IntentConfig struct {
	ConfidenceThreshold float64       `validate:"gt=0,lte=1"`
	CacheSize           int           `validate:"min=1"`
	CacheTTL            time.Duration `validate:"gt=0"`
}

type GeneratorConfig struct {
	Attempts int `validate:"min=1,max=10"`
	Catalog  string
}

type PipelineConfig struct {
	Budget time.Duration `validate:"gt=0"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type EventsConfig struct {
	NATSURL   string `validate:"omitempty,url"`
	NATSToken string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info", Format: "pretty"},
		Engine: EngineConfig{
			Provider:      "ollama",
			ClassifyModel: "phi3.5",
			GenerateModel: "qwen2.5-coder",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         filepath.Join(dataDir, "business.db"),
			PoolSize:    5,
			MaxOverflow: 10,
			Recycle:     time.Hour,
			PoolWait:    30 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryDelay:    time.Second,
			HistorySize:   100,
			SlowThreshold: 2 * time.Second,
		},
		Intent: IntentConfig{
			ConfidenceThreshold: 0.3,
			CacheSize:           512,
			CacheTTL:            10 * time.Minute,
		},
		Generator: GeneratorConfig{Attempts: 3},
		Pipeline:  PipelineConfig{Budget: 60 * time.Second},
		Storage:   StorageConfig{DataDir: dataDir},
	}
}

// DotEnvPaths are the .env files consulted, first match per variable wins.
func DotEnvPaths() []string {
	return []string{".env", filepath.Join(xdg.ConfigHome, "bizq", ".env")}
}

// Load reads configuration from the JSON file backend, .env files and
// environment variables (BIZQ_*), which override the file. The result is
// validated before it is returned.
func Load() (Config, error) {
	return loadWith(afero.NewOsFs(), FilePath(), DotEnvPaths())
}

func loadWith(fs afero.Fs, path string, envFiles []string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, newFileBackend(fs, path)); err != nil {
		return Config{}, err
	}

	env := newEnv(fs, envFiles)
	applyEnvOverrides(&cfg, env)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError reports the first invalid field.
type ValidationError struct {
	Field   string
	Tag     string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

var validate = validator.New()

// Validate checks field constraints.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return ValidationError{
			Field:   e.Namespace(),
			Tag:     e.Tag(),
			Value:   e.Value(),
			Message: fmt.Sprintf("validation failed on tag '%s' with value '%v'", e.Tag(), e.Value()),
		}
	}
	return err
}
