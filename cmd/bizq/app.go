package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/bizq/internal/config"
	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/engine"
	"github.com/kalambet/bizq/internal/events"
	"github.com/kalambet/bizq/internal/executor"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/pipeline"
	"github.com/kalambet/bizq/internal/sqlgen"
	"github.com/kalambet/bizq/internal/storage"
)

// app is the wired set of components shared by serve and ask.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	engine   engine.Engine
	exec     *executor.Executor
	store    *storage.Store
	sessions *conversation.Manager
	events   *events.Publisher
	pipeline *pipeline.Pipeline
}

func newEngine(cfg config.EngineConfig) (engine.Engine, error) {
	return engine.New(engine.Config{
		Provider:  cfg.Provider,
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		RateLimit: int(math.Ceil(cfg.RateLimit)),
	})
}

// engineModels lists the models the configuration will call.
func engineModels(cfg config.EngineConfig) []string {
	return []string{cfg.ClassifyModel, cfg.GenerateModel, cfg.RespondModel}
}

func openExecutor(cfg config.Config, logger *slog.Logger) (*executor.Executor, error) {
	if dir, ok := sqliteDir(cfg.Database); ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return executor.Open(executor.Options{
		Driver:        cfg.Database.Driver,
		DSN:           cfg.Database.DSN,
		PoolSize:      cfg.Database.PoolSize,
		MaxOverflow:   cfg.Database.MaxOverflow,
		Recycle:       cfg.Database.Recycle,
		PoolWait:      cfg.Database.PoolWait,
		Timeout:       cfg.Executor.Timeout,
		MaxRetries:    cfg.Executor.MaxRetries,
		RetryDelay:    cfg.Executor.RetryDelay,
		HistorySize:   cfg.Executor.HistorySize,
		SlowThreshold: cfg.Executor.SlowThreshold,
		Logger:        logger,
	})
}

// sqliteDir returns the directory holding a file-backed SQLite DSN.
func sqliteDir(db config.DatabaseConfig) (string, bool) {
	if db.Driver != "sqlite" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
		return "", false
	}
	return filepath.Dir(db.DSN), true
}

// newApp builds every component and pings the business database. An
// unreachable database fails construction.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.engine, err = newEngine(cfg.Engine); err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	if a.exec, err = openExecutor(cfg, logger); err != nil {
		return nil, fmt.Errorf("opening business database: %w", err)
	}
	if err = a.exec.ValidateConnection(ctx); err != nil {
		return nil, fmt.Errorf("business database: %w", err)
	}

	if a.store, err = storage.Open(cfg.Storage.DataDir); err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.sessions = conversation.NewManager(a.store)

	catalog := sqlgen.DefaultCatalog()
	if cfg.Generator.Catalog != "" {
		if catalog, err = sqlgen.LoadCatalog(cfg.Generator.Catalog); err != nil {
			return nil, fmt.Errorf("loading catalog: %w", err)
		}
	}

	classifier := intent.NewClassifier(a.engine, intent.Options{
		Model:     cfg.Engine.ClassifyModel,
		Threshold: cfg.Intent.ConfidenceThreshold,
		CacheSize: cfg.Intent.CacheSize,
		CacheTTL:  cfg.Intent.CacheTTL,
		Logger:    logger,
	})
	generator := sqlgen.NewGenerator(a.engine, sqlgen.Options{
		Model:    cfg.Engine.GenerateModel,
		Attempts: cfg.Generator.Attempts,
		Catalog:  catalog,
		Logger:   logger,
	})

	opts := pipeline.Options{
		Budget:      cfg.Pipeline.Budget,
		ExecTimeout: cfg.Executor.Timeout,
		Threshold:   classifier.Threshold(),
		Recorder:    a.store,
		Sessions:    a.sessions,
		Logger:      logger,
	}
	if cfg.Engine.RespondModel != "" {
		opts.Responder = pipeline.EngineResponder{Client: a.engine, Model: cfg.Engine.RespondModel}
	}
	if cfg.Engine.ValidateAnswers {
		model := cfg.Engine.RespondModel
		if model == "" {
			model = cfg.Engine.ClassifyModel
		}
		opts.Validator = pipeline.EngineValidator{Client: a.engine, Model: model}
	}
	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.NATSToken, logger)
		if err != nil {
			logger.Warn("turn events disabled", "url", cfg.Events.NATSURL, "error", err)
		} else {
			a.events = pub
			opts.Publisher = pub
		}
	}

	a.pipeline = pipeline.New(classifier, generator, a.exec, opts)
	return a, nil
}

func (a *app) Close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", "error", err)
		}
	}
	if a.exec != nil {
		if err := a.exec.Close(); err != nil {
			a.logger.Warn("closing business database", "error", err)
		}
	}
}
