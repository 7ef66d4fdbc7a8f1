package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/config"
	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/legal/embedding"
	"github.com/c360studio/eiaudit/legal/stores"
	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/metrics"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/pipeline"
	"github.com/c360studio/eiaudit/ratelimit"
	"github.com/c360studio/eiaudit/runlog"
	"github.com/c360studio/eiaudit/source"
	"github.com/c360studio/eiaudit/source/chunker"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *model.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics

	// Storage
	store legal.Store
	cache *catalog.Cache

	pipeline *pipeline.Pipeline
}

// NewApp builds the pipeline described by cfg. Missing credentials and an
// unreachable legal store are fatal.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, getenv func(string) string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.CheckCredentials(getenv); err != nil {
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: cfg.Registry(),
		limiter:  ratelimit.New(cfg.RateLimit.CallsPerMinute),
		metrics:  metrics.New(),
	}

	client := llm.NewClient(app.registry,
		llm.WithRetryConfig(cfg.Models.Retry),
		llm.WithLimiter(app.limiter),
		llm.WithLogger(logger),
		llm.WithEnv(getenv))

	embedder, err := embedding.New(cfg.Legal.Embedding, getenv, embedding.WithLimiter(app.limiter))
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	splitter, err := chunker.New(cfg.Legal.Chunker)
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	store, err := stores.Open(ctx, cfg.Legal.Store)
	if err != nil {
		return nil, fmt.Errorf("open legal store: %w", err)
	}
	app.store = store

	kbOpts := []legal.Option{
		legal.WithSplitter(splitter),
		legal.WithLogger(logger),
		legal.WithBatching(cfg.Legal.Ingest.BatchSize, cfg.Legal.Ingest.BatchDelay, cfg.Legal.Ingest.RetryDelay),
	}
	if cfg.Legal.Search == config.SearchMMR {
		kbOpts = append(kbOpts, legal.WithMMR(cfg.Legal.FetchK, cfg.Legal.MMRLambda))
	}
	kb := legal.NewKnowledgeBase(store, embedder, kbOpts...)

	extractor := source.NewExtractor(source.WithLogger(logger))
	app.cache = catalog.NewCache(cfg.Paths.IndexFile, logger)

	p, err := pipeline.New(pipeline.Deps{
		Cataloger: audit.NewCataloger(client, extractor, logger),
		Router:    audit.NewRouter(client, logger),
		Auditor:   audit.NewAuditor(client, cfg.Audit.Language, logger),
		Legal:     kb,
		Extractor: extractor,
		Cache:     app.cache,
		Prices:    cfg.Pricing,

		LegalExtractor: source.NewExtractor(source.WithLogger(logger), source.WithMaxChars(-1)),
		Models: map[model.Role]string{
			model.RoleCataloger: app.registry.ModelFor(model.RoleCataloger),
			model.RoleRouter:    app.registry.ModelFor(model.RoleRouter),
			model.RoleAuditor:   app.registry.ModelFor(model.RoleAuditor),
		},
	},
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(app.metrics),
		pipeline.WithTopK(cfg.Legal.TopK))
	if err != nil {
		store.Close()
		return nil, err
	}
	app.pipeline = p
	return app, nil
}

// Snapshot records the run configuration stored in the metadata.
func (a *App) Snapshot() runlog.Configuration {
	return runlog.Configuration{
		ModelCataloger: a.registry.ModelFor(model.RoleCataloger),
		ModelRouter:    a.registry.ModelFor(model.RoleRouter),
		ModelAuditor:   a.registry.ModelFor(model.RoleAuditor),
		RateLimit:      a.cfg.RateLimit.CallsPerMinute,
		SamplingLimit:  a.cfg.Audit.SamplingLimit,
		Language:       a.cfg.Audit.Language,
	}
}

// ServeMetrics exposes /metrics in the background when an address is
// configured. The server stops with ctx.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger); err != nil {
			a.logger.Warn("Metrics server stopped", "error", err)
		}
	}()
}

// Close releases the legal store.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
