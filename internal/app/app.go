// Package app wires configuration into the running alignment stack.
// It serves as dependency injection for the server and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/skillalign/internal/align"
	"github.com/raphaelgruber/skillalign/internal/config"
	"github.com/raphaelgruber/skillalign/internal/db"
	"github.com/raphaelgruber/skillalign/internal/embedding"
	"github.com/raphaelgruber/skillalign/internal/jobs"
	"github.com/raphaelgruber/skillalign/internal/memstore"
	"github.com/raphaelgruber/skillalign/internal/metrics"
	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/raphaelgruber/skillalign/internal/registry"
	"github.com/raphaelgruber/skillalign/internal/vectorindex"
	"github.com/raphaelgruber/skillalign/internal/worker"
)

// Store is every repository method the stack needs.
// Both *db.Client and *memstore.Store satisfy it.
type Store interface {
	align.EntityStore
	align.AlignmentWriter
	registry.Store
	jobs.Store
	worker.Claimer
	CountBySourceName(ctx context.Context, objectType models.ObjectType, source models.Source) (int, error)
	UpsertEntity(ctx context.Context, e models.Entity) (*models.Entity, error)
	DeleteEntity(ctx context.Context, id string) (bool, error)
}

var (
	_ Store = (*db.Client)(nil)
	_ Store = (*memstore.Store)(nil)
)

// Models is the bi-encoder and cross-encoder pair.
type Models interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Rerank(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// App holds every long-lived component.
type App struct {
	Config     config.Config
	Metrics    *metrics.Collector
	Store      Store
	Registry   *registry.Registry
	Models     Models
	Index      *vectorindex.Gateway
	Engine     *align.Engine
	Persister  *align.Persister
	Indexer    *align.Indexer
	Jobs       *jobs.Orchestrator
	Runner     *worker.Runner
	Dispatcher *worker.LocalDispatcher // nil in queue mode

	logger  *slog.Logger
	closers []func(ctx context.Context) error
}

// New connects to the configured store, model providers and index service.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc := metrics.NewCollector()

	var (
		store   Store
		closers []func(ctx context.Context) error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
	}

	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store; data is lost on exit")
		store = memstore.New()
	default:
		dbClient, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, err
		}
		dbClient.SetMetrics(mc)
		closers = append(closers, dbClient.Close)
		if err := dbClient.InitSchema(ctx); err != nil {
			closeAll()
			return nil, err
		}
		store = dbClient
	}

	embedder, err := embedding.New(ctx, embedding.Config{
		Provider:     embedding.ProviderType(cfg.EmbedProvider),
		Model:        cfg.EmbedModel,
		Dimension:    cfg.EmbedDimension,
		OllamaHost:   cfg.OllamaHost,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		GeminiAPIKey: cfg.GeminiAPIKey,
	})
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	reranker, err := embedding.NewReranker(ctx, embedding.RerankProviderType(cfg.RerankProvider), cfg.AWSRegion, cfg.RerankModel, embedder)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create reranker: %w", err)
	}
	modelClient := embedding.NewClient(embedder, reranker,
		embedding.WithTimeout(cfg.RemoteTimeout),
		embedding.WithMaxTokens(cfg.EmbedMaxTokens),
		embedding.WithMetrics(mc),
		embedding.WithLogger(logger),
	)

	var backend vectorindex.Backend
	switch cfg.IndexBackend {
	case "memory":
		backend = vectorindex.NewMemoryBackend()
	default:
		qb, err := vectorindex.NewQdrantBackend(vectorindex.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func(context.Context) error { return qb.Close() })
		backend = qb
	}

	a := Assemble(cfg, store, modelClient, backend, mc, logger)
	a.closers = append(closers, a.closers...)

	if err := a.Registry.Reload(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("load data sources: %w", err)
	}
	if cfg.DataSourcesFile != "" {
		if err := a.Registry.SeedFromFile(ctx, cfg.DataSourcesFile); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	if err := a.RecoverJobs(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	logger.Info("alignment stack ready",
		"store", cfg.Store,
		"index_backend", cfg.IndexBackend,
		"models", modelClient.String(),
		"dispatch", cfg.DispatchMode,
		"data_sources", len(a.Registry.List()))
	return a, nil
}

// Assemble builds the component graph over already-connected backends.
// It does not touch the network; call Registry.Reload before serving.
func Assemble(cfg config.Config, store Store, modelClient Models, backend vectorindex.Backend, mc *metrics.Collector, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if mc == nil {
		mc = metrics.NewCollector()
	}

	reg := registry.New(store, logger)

	gateway := vectorindex.NewGateway(backend,
		vectorindex.WithTimeout(cfg.RemoteTimeout),
		vectorindex.WithMetrics(mc),
		vectorindex.WithReadyHook(func(ctx context.Context, params vectorindex.IndexParams, handle vectorindex.IndexHandle) error {
			return reg.SetIndexID(ctx, params.ObjectType, params.Source, handle.ID)
		}),
	)

	engine := align.NewEngine(store, modelClient, gateway, reg,
		align.WithCoarseTopK(cfg.BiEncoderTopK),
		align.WithConcurrency(cfg.AlignConcurrency),
		align.WithMetrics(mc),
		align.WithLogger(logger),
	)
	persister := align.NewPersister(store, logger)
	indexer := align.NewIndexer(store, modelClient, gateway, align.DefaultPageSize, logger)

	orchestrator := jobs.NewOrchestrator(store, jobs.QueueDispatcher{}, logger)
	runner := worker.NewRunner(orchestrator, engine, persister, store, align.DefaultPageSize, logger)
	runner.SetReloader(reg)
	runner.SetLease(cfg.WorkerClaimLease)

	a := &App{
		Config:    cfg,
		Metrics:   mc,
		Store:     store,
		Registry:  reg,
		Models:    modelClient,
		Index:     gateway,
		Engine:    engine,
		Persister: persister,
		Indexer:   indexer,
		Jobs:      orchestrator,
		Runner:    runner,
		logger:    logger,
	}

	if cfg.DispatchMode != "queue" {
		a.Dispatcher = worker.NewLocalDispatcher(runner, store, cfg.WorkerID, cfg.WorkerClaimLease, logger)
		orchestrator.SetDispatcher(a.Dispatcher)
	}
	return a
}

// NewPoller creates a store-polling worker over this stack.
func (a *App) NewPoller() *worker.Poller {
	return worker.NewPoller(a.Store, a.Runner, a.Config.WorkerID, a.Config.WorkerPollInterval, a.Config.WorkerClaimLease, a.logger)
}

// RecoverJobs fails active jobs this process was running when it last
// stopped, and jobs whose owner let its claim lapse. Queue mode skips it:
// workers take stale jobs over instead.
func (a *App) RecoverJobs(ctx context.Context) error {
	if a.Dispatcher == nil {
		return nil
	}
	if _, err := a.Jobs.RecoverInterrupted(ctx, a.Config.WorkerID, a.Config.WorkerClaimLease); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return nil
}

// WipeData deletes every stored record. Testing only.
func (a *App) WipeData(ctx context.Context) error {
	w, ok := a.Store.(interface{ WipeData(context.Context) error })
	if !ok {
		return nil
	}
	if err := w.WipeData(ctx); err != nil {
		return err
	}
	return a.Registry.Reload(ctx)
}

// Shutdown cancels running local jobs and waits for in-flight index operations.
func (a *App) Shutdown() {
	if a.Dispatcher != nil {
		a.Dispatcher.Shutdown()
	}
	a.Index.WaitOperations()
}

// Close releases connections in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
