// Package main provides the knowledge API server entrypoint.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/archon-ai/knowledge-core/internal/cache"
	"github.com/archon-ai/knowledge-core/internal/config"
	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/monitoring"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
	"github.com/archon-ai/knowledge-core/internal/worker"
)

func main() {
	// Local development reads environment from .env when present
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "knowledge-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("vector", cfg.Vector.Provider).
		Bool("redis", cfg.Redis.Enabled).
		Msg("Starting knowledge API")

	db, err := storage.Open(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	deps, cleanup, err := buildDependencies(logger, cfg, db)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize services")
		os.Exit(1)
	}
	defer cleanup()

	// Without Redis the ingestion workers run in-process so queued
	// documents still get processed in single-binary deployments.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var pool *worker.Pool
	if !cfg.Redis.Enabled {
		pool = worker.NewPool(logger, deps.Queue, deps.Pipeline, deps.Cache, cfg.Worker.Concurrency)
		pool.Start(workerCtx)
		logger.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("Running embedded ingestion workers")
	}

	router := NewRouter(logger, cfg, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	// Drain embedded workers before releasing shared services
	stopWorkers()
	if pool != nil {
		pool.Wait()
	}

	logger.Info().Msg("Server stopped")
}

// buildDependencies wires the shared services. The returned cleanup stops
// the audit writer and closes the queue and cache clients.
func buildDependencies(logger *observability.Logger, cfg *config.Config, db *sql.DB) (*Dependencies, func(), error) {
	repos := storage.NewRepositories(db)
	files := filestore.New(cfg.Ingestion.StoragePath)

	store, err := vectorstore.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create vector store: %w", err)
	}

	embedder := embedding.NewHTTPClient(logger, embedding.Config{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})

	var q queue.Queue
	var cacheClient cache.Client
	if cfg.Redis.Enabled {
		redisQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Worker.QueueName,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis queue: %w", err)
		}
		q = redisQueue

		redisCache, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis cache: %w", err)
		}
		cacheClient = redisCache
	} else {
		q = queue.NewMemoryQueue(0)
		cacheClient = cache.NewMemoryClient(0)
	}

	var responseCache *retrieval.ResponseCache
	if cfg.Retrieval.CacheEnabled {
		responseCache = retrieval.NewResponseCache(cacheClient, logger, retrieval.ResponseCacheConfig{
			TTL:     cfg.Retrieval.CacheTTL,
			Enabled: true,
		})
	}

	audit := monitoring.NewAuditWriter(logger, repos.Audit, monitoring.DefaultAuditConfig())

	pipeline := ingest.NewPipeline(
		logger,
		db,
		ingest.PipelineConfig{
			ChunkSize:    cfg.Ingestion.MaxChunkTokens,
			ChunkOverlap: cfg.Ingestion.ChunkOverlap,
		},
		extract.NewExtractor(logger, files),
		embedder,
		store,
		q,
		audit,
	)

	deps := &Dependencies{
		DB:        db,
		Repos:     repos,
		Files:     files,
		Queue:     q,
		Pipeline:  pipeline,
		Store:     store,
		Retriever: retrieval.NewRetriever(logger, embedder, store),
		Cache:     responseCache,
		Audit:     audit,
	}

	cleanup := func() {
		audit.Stop()
		if err := q.Close(); err != nil {
			logger.Warn().Err(err).Msg("Queue close failed")
		}
		if err := cacheClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("Cache close failed")
		}
	}
	return deps, cleanup, nil
}
