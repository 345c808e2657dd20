// Package main provides the standalone ingestion worker. It consumes the
// shared Redis queue, so API instances can stay thin while documents are
// processed out of band.
package main

import (
	"context"
	"fmt"
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

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "knowledge-worker",
	})

	// The standalone worker only makes sense against the shared queue;
	// without Redis the API runs its own embedded workers instead.
	if !cfg.Redis.Enabled {
		logger.Error().Msg("Standalone worker requires REDIS_ENABLED=true")
		os.Exit(1)
	}

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("vector", cfg.Vector.Provider).
		Str("queue", cfg.Worker.QueueName).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting knowledge worker")

	db, err := storage.Open(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	repos := storage.NewRepositories(db)
	files := filestore.New(cfg.Ingestion.StoragePath)

	store, err := vectorstore.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create vector store")
		os.Exit(1)
	}

	q, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Worker.QueueName,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect Redis queue")
		os.Exit(1)
	}

	cacheClient, err := cache.NewRedisClient(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect Redis cache")
		os.Exit(1)
	}

	// Completed documents invalidate cached retrieval contexts for their
	// base so queries see fresh content.
	var responseCache *retrieval.ResponseCache
	if cfg.Retrieval.CacheEnabled {
		responseCache = retrieval.NewResponseCache(cacheClient, logger, retrieval.ResponseCacheConfig{
			TTL:     cfg.Retrieval.CacheTTL,
			Enabled: true,
		})
	}

	embedder := embedding.NewHTTPClient(logger, embedding.Config{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})

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

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool := worker.NewPool(logger, q, pipeline, responseCache, cfg.Worker.Concurrency)
	pool.Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Stop dequeuing and let in-flight documents finish.
	stop()
	pool.Wait()

	audit.Stop()
	if err := q.Close(); err != nil {
		logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := cacheClient.Close(); err != nil {
		logger.Warn().Err(err).Msg("Cache close failed")
	}

	logger.Info().Msg("Worker stopped")
}
