// Package main provides the API router setup.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/archon-ai/knowledge-core/cmd/knowledge-api/handlers"
	"github.com/archon-ai/knowledge-core/cmd/knowledge-api/middleware"
	"github.com/archon-ai/knowledge-core/internal/api/rpc"
	"github.com/archon-ai/knowledge-core/internal/config"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/monitoring"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// readyCheckTimeout bounds the database ping behind /ready.
const readyCheckTimeout = 2 * time.Second

// Dependencies carries the shared services the router's handlers use.
type Dependencies struct {
	DB        *sql.DB
	Repos     *storage.Repositories
	Files     *filestore.Store
	Queue     queue.Queue
	Pipeline  *ingest.Pipeline
	Store     vectorstore.Store
	Retriever *retrieval.Retriever
	Cache     *retrieval.ResponseCache
	Audit     *monitoring.AuditWriter
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"knowledge-core"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := deps.DB.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Initialize handlers
	baseHandler := handlers.NewBaseHandler(logger, deps.Repos)
	documentHandler := handlers.NewDocumentHandler(logger, handlers.DocumentHandlerDeps{
		DB:               deps.DB,
		Repos:            deps.Repos,
		Files:            deps.Files,
		Queue:            deps.Queue,
		Pipeline:         deps.Pipeline,
		Store:            deps.Store,
		Cache:            deps.Cache,
		MaxUploadSizeMB:  cfg.Ingestion.MaxUploadSizeMB,
		AllowedMimeTypes: cfg.AllowedMimeSet(),
	})
	retrievalHandler := handlers.NewRetrievalHandler(
		logger,
		deps.DB,
		deps.Retriever,
		deps.Cache,
		deps.Audit,
		cfg.Retrieval.TopK,
		cfg.Retrieval.ScoreThreshold,
	)

	authCfg := middleware.AuthConfig{Enabled: cfg.Auth.Enabled}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ClientID(authCfg))

		r.Route("/knowledge-bases", func(r chi.Router) {
			r.Post("/", baseHandler.Create)
			r.Get("/", baseHandler.List)

			// Document routes sit under the static /documents segment so
			// chi never reads "documents" as a base id.
			r.Route("/documents/{documentId}", func(r chi.Router) {
				r.Get("/", documentHandler.Get)
				r.Delete("/", documentHandler.Delete)
				r.Post("/reprocess", documentHandler.Reprocess)
			})

			r.Route("/{baseId}", func(r chi.Router) {
				r.Get("/", baseHandler.Get)
				r.Patch("/", baseHandler.Update)
				r.Delete("/", baseHandler.Archive)
				r.Get("/stats", baseHandler.Stats)

				r.Route("/documents", func(r chi.Router) {
					r.Get("/", documentHandler.List)
					r.Post("/upload", documentHandler.Upload)
					r.Post("/text", documentHandler.AddText)
					r.Post("/url", documentHandler.AddURL)
				})
			})
		})

		r.Route("/retrieval", func(r chi.Router) {
			r.Post("/query", retrievalHandler.Query)
		})
	})

	// Connect procedures for service-to-service callers
	svc := rpc.NewKnowledgeService(
		logger,
		deps.DB,
		deps.Repos,
		deps.Retriever,
		deps.Cache,
		deps.Audit,
		cfg.Retrieval.TopK,
		cfg.Retrieval.ScoreThreshold,
	)
	for path, handler := range svc.Handlers() {
		r.Handle(path, handler)
	}

	return r
}
