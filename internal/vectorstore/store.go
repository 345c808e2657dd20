// Package vectorstore persists chunk embeddings and runs similarity search
// over them. Implementations receive the database handle per call so the
// ingestion pipeline can run deletes and upserts inside one transaction.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/config"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// ChunkPayload is one chunk ready to be written to the vector store.
type ChunkPayload struct {
	ID              uuid.UUID
	KnowledgeBaseID uuid.UUID
	DocumentID      uuid.UUID
	ChunkIndex      int
	TokenCount      int
	Content         string
	Metadata        map[string]interface{}
	Embedding       []float32
}

// SearchResult is one similarity match. Score is 1 - cosine distance.
type SearchResult struct {
	ChunkID         uuid.UUID
	KnowledgeBaseID uuid.UUID
	DocumentID      uuid.UUID
	ChunkIndex      int
	Content         string
	Metadata        map[string]interface{}
	Score           float64
}

// Store defines the interface for chunk embedding storage and search.
// All chunk writes in the system go through a Store.
type Store interface {
	// UpsertChunks inserts or replaces chunks by id.
	UpsertChunks(ctx context.Context, db storage.DB, payloads []ChunkPayload) error

	// DeleteChunks removes chunks by id.
	DeleteChunks(ctx context.Context, db storage.DB, chunkIDs []uuid.UUID) error

	// SimilaritySearch returns the chunks nearest to the query embedding
	// across the given bases, ordered by ascending cosine distance.
	// scoreThreshold, when positive, is the maximum distance to keep.
	SimilaritySearch(ctx context.Context, db storage.DB, baseIDs []uuid.UUID, queryEmbedding []float32, topK int, scoreThreshold float64) ([]SearchResult, error)
}

// New builds a vector store for the configured provider.
func New(cfg *config.Config) (Store, error) {
	provider := cfg.Vector.Provider
	if provider == "" {
		provider = "pgvector"
	}
	if provider != "pgvector" {
		return nil, fmt.Errorf("Unsupported VECTOR_STORE_PROVIDER: %s", provider)
	}
	return NewPgVectorStore(), nil
}

var (
	defaultMu    sync.Mutex
	defaultStore Store
)

// Default returns the process-wide store, building it from cfg on first use.
func Default(cfg *config.Config) (Store, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore == nil {
		store, err := New(cfg)
		if err != nil {
			return nil, err
		}
		defaultStore = store
	}
	return defaultStore, nil
}
