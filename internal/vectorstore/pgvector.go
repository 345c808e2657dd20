package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

// PgVectorStore stores chunk embeddings in the knowledge_chunks table using
// the pgvector extension. Upserts and deletes use portable SQL and also run
// on sqlite; similarity search requires Postgres.
type PgVectorStore struct{}

// NewPgVectorStore creates a new pgvector-backed store.
func NewPgVectorStore() *PgVectorStore {
	return &PgVectorStore{}
}

// UpsertChunks inserts or replaces chunks by id.
func (s *PgVectorStore) UpsertChunks(ctx context.Context, db storage.DB, payloads []ChunkPayload) error {
	if len(payloads) == 0 {
		return nil
	}

	query := `
		INSERT INTO knowledge_chunks (id, knowledge_base_id, document_id, chunk_index,
			token_count, content, chunk_metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			knowledge_base_id = EXCLUDED.knowledge_base_id,
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			token_count = EXCLUDED.token_count,
			content = EXCLUDED.content,
			chunk_metadata = EXCLUDED.chunk_metadata,
			embedding = EXCLUDED.embedding
	`
	for _, payload := range payloads {
		if payload.ID == uuid.Nil {
			payload.ID = uuid.New()
		}
		metadata, err := metadataJSON(payload.Metadata)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, query,
			payload.ID, payload.KnowledgeBaseID, payload.DocumentID, payload.ChunkIndex,
			payload.TokenCount, payload.Content, metadata, pgvector.NewVector(payload.Embedding), time.Now(),
		); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChunks removes chunks by id.
func (s *PgVectorStore) DeleteChunks(ctx context.Context, db storage.DB, chunkIDs []uuid.UUID) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM knowledge_chunks WHERE id IN (%s)", strings.Join(placeholders, ", "))
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// SimilaritySearch runs a cosine distance query ordered nearest-first.
func (s *PgVectorStore) SimilaritySearch(ctx context.Context, db storage.DB, baseIDs []uuid.UUID, queryEmbedding []float32, topK int, scoreThreshold float64) ([]SearchResult, error) {
	if len(baseIDs) == 0 || topK <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, knowledge_base_id, document_id, chunk_index, content, chunk_metadata,
			embedding <=> $1 AS distance
		FROM knowledge_chunks
		WHERE knowledge_base_id = ANY($2)
		ORDER BY distance ASC
		LIMIT $3
	`
	rows, err := db.QueryContext(ctx, query, pgvector.NewVector(queryEmbedding), pq.Array(baseIDs), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			res      SearchResult
			rawMeta  []byte
			distance float64
		)
		if err := rows.Scan(
			&res.ChunkID, &res.KnowledgeBaseID, &res.DocumentID, &res.ChunkIndex,
			&res.Content, &rawMeta, &distance,
		); err != nil {
			return nil, err
		}
		if scoreThreshold > 0 && distance > scoreThreshold {
			continue
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &res.Metadata); err != nil {
				return nil, err
			}
		}
		res.Score = 1.0 - distance
		results = append(results, res)
	}
	return results, rows.Err()
}

func metadataJSON(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
