package vectorstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	dir := filepath.Join("..", "..", "db", "migrations")
	require.NoError(t, storage.Migrate(context.Background(), db, dir, "sqlite3"))
	return db
}

func TestPgVectorStore_UpsertInsertsAndReplaces(t *testing.T) {
	db := openTestDB(t)
	store := NewPgVectorStore()
	ctx := context.Background()

	baseID := uuid.New()
	docID := uuid.New()
	chunkID := uuid.New()
	payloads := []ChunkPayload{
		{
			ID:              chunkID,
			KnowledgeBaseID: baseID,
			DocumentID:      docID,
			ChunkIndex:      0,
			TokenCount:      3,
			Content:         "first version",
			Metadata:        map[string]interface{}{"source_type": "text", "chunk_index": 0},
			Embedding:       []float32{0.1, 0.2, 0.3},
		},
		{
			ID:              uuid.New(),
			KnowledgeBaseID: baseID,
			DocumentID:      docID,
			ChunkIndex:      1,
			TokenCount:      2,
			Content:         "second chunk",
			Embedding:       []float32{0.4, 0.5, 0.6},
		},
	}
	require.NoError(t, store.UpsertChunks(ctx, db, payloads))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_chunks").Scan(&count))
	assert.Equal(t, 2, count)

	// Same id again takes the conflict path and replaces columns.
	payloads[0].Content = "rewritten"
	payloads[0].TokenCount = 1
	require.NoError(t, store.UpsertChunks(ctx, db, payloads[:1]))

	var (
		content   string
		tokens    int
		rawMeta   string
		embedding pgvector.Vector
	)
	row := db.QueryRowContext(ctx,
		"SELECT content, token_count, chunk_metadata, embedding FROM knowledge_chunks WHERE id = $1", chunkID)
	require.NoError(t, row.Scan(&content, &tokens, &rawMeta, &embedding))
	assert.Equal(t, "rewritten", content)
	assert.Equal(t, 1, tokens)
	assert.JSONEq(t, `{"source_type":"text","chunk_index":0}`, rawMeta)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, embedding.Slice())

	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_chunks").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPgVectorStore_UpsertDefaultsMetadataAndID(t *testing.T) {
	db := openTestDB(t)
	store := NewPgVectorStore()
	ctx := context.Background()

	payload := ChunkPayload{
		KnowledgeBaseID: uuid.New(),
		DocumentID:      uuid.New(),
		Content:         "no metadata",
		Embedding:       []float32{1},
	}
	require.NoError(t, store.UpsertChunks(ctx, db, []ChunkPayload{payload}))

	var rawMeta string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT chunk_metadata FROM knowledge_chunks").Scan(&rawMeta))
	assert.JSONEq(t, "{}", rawMeta)
}

func TestPgVectorStore_DeleteChunks(t *testing.T) {
	db := openTestDB(t)
	store := NewPgVectorStore()
	ctx := context.Background()

	baseID := uuid.New()
	docID := uuid.New()
	keep := uuid.New()
	drop1 := uuid.New()
	drop2 := uuid.New()
	var payloads []ChunkPayload
	for i, id := range []uuid.UUID{keep, drop1, drop2} {
		payloads = append(payloads, ChunkPayload{
			ID: id, KnowledgeBaseID: baseID, DocumentID: docID,
			ChunkIndex: i, Content: "chunk", Embedding: []float32{float32(i)},
		})
	}
	require.NoError(t, store.UpsertChunks(ctx, db, payloads))

	require.NoError(t, store.DeleteChunks(ctx, db, []uuid.UUID{drop1, drop2}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_chunks").Scan(&count))
	assert.Equal(t, 1, count)

	var remaining uuid.UUID
	require.NoError(t, db.QueryRowContext(ctx, "SELECT id FROM knowledge_chunks").Scan(&remaining))
	assert.Equal(t, keep, remaining)

	// Empty id set is a no-op.
	require.NoError(t, store.DeleteChunks(ctx, db, nil))
}

func TestPgVectorStore_SearchShortCircuits(t *testing.T) {
	store := NewPgVectorStore()
	ctx := context.Background()

	results, err := store.SimilaritySearch(ctx, nil, nil, []float32{1}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.SimilaritySearch(ctx, nil, []uuid.UUID{uuid.New()}, []float32{1}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}
