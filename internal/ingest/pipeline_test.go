package ingest

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
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

func newTestPipeline(t *testing.T, db *sql.DB, embedder embedding.Client, q queue.Queue) *Pipeline {
	t.Helper()

	files := filestore.New(filepath.Join(t.TempDir(), "knowledge"))
	if embedder == nil {
		embedder = embedding.NewMockClient(8)
	}
	return NewPipeline(
		observability.Nop(),
		db,
		PipelineConfig{ChunkSize: storage.DefaultChunkSize, ChunkOverlap: storage.DefaultChunkOverlap},
		extract.NewExtractor(observability.Nop(), files),
		embedder,
		vectorstore.NewPgVectorStore(),
		q,
		nil,
	)
}

func seedBase(t *testing.T, repos *storage.Repositories, chunkSize, chunkOverlap int) *storage.KnowledgeBase {
	t.Helper()

	kb := &storage.KnowledgeBase{
		ClientID:     uuid.New(),
		Name:         "Product Docs",
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
	}
	require.NoError(t, repos.Bases.Create(context.Background(), kb))
	return kb
}

func seedTextDocument(t *testing.T, repos *storage.Repositories, kb *storage.KnowledgeBase, text string) *storage.KnowledgeDocument {
	t.Helper()

	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeText,
	}
	doc.SetMetadataValue("raw_text", text)
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func seedJob(t *testing.T, repos *storage.Repositories, documentID uuid.UUID) *storage.KnowledgeJob {
	t.Helper()

	job, err := repos.Jobs.Create(context.Background(), documentID, storage.JobTypeIngest, nil)
	require.NoError(t, err)
	return job
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "token" + string(rune('a'+i%26))
	}
	return strings.Join(parts, " ")
}

// failingEmbedder simulates a provider outage.
type failingEmbedder struct{}

func (failingEmbedder) GenerateEmbeddings(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service error: status 502")
}

// truncatingEmbedder drops the last vector to force a count mismatch.
type truncatingEmbedder struct{ inner embedding.Client }

func (e truncatingEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.inner.GenerateEmbeddings(ctx, texts)
	if err != nil || len(vectors) == 0 {
		return vectors, err
	}
	return vectors[:len(vectors)-1], nil
}

func TestPipeline_ProcessDocument_TextDocument(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 64, 16)
	doc := seedTextDocument(t, repos, kb, words(100))
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, nil, nil)
	result, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, result)

	// Base parameters split 100 words into two windows of 64 with 16 shared.
	assert.Equal(t, 2, result.ChunksCreated)

	got, err := repos.Documents.GetByID(ctx, doc.ID, kb.ClientID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusReady, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.ProcessingStartedAt)
	assert.NotNil(t, got.ProcessingFinishedAt)

	stamp := got.MetadataString("last_processed_at")
	require.NotEmpty(t, stamp)
	_, err = time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)

	gotJob, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, gotJob.Status)
	assert.Equal(t, 1, gotJob.Attempts)
	assert.NotNil(t, gotJob.StartedAt)
	assert.NotNil(t, gotJob.FinishedAt)

	entries := gotJob.LogEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Started ingestion", entries[0].Message)
	assert.Equal(t, "Ingestion completed", entries[1].Message)

	chunks, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 64, chunks[0].TokenCount)
	assert.Equal(t, 52, chunks[1].TokenCount)
	assert.Contains(t, string(chunks[0].ChunkMetadata), doc.ID.String())
	assert.Contains(t, string(chunks[0].ChunkMetadata), kb.ID.String())
	assert.Contains(t, string(chunks[0].ChunkMetadata), `"source_type":"text"`)
	assert.NotEmpty(t, chunks[0].Embedding.Slice())
}

func TestPipeline_ProcessDocument_ReingestReplacesChunks(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 64, 0)
	doc := seedTextDocument(t, repos, kb, words(100))
	pipeline := newTestPipeline(t, db, nil, nil)

	_, err := pipeline.ProcessDocument(ctx, doc.ID, seedJob(t, repos, doc.ID).ID)
	require.NoError(t, err)

	firstIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, firstIDs, 2)

	// Shorter content on the second run must fully replace the old rows.
	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	got.SetMetadataValue("raw_text", "short replacement body")
	require.NoError(t, repos.Documents.Update(ctx, got))

	_, err = pipeline.ProcessDocument(ctx, doc.ID, seedJob(t, repos, doc.ID).ID)
	require.NoError(t, err)

	chunks, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short replacement body", chunks[0].Content)
	for _, old := range firstIDs {
		assert.NotEqual(t, old, chunks[0].ID)
	}
}

func TestPipeline_ProcessDocument_EmptyContentFails(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	doc := seedTextDocument(t, repos, kb, "   \n\t ")
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, nil, nil)
	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.EqualError(t, err, "Document content is empty")

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Document content is empty", *got.ErrorMessage)
	assert.NotNil(t, got.ProcessingFinishedAt)

	gotJob, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, gotJob.Status)
	require.NotNil(t, gotJob.ErrorMessage)
	assert.Equal(t, "Document content is empty", *gotJob.ErrorMessage)

	entries := gotJob.LogEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Started ingestion", entries[0].Message)
	assert.Equal(t, "Ingestion failed", entries[1].Message)
	assert.Equal(t, "failed", entries[1].Status)

	count, err := repos.Chunks.CountByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipeline_ProcessDocument_MissingDocumentFailsJob(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	missingDoc := uuid.New()
	job := seedJob(t, repos, missingDoc)

	pipeline := newTestPipeline(t, db, nil, nil)
	_, err := pipeline.ProcessDocument(ctx, missingDoc, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	gotJob, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, gotJob.Status)
	require.NotNil(t, gotJob.ErrorMessage)
	assert.Equal(t, "Document not found", *gotJob.ErrorMessage)

	entries := gotJob.LogEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Started ingestion", entries[0].Message)
	assert.Equal(t, "Ingestion failed", entries[1].Message)
}

func TestPipeline_ProcessDocument_EmbedderFailureRecordsMessage(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	doc := seedTextDocument(t, repos, kb, "perfectly fine content")
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, failingEmbedder{}, nil)
	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.EqualError(t, err, "embedding service error: status 502")

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "embedding service error: status 502", *got.ErrorMessage)
}

func TestPipeline_ProcessDocument_EmbeddingCountMismatchFails(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	doc := seedTextDocument(t, repos, kb, "content that embeds into too few vectors")
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, truncatingEmbedder{inner: embedding.NewMockClient(8)}, nil)
	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.EqualError(t, err, "Embedding generation mismatch")

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Embedding generation mismatch", *got.ErrorMessage)

	count, err := repos.Chunks.CountByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipeline_ProcessDocument_UploadWithoutStoragePathFails(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeUpload,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, nil, nil)
	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.EqualError(t, err, "Upload does not have a storage path")

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Upload does not have a storage path", *got.ErrorMessage)
}

func TestPipeline_ProcessDocument_URLDocumentPersistsFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>Warranty covers five years of hybrid battery service.</p></body></html>"))
	}))
	defer server.Close()

	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	sourceURL := server.URL + "/warranty"
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeURL,
		SourceURL:       &sourceURL,
	}
	require.NoError(t, repos.Documents.Create(ctx, doc))
	job := seedJob(t, repos, doc.ID)

	pipeline := newTestPipeline(t, db, nil, nil)
	result, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksCreated)

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusReady, got.Status)
	require.NotNil(t, got.StoragePath)
	assert.Equal(t, "text.url.txt", filepath.Base(*got.StoragePath))
	assert.NotEmpty(t, got.MetadataString("last_fetched_at"))

	chunks, err := repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "Warranty covers five years")
	assert.Contains(t, string(chunks[0].ChunkMetadata), sourceURL)
}

func TestPipeline_Reprocess(t *testing.T) {
	db := openTestDB(t)
	repos := storage.NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, 0, 0)
	doc := seedTextDocument(t, repos, kb, "content")
	errMsg := "Document content is empty"
	require.NoError(t, repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusError, &errMsg))

	q := queue.NewMemoryQueue(4)
	pipeline := newTestPipeline(t, db, nil, q)

	job, err := pipeline.Reprocess(ctx, doc.ID, kb.ClientID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobTypeReprocess, job.JobType)
	assert.Equal(t, storage.JobStatusQueued, job.Status)

	got, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, task.DocumentID)
	assert.Equal(t, job.ID, task.JobID)
}

func TestPipeline_Reprocess_UnknownDocument(t *testing.T) {
	db := openTestDB(t)

	pipeline := newTestPipeline(t, db, nil, queue.NewMemoryQueue(1))
	_, err := pipeline.Reprocess(context.Background(), uuid.New(), uuid.Nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
