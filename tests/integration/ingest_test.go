package integration

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// embeddingDimensions matches the vector column width in the schema.
const embeddingDimensions = 1536

type failingEmbedder struct{}

func (f *failingEmbedder) GenerateEmbeddings(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service returned status 500")
}

func newIntegrationPipeline(t *testing.T, db *sql.DB, embedder embedding.Client, q queue.Queue) *ingest.Pipeline {
	t.Helper()

	files := filestore.New(filepath.Join(t.TempDir(), "knowledge"))
	if embedder == nil {
		embedder = embedding.NewMockClient(embeddingDimensions)
	}
	return ingest.NewPipeline(
		observability.Nop(),
		db,
		ingest.PipelineConfig{},
		extract.NewExtractor(observability.Nop(), files),
		embedder,
		vectorstore.NewPgVectorStore(),
		q,
		nil,
	)
}

func createBaseAndTextDocument(t *testing.T, repos *storage.Repositories, chunkSize, chunkOverlap int, text string) (*storage.KnowledgeBase, *storage.KnowledgeDocument, *storage.KnowledgeJob) {
	t.Helper()
	ctx := context.Background()

	kb := &storage.KnowledgeBase{
		ClientID:     uuid.New(),
		Name:         "Integration Docs",
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
	}
	require.NoError(t, repos.Bases.Create(ctx, kb))

	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeText,
	}
	doc.SetMetadataValue("raw_text", text)
	require.NoError(t, repos.Documents.Create(ctx, doc))

	job, err := repos.Jobs.Create(ctx, doc.ID, storage.JobTypeIngest, nil)
	require.NoError(t, err)
	return kb, doc, job
}

func chunkContents(t *testing.T, repos *storage.Repositories, documentID uuid.UUID) []string {
	t.Helper()

	chunks, err := repos.Chunks.ListByDocument(context.Background(), documentID)
	require.NoError(t, err)

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		require.Equal(t, i, chunk.ChunkIndex)
		require.Len(t, chunk.Embedding.Slice(), embeddingDimensions)
		contents[i] = chunk.Content
	}
	return contents
}

func TestIngestTextDocumentEndToEnd(t *testing.T) {
	skipUnlessDocker(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	db := setup.OpenDB(t)
	setup.RunMigrations(t, db)

	ctx := context.Background()
	repos := storage.NewRepositories(db)
	pipeline := newIntegrationPipeline(t, db, nil, nil)

	text := "the quick brown fox jumps over the lazy dog and then some more words here"
	_, doc, job := createBaseAndTextDocument(t, repos, 64, 2, text)

	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)

	row, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusReady, row.Status)
	assert.Nil(t, row.ErrorMessage)
	require.NotNil(t, row.ProcessingStartedAt)
	require.NotNil(t, row.ProcessingFinishedAt)
	assert.False(t, row.ProcessingFinishedAt.Before(*row.ProcessingStartedAt))
	assert.NotEmpty(t, row.MetadataString("last_processed_at"))

	// Chunker floor is 64 words, so the whole text fits one chunk.
	contents := chunkContents(t, repos, doc.ID)
	require.Equal(t, []string{text}, contents)

	jobRow, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, jobRow.Status)
	assert.Equal(t, 1, jobRow.Attempts)
	require.NotNil(t, jobRow.FinishedAt)

	logs := jobRow.LogEntries()
	require.Len(t, logs, 2)
	assert.Equal(t, "Started ingestion", logs[0].Message)
	assert.Equal(t, "Ingestion completed", logs[1].Message)
}

func TestReingestReplacesChunksWithSameContents(t *testing.T) {
	skipUnlessDocker(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	db := setup.OpenDB(t)
	setup.RunMigrations(t, db)

	ctx := context.Background()
	repos := storage.NewRepositories(db)
	pipeline := newIntegrationPipeline(t, db, nil, nil)

	text := "warranty claims must include the original receipt and the product serial number " +
		"support responds to warranty claims within two business days"
	_, doc, job := createBaseAndTextDocument(t, repos, 64, 4, text)

	_, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)
	first := chunkContents(t, repos, doc.ID)
	firstIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)

	// Second ingestion over unchanged content: same chunk contents, fresh ids.
	second, err := repos.Jobs.Create(ctx, doc.ID, storage.JobTypeIngest, nil)
	require.NoError(t, err)
	_, err = pipeline.ProcessDocument(ctx, doc.ID, second.ID)
	require.NoError(t, err)

	assert.Equal(t, first, chunkContents(t, repos, doc.ID))
	secondIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, secondIDs, len(firstIDs))
	for _, id := range secondIDs {
		assert.NotContains(t, firstIDs, id)
	}
}

func TestIngestFailureKeepsPreviousChunks(t *testing.T) {
	skipUnlessDocker(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	db := setup.OpenDB(t)
	setup.RunMigrations(t, db)

	ctx := context.Background()
	repos := storage.NewRepositories(db)

	text := "returns are accepted within thirty days of delivery"
	_, doc, job := createBaseAndTextDocument(t, repos, 64, 4, text)

	_, err := newIntegrationPipeline(t, db, nil, nil).ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)
	goodIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, goodIDs)

	// A second run against a broken embedding service fails before the
	// chunk transaction, leaving the previous chunks in place.
	retry, err := repos.Jobs.Create(ctx, doc.ID, storage.JobTypeIngest, nil)
	require.NoError(t, err)
	_, err = newIntegrationPipeline(t, db, &failingEmbedder{}, nil).ProcessDocument(ctx, doc.ID, retry.ID)
	require.Error(t, err)

	row, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusError, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "embedding service returned status 500")

	jobRow, err := repos.Jobs.GetByID(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, jobRow.Status)

	keptIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, goodIDs, keptIDs)
}

func TestReprocessFlowsThroughRedisQueue(t *testing.T) {
	skipUnlessDocker(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	db := setup.OpenDB(t)
	setup.RunMigrations(t, db)

	ctx := context.Background()
	repos := storage.NewRepositories(db)

	q, err := queue.NewRedisQueue(queue.RedisQueueConfig{Addr: setup.RedisAddr})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	pipeline := newIntegrationPipeline(t, db, nil, q)

	text := "the onboarding checklist covers account setup billing and the first deployment"
	kb, doc, job := createBaseAndTextDocument(t, repos, 64, 4, text)

	_, err = pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	require.NoError(t, err)
	oldIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)

	// Reprocess resets the document and queues a reprocess job on Redis.
	reprocessJob, err := pipeline.Reprocess(ctx, doc.ID, kb.ClientID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobTypeReprocess, reprocessJob.JobType)

	row, err := repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusPending, row.Status)

	// Consume the task the way a worker would and run it.
	dequeueCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	task, err := q.Dequeue(dequeueCtx)
	require.NoError(t, err)
	require.Equal(t, doc.ID, task.DocumentID)
	require.Equal(t, reprocessJob.ID, task.JobID)

	_, err = pipeline.ProcessDocument(ctx, task.DocumentID, task.JobID)
	require.NoError(t, err)

	row, err = repos.Documents.GetByID(ctx, doc.ID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusReady, row.Status)

	jobRow, err := repos.Jobs.GetByID(ctx, reprocessJob.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, jobRow.Status)
	assert.Equal(t, 1, jobRow.Attempts)

	newIDs, err := repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, newIDs, len(oldIDs))
	for _, id := range newIDs {
		assert.NotContains(t, oldIDs, id)
	}
}
