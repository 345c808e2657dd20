package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedChunk(t *testing.T, db DB, kb *KnowledgeBase, doc *KnowledgeDocument, index int) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO knowledge_chunks (id, knowledge_base_id, document_id, chunk_index,
			token_count, content, chunk_metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New(), kb.ID, doc.ID, index, 3, "chunk content",
		`{"source_type":"text"}`, pgvector.NewVector([]float32{0.1, 0.2, 0.3}), time.Now())
	require.NoError(t, err)
}

func TestStatsRepository_BaseStats(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, uuid.New(), "Docs")

	ready := seedDocument(t, repos, kb, SourceTypeText)
	require.NoError(t, repos.Documents.UpdateStatus(ctx, ready.ID, DocumentStatusReady, nil))
	seedChunk(t, db, kb, ready, 0)
	seedChunk(t, db, kb, ready, 1)

	failed := seedDocument(t, repos, kb, SourceTypeURL)
	require.NoError(t, repos.Documents.UpdateStatus(ctx, failed.ID, DocumentStatusError, strPtr("Ingestion failed")))

	pending := seedDocument(t, repos, kb, SourceTypeUpload)

	okJob, err := repos.Jobs.Create(ctx, ready.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, okJob.ID, JobStatusCompleted, nil, "Ingestion completed"))
	badJob, err := repos.Jobs.Create(ctx, failed.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, badJob.ID, JobStatusFailed, strPtr("Ingestion failed"), "Ingestion failed"))
	_, err = repos.Jobs.Create(ctx, pending.ID, JobTypeIngest, nil)
	require.NoError(t, err)

	// Another tenant's data must not leak into the rollup.
	other := seedBase(t, repos, uuid.New(), "Other Docs")
	seedDocument(t, repos, other, SourceTypeText)

	stats, err := repos.Stats.BaseStats(ctx, kb.ID, kb.ClientID)
	require.NoError(t, err)
	assert.Equal(t, kb.ID, stats.KnowledgeBaseID)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 1, stats.PendingDocuments)
	assert.Equal(t, 0, stats.ProcessingDocuments)
	assert.Equal(t, 1, stats.ReadyDocuments)
	assert.Equal(t, 1, stats.ErrorDocuments)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, 1, stats.QueuedJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	require.NotNil(t, stats.LastIngestedAt)
	assert.WithinDuration(t, time.Now(), *stats.LastIngestedAt, time.Minute)

	// Wrong tenant and unknown base both read as missing.
	_, err = repos.Stats.BaseStats(ctx, kb.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repos.Stats.BaseStats(ctx, uuid.New(), kb.ClientID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsRepository_BaseStatsEmptyBase(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)

	kb := seedBase(t, repos, uuid.New(), "Empty")

	stats, err := repos.Stats.BaseStats(context.Background(), kb.ID, kb.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalDocuments)
	assert.Equal(t, 0, stats.TotalChunks)
	assert.Equal(t, 0, stats.QueuedJobs)
	assert.Nil(t, stats.LastIngestedAt)
}

func TestStatsRepository_StaleProcessing(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, uuid.New(), "Docs")

	stuck := seedDocument(t, repos, kb, SourceTypeText)
	require.NoError(t, repos.Documents.UpdateStatus(ctx, stuck.ID, DocumentStatusProcessing, nil))
	job, err := repos.Jobs.Create(ctx, stuck.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, job.ID, JobStatusProcessing, nil, "Started ingestion"))
	// Backdate the start so the document reads as stuck, not merely slow.
	_, err = db.ExecContext(ctx,
		`UPDATE knowledge_documents SET processing_started_at = $1 WHERE id = $2`,
		time.Now().Add(-time.Hour), stuck.ID)
	require.NoError(t, err)

	fresh := seedDocument(t, repos, kb, SourceTypeText)
	require.NoError(t, repos.Documents.UpdateStatus(ctx, fresh.ID, DocumentStatusProcessing, nil))

	docs, err := repos.Stats.StaleProcessing(ctx, kb.ClientID, 30*time.Minute, 50)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, stuck.ID, docs[0].ID)
	assert.Equal(t, kb.ID, docs[0].KnowledgeBaseID)
	assert.Equal(t, SourceTypeText, docs[0].SourceType)
	assert.Equal(t, 1, docs[0].Attempts)

	// Another tenant sees nothing; the unscoped view sees the same row.
	docs, err = repos.Stats.StaleProcessing(ctx, uuid.New(), 30*time.Minute, 50)
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = repos.Stats.StaleProcessing(ctx, uuid.Nil, 30*time.Minute, 50)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStatsRepository_RecentFailures(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	kb := seedBase(t, repos, uuid.New(), "Docs")

	first := seedDocument(t, repos, kb, SourceTypeText)
	job1, err := repos.Jobs.Create(ctx, first.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, job1.ID, JobStatusFailed, strPtr("Document content is empty"), "Ingestion failed"))

	time.Sleep(5 * time.Millisecond)

	second := seedDocument(t, repos, kb, SourceTypeURL)
	job2, err := repos.Jobs.Create(ctx, second.ID, JobTypeReprocess, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, job2.ID, JobStatusFailed, strPtr("Embedding generation mismatch"), "Ingestion failed"))

	// Completed jobs and other tenants stay out of the list.
	done, err := repos.Jobs.Create(ctx, first.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, done.ID, JobStatusCompleted, nil, "Ingestion completed"))
	otherBase := seedBase(t, repos, uuid.New(), "Other")
	otherDoc := seedDocument(t, repos, otherBase, SourceTypeText)
	otherJob, err := repos.Jobs.Create(ctx, otherDoc.ID, JobTypeIngest, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Jobs.UpdateStatus(ctx, otherJob.ID, JobStatusFailed, strPtr("Ingestion failed"), ""))

	failures, err := repos.Stats.RecentFailures(ctx, kb.ClientID, 50)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	// Newest first.
	assert.Equal(t, job2.ID, failures[0].JobID)
	assert.Equal(t, JobTypeReprocess, failures[0].JobType)
	require.NotNil(t, failures[0].ErrorMessage)
	assert.Equal(t, "Embedding generation mismatch", *failures[0].ErrorMessage)
	assert.Equal(t, job1.ID, failures[1].JobID)

	failures, err = repos.Stats.RecentFailures(ctx, kb.ClientID, 1)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, job2.ID, failures[0].JobID)
}
