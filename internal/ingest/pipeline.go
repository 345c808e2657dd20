// Package ingest turns stored documents into embedded, searchable chunks.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/monitoring"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// PipelineConfig holds the chunking defaults applied when a knowledge base
// leaves its own parameters at zero.
type PipelineConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Pipeline runs ingestion jobs: extract a document's content, chunk it,
// embed the chunks and replace the document's rows in the vector store.
type Pipeline struct {
	logger    *observability.Logger
	db        *sql.DB
	config    PipelineConfig
	extractor *extract.Extractor
	embedder  embedding.Client
	store     vectorstore.Store
	queue     queue.Queue
	audit     *monitoring.AuditWriter
}

// Result summarizes a completed pipeline run. ClientID and KnowledgeBaseID
// identify the tenant and base whose content changed, so callers can
// invalidate derived state such as cached retrieval contexts.
type Result struct {
	DocumentID      uuid.UUID
	JobID           uuid.UUID
	ClientID        uuid.UUID
	KnowledgeBaseID uuid.UUID
	ChunksCreated   int
	Duration        time.Duration
}

// NewPipeline creates a new ingestion pipeline. q is used only by Reprocess
// and may be nil in workers; audit may be nil to disable the audit trail.
func NewPipeline(
	logger *observability.Logger,
	db *sql.DB,
	cfg PipelineConfig,
	extractor *extract.Extractor,
	embedder embedding.Client,
	store vectorstore.Store,
	q queue.Queue,
	audit *monitoring.AuditWriter,
) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = storage.DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = storage.DefaultChunkOverlap
	}
	return &Pipeline{
		logger:    logger,
		db:        db,
		config:    cfg,
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		queue:     q,
		audit:     audit,
	}
}

// ProcessDocument runs one ingestion job against one document. Each call
// opens fresh repository handles, so one run's failure never poisons the
// next. Document and job state are already recorded by the time it returns;
// the returned error is for the caller's log.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID, jobID uuid.UUID) (*Result, error) {
	repos := storage.NewRepositories(p.db)
	start := time.Now()

	p.logger.Info().
		Str("document_id", documentID.String()).
		Str("job_id", jobID.String()).
		Msg("Starting ingestion job")

	// Step 1: Move the job into processing.
	if err := repos.Jobs.UpdateStatus(ctx, jobID, storage.JobStatusProcessing, nil, "Started ingestion"); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}

	// Step 2: Load the document. A vanished document fails the job.
	doc, err := repos.Documents.GetByID(ctx, documentID, uuid.Nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.failJob(ctx, repos, jobID, "Document not found")
		}
		return nil, fmt.Errorf("load document: %w", err)
	}

	// Step 3: Move the document into processing.
	if err := repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusProcessing, nil); err != nil {
		return nil, fmt.Errorf("start document: %w", err)
	}
	p.recordAudit(ctx, monitoring.EventDocumentProcessing, doc, jobID, nil)

	// Step 4: Extract raw content.
	content, err := p.extractContent(ctx, repos, doc)
	if err != nil {
		return nil, p.fail(ctx, repos, doc, jobID, err.Error())
	}
	if strings.TrimSpace(content) == "" {
		return nil, p.fail(ctx, repos, doc, jobID, "Document content is empty")
	}

	// Step 5: Chunk with the base's parameters.
	chunkSize, chunkOverlap := p.chunkParams(ctx, repos, doc)
	chunks := SplitText(content, chunkSize, chunkOverlap)
	if len(chunks) == 0 {
		return nil, p.fail(ctx, repos, doc, jobID, "Unable to generate chunks from document")
	}

	// Step 6: Embed every chunk in one call.
	vectors, err := p.embedder.GenerateEmbeddings(ctx, chunks)
	if err != nil {
		return nil, p.fail(ctx, repos, doc, jobID, err.Error())
	}
	if len(vectors) != len(chunks) {
		return nil, p.fail(ctx, repos, doc, jobID, "Embedding generation mismatch")
	}

	// Step 7: Replace the document's chunks in one transaction.
	if err := p.replaceChunks(ctx, doc, chunks, vectors); err != nil {
		return nil, p.fail(ctx, repos, doc, jobID, err.Error())
	}

	// Step 8: Stamp the processing time and mark the document ready.
	doc.SetLastProcessedAt(time.Now())
	if err := repos.Documents.Update(ctx, doc); err != nil {
		return nil, p.fail(ctx, repos, doc, jobID, err.Error())
	}
	if err := repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusReady, nil); err != nil {
		return nil, p.fail(ctx, repos, doc, jobID, err.Error())
	}

	// Step 9: Complete the job.
	if err := repos.Jobs.UpdateStatus(ctx, jobID, storage.JobStatusCompleted, nil, "Ingestion completed"); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to record job completion")
	}

	result := &Result{
		DocumentID:      doc.ID,
		JobID:           jobID,
		ClientID:        doc.ClientID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		ChunksCreated:   len(chunks),
		Duration:        time.Since(start),
	}
	p.recordAudit(ctx, monitoring.EventDocumentReady, doc, jobID, map[string]interface{}{"chunks": len(chunks)})
	p.recordAudit(ctx, monitoring.EventJobCompleted, doc, jobID, map[string]interface{}{"duration_ms": result.Duration.Milliseconds()})

	p.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("job_id", jobID.String()).
		Int("chunks", result.ChunksCreated).
		Dur("duration", result.Duration).
		Msg("Ingestion completed")

	return result, nil
}

// Reprocess resets a document to pending, clears its error and queues a
// fresh ingestion run. A uuid.Nil clientID skips tenant scoping.
func (p *Pipeline) Reprocess(ctx context.Context, documentID, clientID uuid.UUID) (*storage.KnowledgeJob, error) {
	repos := storage.NewRepositories(p.db)

	doc, err := repos.Documents.GetByID(ctx, documentID, clientID)
	if err != nil {
		return nil, err
	}
	if err := repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusPending, nil); err != nil {
		return nil, fmt.Errorf("reset document: %w", err)
	}
	job, err := repos.Jobs.Create(ctx, doc.ID, storage.JobTypeReprocess, nil)
	if err != nil {
		return nil, fmt.Errorf("create reprocess job: %w", err)
	}
	if p.queue != nil {
		if err := p.queue.Enqueue(ctx, queue.Task{DocumentID: doc.ID, JobID: job.ID}); err != nil {
			return nil, fmt.Errorf("enqueue reprocess job: %w", err)
		}
	}

	p.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("job_id", job.ID.String()).
		Msg("Queued document reprocess")

	return job, nil
}

// extractContent pulls raw text for the document, recovering extractor
// panics into plain errors. A URL fetch mutates the document (storage path,
// last_fetched_at); those changes are persisted here.
func (p *Pipeline) extractContent(ctx context.Context, repos *storage.Repositories, doc *storage.KnowledgeDocument) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("content extraction panicked: %v", r)
		}
	}()

	content, err = p.extractor.Extract(ctx, doc)
	if err != nil {
		return "", err
	}
	if doc.SourceType == storage.SourceTypeURL {
		if uerr := repos.Documents.Update(ctx, doc); uerr != nil {
			p.logger.Warn().Err(uerr).Str("document_id", doc.ID.String()).Msg("Failed to persist fetched source")
		}
	}
	return content, nil
}

// chunkParams resolves chunking parameters for the document's base. A zero
// value on the base falls back to the pipeline default, as does a base that
// cannot be loaded.
func (p *Pipeline) chunkParams(ctx context.Context, repos *storage.Repositories, doc *storage.KnowledgeDocument) (int, int) {
	size, overlap := p.config.ChunkSize, p.config.ChunkOverlap
	base, err := repos.Bases.GetByID(ctx, doc.KnowledgeBaseID, uuid.Nil)
	if err != nil {
		p.logger.Warn().Err(err).
			Str("knowledge_base_id", doc.KnowledgeBaseID.String()).
			Msg("Failed to load knowledge base, using default chunk parameters")
		return size, overlap
	}
	if base.ChunkSize > 0 {
		size = base.ChunkSize
	}
	if base.ChunkOverlap > 0 {
		overlap = base.ChunkOverlap
	}
	return size, overlap
}

// replaceChunks swaps the document's chunk rows for the new set inside a
// single transaction. The vector store is the sole writer of chunk rows.
func (p *Pipeline) replaceChunks(ctx context.Context, doc *storage.KnowledgeDocument, chunks []string, vectors [][]float32) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := storage.NewChunkRepository(tx).ListIDsByDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list existing chunks: %w", err)
	}
	if err := p.store.DeleteChunks(ctx, tx, existing); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}

	payloads := make([]vectorstore.ChunkPayload, len(chunks))
	for i, chunk := range chunks {
		payloads[i] = vectorstore.ChunkPayload{
			ID:              uuid.New(),
			KnowledgeBaseID: doc.KnowledgeBaseID,
			DocumentID:      doc.ID,
			ChunkIndex:      i,
			TokenCount:      len(strings.Fields(chunk)),
			Content:         chunk,
			Metadata:        chunkMetadata(doc, i),
			Embedding:       vectors[i],
		}
	}
	if err := p.store.UpsertChunks(ctx, tx, payloads); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	return tx.Commit()
}

// chunkMetadata builds the metadata stored and returned with each chunk.
func chunkMetadata(doc *storage.KnowledgeDocument, index int) map[string]interface{} {
	meta := map[string]interface{}{
		"document_id":       doc.ID.String(),
		"knowledge_base_id": doc.KnowledgeBaseID.String(),
		"source_type":       string(doc.SourceType),
		"chunk_index":       index,
	}
	if doc.OriginalFilename != nil && *doc.OriginalFilename != "" {
		meta["original_filename"] = *doc.OriginalFilename
	}
	if doc.SourceURL != nil && *doc.SourceURL != "" {
		meta["source_url"] = *doc.SourceURL
	}
	return meta
}

// fail records an ingestion failure on both the document and the job.
// Recording is best effort: bookkeeping errors are logged, never raised.
func (p *Pipeline) fail(ctx context.Context, repos *storage.Repositories, doc *storage.KnowledgeDocument, jobID uuid.UUID, message string) error {
	p.logger.Error().
		Str("document_id", doc.ID.String()).
		Str("job_id", jobID.String()).
		Str("reason", message).
		Msg("Ingestion failed")

	if err := repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusError, &message); err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to record document error")
	}
	p.failJob(ctx, repos, jobID, message)

	p.recordAudit(ctx, monitoring.EventDocumentError, doc, jobID, map[string]interface{}{"error": message})
	p.recordAudit(ctx, monitoring.EventJobFailed, doc, jobID, map[string]interface{}{"error": message})

	return errors.New(message)
}

// failJob marks the job failed when the document itself is unavailable.
func (p *Pipeline) failJob(ctx context.Context, repos *storage.Repositories, jobID uuid.UUID, message string) {
	if err := repos.Jobs.UpdateStatus(ctx, jobID, storage.JobStatusFailed, &message, "Ingestion failed"); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to record job failure")
	}
}

func (p *Pipeline) recordAudit(ctx context.Context, eventType string, doc *storage.KnowledgeDocument, jobID uuid.UUID, payload map[string]interface{}) {
	if p.audit == nil {
		return
	}
	if err := p.audit.RecordDocument(ctx, eventType, doc.ClientID, doc.KnowledgeBaseID, doc.ID, jobID, payload); err != nil {
		p.logger.Warn().Err(err).Str("event_type", eventType).Msg("Failed to record audit event")
	}
}
