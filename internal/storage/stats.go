package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatsRepository answers operational questions about ingestion health:
// how a base's documents are spread across statuses, which documents look
// stuck in processing, and which jobs failed recently.
type StatsRepository struct {
	db DB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// KnowledgeBaseStats is a point-in-time rollup for one knowledge base.
type KnowledgeBaseStats struct {
	KnowledgeBaseID     uuid.UUID  `json:"knowledge_base_id"`
	TotalDocuments      int        `json:"total_documents"`
	PendingDocuments    int        `json:"pending_documents"`
	ProcessingDocuments int        `json:"processing_documents"`
	ReadyDocuments      int        `json:"ready_documents"`
	ErrorDocuments      int        `json:"error_documents"`
	TotalChunks         int        `json:"total_chunks"`
	QueuedJobs          int        `json:"queued_jobs"`
	FailedJobs          int        `json:"failed_jobs"`
	LastIngestedAt      *time.Time `json:"last_ingested_at,omitempty"`
	ComputedAt          time.Time  `json:"computed_at"`
}

// StaleDocument is a document that entered processing and never left.
type StaleDocument struct {
	ID                  uuid.UUID  `json:"id"`
	KnowledgeBaseID     uuid.UUID  `json:"knowledge_base_id"`
	ClientID            uuid.UUID  `json:"client_id"`
	SourceType          SourceType `json:"source_type"`
	OriginalFilename    *string    `json:"original_filename,omitempty"`
	SourceURL           *string    `json:"source_url,omitempty"`
	ProcessingStartedAt time.Time  `json:"processing_started_at"`
	Attempts            int        `json:"attempts"`
}

// FailedIngestion is one failed job with enough context to triage it.
type FailedIngestion struct {
	JobID           uuid.UUID  `json:"job_id"`
	DocumentID      uuid.UUID  `json:"document_id"`
	KnowledgeBaseID uuid.UUID  `json:"knowledge_base_id"`
	JobType         JobType    `json:"job_type"`
	Attempts        int        `json:"attempts"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// BaseStats computes the rollup for one base. Returns ErrNotFound when the
// base does not exist or belongs to another client.
func (r *StatsRepository) BaseStats(ctx context.Context, baseID, clientID uuid.UUID) (*KnowledgeBaseStats, error) {
	stats := &KnowledgeBaseStats{KnowledgeBaseID: baseID, ComputedAt: time.Now()}

	// The LEFT JOIN keeps the base row visible when it has no documents,
	// so a missing row means the base itself is missing.
	query := `
		SELECT COUNT(d.id),
			COALESCE(SUM(CASE WHEN d.status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN d.status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN d.status = 'ready' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN d.status = 'error' THEN 1 ELSE 0 END), 0)
		FROM knowledge_bases b
		LEFT JOIN knowledge_documents d ON d.knowledge_base_id = b.id
		WHERE b.id = $1
	`
	args := []interface{}{baseID}
	if clientID != uuid.Nil {
		query += " AND b.client_id = $2"
		args = append(args, clientID)
	}
	query += " GROUP BY b.id"

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalDocuments, &stats.PendingDocuments, &stats.ProcessingDocuments,
		&stats.ReadyDocuments, &stats.ErrorDocuments,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE knowledge_base_id = $1`, baseID,
	).Scan(&stats.TotalChunks)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN j.status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN j.status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM knowledge_jobs j
		JOIN knowledge_documents d ON d.id = j.document_id
		WHERE d.knowledge_base_id = $1
	`, baseID).Scan(&stats.QueuedJobs, &stats.FailedJobs)
	if err != nil {
		return nil, err
	}

	// Selecting the column directly instead of MAX() keeps the timestamp
	// type intact on the sqlite driver.
	var last time.Time
	err = r.db.QueryRowContext(ctx, `
		SELECT processing_finished_at
		FROM knowledge_documents
		WHERE knowledge_base_id = $1 AND status = 'ready' AND processing_finished_at IS NOT NULL
		ORDER BY processing_finished_at DESC
		LIMIT 1
	`, baseID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		stats.LastIngestedAt = &last
	}

	return stats, nil
}

// StaleProcessing lists documents stuck in the processing status longer than
// olderThan, oldest first. A worker crash mid-job is the usual cause; the
// documents need a reprocess to recover.
func (r *StatsRepository) StaleProcessing(ctx context.Context, clientID uuid.UUID, olderThan time.Duration, limit int) ([]*StaleDocument, error) {
	if olderThan <= 0 {
		olderThan = 15 * time.Minute
	}
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().Add(-olderThan)

	query := `
		SELECT id, knowledge_base_id, client_id, source_type, original_filename, source_url,
			processing_started_at,
			(SELECT COALESCE(MAX(j.attempts), 0) FROM knowledge_jobs j WHERE j.document_id = knowledge_documents.id)
		FROM knowledge_documents
		WHERE status = 'processing' AND processing_started_at IS NOT NULL AND processing_started_at < $1
	`
	args := []interface{}{cutoff}
	n := 2
	if clientID != uuid.Nil {
		query += fmt.Sprintf(" AND client_id = $%d", n)
		args = append(args, clientID)
		n++
	}
	query += fmt.Sprintf(" ORDER BY processing_started_at ASC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*StaleDocument
	for rows.Next() {
		d := &StaleDocument{}
		if err := rows.Scan(
			&d.ID, &d.KnowledgeBaseID, &d.ClientID, &d.SourceType,
			&d.OriginalFilename, &d.SourceURL, &d.ProcessingStartedAt, &d.Attempts,
		); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// RecentFailures lists the latest failed jobs, newest first.
func (r *StatsRepository) RecentFailures(ctx context.Context, clientID uuid.UUID, limit int) ([]*FailedIngestion, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT j.id, j.document_id, d.knowledge_base_id, j.job_type, j.attempts, j.error_message, j.finished_at
		FROM knowledge_jobs j
		JOIN knowledge_documents d ON d.id = j.document_id
		WHERE j.status = 'failed'
	`
	args := []interface{}{}
	n := 1
	if clientID != uuid.Nil {
		query += fmt.Sprintf(" AND d.client_id = $%d", n)
		args = append(args, clientID)
		n++
	}
	query += fmt.Sprintf(" ORDER BY j.finished_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*FailedIngestion
	for rows.Next() {
		f := &FailedIngestion{}
		if err := rows.Scan(
			&f.JobID, &f.DocumentID, &f.KnowledgeBaseID, &f.JobType,
			&f.Attempts, &f.ErrorMessage, &f.FinishedAt,
		); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
