package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// ValidationError reports invalid user input caught before any SQL runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func validationErrorf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Bounds for knowledge-base fields, shared with the HTTP layer.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 128
	MinChunkSize        = 64
	MaxChunkSize        = 4096
	MaxChunkOverlap     = 2048

	maxNameLen        = 120
	maxDescriptionLen = 2000
	maxLanguageLen    = 16
	maxModelLen       = 120
)

// DB represents a database connection interface. *sql.DB and *sql.Tx both
// satisfy it, so repositories run inside or outside a transaction.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// jsonArg renders a JSON blob as a driver parameter. lib/pq binds []byte as
// bytea, so JSON columns take strings.
func jsonArg(raw json.RawMessage, fallback string) interface{} {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

func nullableJSONArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// KnowledgeBaseRepository handles knowledge base CRUD operations.
type KnowledgeBaseRepository struct {
	db DB
}

// NewKnowledgeBaseRepository creates a new knowledge base repository.
func NewKnowledgeBaseRepository(db DB) *KnowledgeBaseRepository {
	return &KnowledgeBaseRepository{db: db}
}

// Create inserts a knowledge base, applying defaults and bound checks.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ClientID == uuid.Nil {
		return validationErrorf("client_id", "client id is required")
	}
	kb.Name = strings.TrimSpace(kb.Name)
	if kb.Name == "" {
		return validationErrorf("name", "name is required")
	}
	if len(kb.Name) > maxNameLen {
		return validationErrorf("name", "name exceeds %d characters", maxNameLen)
	}
	if kb.Description != nil && len(*kb.Description) > maxDescriptionLen {
		return validationErrorf("description", "description exceeds %d characters", maxDescriptionLen)
	}
	if kb.Language == "" {
		kb.Language = "en"
	}
	if len(kb.Language) > maxLanguageLen {
		return validationErrorf("language", "language exceeds %d characters", maxLanguageLen)
	}
	if len(kb.EmbeddingModel) > maxModelLen {
		return validationErrorf("embedding_model", "embedding_model exceeds %d characters", maxModelLen)
	}
	if kb.ChunkSize == 0 {
		kb.ChunkSize = DefaultChunkSize
	}
	if kb.ChunkOverlap == 0 {
		kb.ChunkOverlap = DefaultChunkOverlap
	}
	if kb.ChunkSize < MinChunkSize || kb.ChunkSize > MaxChunkSize {
		return validationErrorf("chunk_size", "chunk_size must be between %d and %d", MinChunkSize, MaxChunkSize)
	}
	if kb.ChunkOverlap < 0 || kb.ChunkOverlap > MaxChunkOverlap {
		return validationErrorf("chunk_overlap", "chunk_overlap must be between 0 and %d", MaxChunkOverlap)
	}
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	if len(kb.Config) == 0 {
		kb.Config = json.RawMessage(`{}`)
	}
	kb.IsActive = true
	kb.CreatedAt = time.Now()
	kb.UpdatedAt = kb.CreatedAt

	query := `
		INSERT INTO knowledge_bases (id, client_id, name, description, language, embedding_model,
			chunk_size, chunk_overlap, is_active, config, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		kb.ID, kb.ClientID, kb.Name, kb.Description, kb.Language, kb.EmbeddingModel,
		kb.ChunkSize, kb.ChunkOverlap, kb.IsActive, jsonArg(kb.Config, "{}"),
		kb.CreatedBy, kb.UpdatedBy, kb.CreatedAt, kb.UpdatedAt,
	)
	return err
}

// GetByID retrieves a knowledge base. A uuid.Nil clientID skips tenant
// scoping (internal callers only).
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, id, clientID uuid.UUID) (*KnowledgeBase, error) {
	query := `
		SELECT id, client_id, name, description, language, embedding_model,
			chunk_size, chunk_overlap, is_active, config, created_by, updated_by, created_at, updated_at
		FROM knowledge_bases
		WHERE id = $1
	`
	args := []interface{}{id}
	if clientID != uuid.Nil {
		query += " AND client_id = $2"
		args = append(args, clientID)
	}

	kb := &KnowledgeBase{}
	var config []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&kb.ID, &kb.ClientID, &kb.Name, &kb.Description, &kb.Language, &kb.EmbeddingModel,
		&kb.ChunkSize, &kb.ChunkOverlap, &kb.IsActive, &config,
		&kb.CreatedBy, &kb.UpdatedBy, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	kb.Config = json.RawMessage(config)
	return kb, err
}

// List returns a client's active knowledge bases, newest first, optionally
// filtered by a case-insensitive name match.
func (r *KnowledgeBaseRepository) List(ctx context.Context, clientID uuid.UUID, search string, offset, limit int) ([]*KnowledgeBase, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, client_id, name, description, language, embedding_model,
			chunk_size, chunk_overlap, is_active, config, created_by, updated_by, created_at, updated_at
		FROM knowledge_bases
		WHERE client_id = $1 AND is_active = TRUE
	`
	args := []interface{}{clientID}
	n := 2
	if s := strings.TrimSpace(search); s != "" {
		query += fmt.Sprintf(" AND LOWER(name) LIKE $%d", n)
		args = append(args, "%"+strings.ToLower(s)+"%")
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bases []*KnowledgeBase
	for rows.Next() {
		kb := &KnowledgeBase{}
		var config []byte
		if err := rows.Scan(
			&kb.ID, &kb.ClientID, &kb.Name, &kb.Description, &kb.Language, &kb.EmbeddingModel,
			&kb.ChunkSize, &kb.ChunkOverlap, &kb.IsActive, &config,
			&kb.CreatedBy, &kb.UpdatedBy, &kb.CreatedAt, &kb.UpdatedAt,
		); err != nil {
			return nil, err
		}
		kb.Config = json.RawMessage(config)
		bases = append(bases, kb)
	}
	return bases, rows.Err()
}

// FilterOwnedIDs narrows a candidate id set to the client's own active
// bases. Retrieval callers run every requested base id through this before
// searching, so one tenant can never read another tenant's chunks.
func (r *KnowledgeBaseRepository) FilterOwnedIDs(ctx context.Context, clientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := []interface{}{clientID}
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT id FROM knowledge_bases
		WHERE client_id = $1 AND is_active = TRUE AND id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owned := map[uuid.UUID]bool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's order, dropping duplicates.
	filtered := make([]uuid.UUID, 0, len(owned))
	for _, id := range ids {
		if owned[id] {
			filtered = append(filtered, id)
			owned[id] = false
		}
	}
	return filtered, nil
}

// KnowledgeBaseUpdate carries the optional fields of a partial update.
// Nil fields are left unchanged.
type KnowledgeBaseUpdate struct {
	Name           *string
	Description    *string
	Language       *string
	EmbeddingModel *string
	ChunkSize      *int
	ChunkOverlap   *int
	IsActive       *bool
	Config         json.RawMessage
	UpdatedBy      *uuid.UUID
}

// Update applies the non-nil fields and returns the updated base.
func (r *KnowledgeBaseRepository) Update(ctx context.Context, id, clientID uuid.UUID, upd KnowledgeBaseUpdate) (*KnowledgeBase, error) {
	var sets []string
	var args []interface{}
	n := 1
	set := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, validationErrorf("name", "name is required")
		}
		if len(name) > maxNameLen {
			return nil, validationErrorf("name", "name exceeds %d characters", maxNameLen)
		}
		set("name", name)
	}
	if upd.Description != nil {
		if len(*upd.Description) > maxDescriptionLen {
			return nil, validationErrorf("description", "description exceeds %d characters", maxDescriptionLen)
		}
		set("description", *upd.Description)
	}
	if upd.Language != nil {
		if *upd.Language == "" || len(*upd.Language) > maxLanguageLen {
			return nil, validationErrorf("language", "language must be 1-%d characters", maxLanguageLen)
		}
		set("language", *upd.Language)
	}
	if upd.EmbeddingModel != nil {
		if len(*upd.EmbeddingModel) > maxModelLen {
			return nil, validationErrorf("embedding_model", "embedding_model exceeds %d characters", maxModelLen)
		}
		set("embedding_model", *upd.EmbeddingModel)
	}
	if upd.ChunkSize != nil {
		if *upd.ChunkSize < MinChunkSize || *upd.ChunkSize > MaxChunkSize {
			return nil, validationErrorf("chunk_size", "chunk_size must be between %d and %d", MinChunkSize, MaxChunkSize)
		}
		set("chunk_size", *upd.ChunkSize)
	}
	if upd.ChunkOverlap != nil {
		if *upd.ChunkOverlap < 0 || *upd.ChunkOverlap > MaxChunkOverlap {
			return nil, validationErrorf("chunk_overlap", "chunk_overlap must be between 0 and %d", MaxChunkOverlap)
		}
		set("chunk_overlap", *upd.ChunkOverlap)
	}
	if upd.IsActive != nil {
		set("is_active", *upd.IsActive)
	}
	if len(upd.Config) > 0 {
		set("config", string(upd.Config))
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id, clientID)
	}
	if upd.UpdatedBy != nil {
		set("updated_by", *upd.UpdatedBy)
	}
	set("updated_at", time.Now())

	query := "UPDATE knowledge_bases SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", n)
	args = append(args, id)
	n++
	if clientID != uuid.Nil {
		query += fmt.Sprintf(" AND client_id = $%d", n)
		args = append(args, clientID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id, clientID)
}

// Archive soft-deletes a knowledge base by clearing is_active.
func (r *KnowledgeBaseRepository) Archive(ctx context.Context, id, clientID uuid.UUID, updatedBy *uuid.UUID) error {
	query := `UPDATE knowledge_bases SET is_active = FALSE, updated_at = $1, updated_by = $2 WHERE id = $3`
	args := []interface{}{time.Now(), updatedBy, id}
	if clientID != uuid.Nil {
		query += " AND client_id = $4"
		args = append(args, clientID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentRepository handles knowledge document CRUD operations.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document. Status defaults to pending.
func (r *DocumentRepository) Create(ctx context.Context, doc *KnowledgeDocument) error {
	if doc.KnowledgeBaseID == uuid.Nil {
		return validationErrorf("knowledge_base_id", "knowledge base id is required")
	}
	if doc.ClientID == uuid.Nil {
		return validationErrorf("client_id", "client id is required")
	}
	if !doc.SourceType.Valid() {
		return validationErrorf("source_type", "invalid source type %q", doc.SourceType)
	}
	if doc.Status == "" {
		doc.Status = DocumentStatusPending
	}
	if !doc.Status.Valid() {
		return validationErrorf("status", "invalid document status %q", doc.Status)
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if len(doc.ExtraMetadata) == 0 {
		doc.ExtraMetadata = json.RawMessage(`{}`)
	}
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt

	query := `
		INSERT INTO knowledge_documents (id, knowledge_base_id, client_id, source_type,
			original_filename, source_url, mime_type, storage_path, checksum, content_preview,
			extra_metadata, status, error_message, created_by, updated_by, created_at, updated_at,
			processing_started_at, processing_finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.KnowledgeBaseID, doc.ClientID, string(doc.SourceType),
		doc.OriginalFilename, doc.SourceURL, doc.MimeType, doc.StoragePath, doc.Checksum, doc.ContentPreview,
		jsonArg(doc.ExtraMetadata, "{}"), string(doc.Status), doc.ErrorMessage, doc.CreatedBy, doc.UpdatedBy,
		doc.CreatedAt, doc.UpdatedAt, doc.ProcessingStartedAt, doc.ProcessingFinishedAt,
	)
	return err
}

const documentColumns = `id, knowledge_base_id, client_id, source_type,
			original_filename, source_url, mime_type, storage_path, checksum, content_preview,
			extra_metadata, status, error_message, created_by, updated_by, created_at, updated_at,
			processing_started_at, processing_finished_at`

func scanDocument(scan func(dest ...interface{}) error) (*KnowledgeDocument, error) {
	doc := &KnowledgeDocument{}
	var extraMetadata []byte
	err := scan(
		&doc.ID, &doc.KnowledgeBaseID, &doc.ClientID, &doc.SourceType,
		&doc.OriginalFilename, &doc.SourceURL, &doc.MimeType, &doc.StoragePath, &doc.Checksum, &doc.ContentPreview,
		&extraMetadata, &doc.Status, &doc.ErrorMessage, &doc.CreatedBy, &doc.UpdatedBy,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessingStartedAt, &doc.ProcessingFinishedAt,
	)
	doc.ExtraMetadata = json.RawMessage(extraMetadata)
	return doc, err
}

// GetByID retrieves a document. A uuid.Nil clientID skips tenant scoping
// (internal callers only).
func (r *DocumentRepository) GetByID(ctx context.Context, id, clientID uuid.UUID) (*KnowledgeDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM knowledge_documents WHERE id = $1`
	args := []interface{}{id}
	if clientID != uuid.Nil {
		query += " AND client_id = $2"
		args = append(args, clientID)
	}

	doc, err := scanDocument(r.db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListByBase returns a base's documents, newest first, optionally filtered
// by status.
func (r *DocumentRepository) ListByBase(ctx context.Context, baseID uuid.UUID, status *DocumentStatus, offset, limit int) ([]*KnowledgeDocument, error) {
	if status != nil && !status.Valid() {
		return nil, validationErrorf("status", "invalid document status %q", *status)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + documentColumns + ` FROM knowledge_documents WHERE knowledge_base_id = $1`
	args := []interface{}{baseID}
	n := 2
	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*status))
		n++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*KnowledgeDocument
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update persists the mutable content fields of a document.
func (r *DocumentRepository) Update(ctx context.Context, doc *KnowledgeDocument) error {
	doc.UpdatedAt = time.Now()

	query := `
		UPDATE knowledge_documents SET
			original_filename = $1, source_url = $2, mime_type = $3, storage_path = $4,
			checksum = $5, content_preview = $6, extra_metadata = $7, updated_by = $8, updated_at = $9
		WHERE id = $10
	`
	result, err := r.db.ExecContext(ctx, query,
		doc.OriginalFilename, doc.SourceURL, doc.MimeType, doc.StoragePath,
		doc.Checksum, doc.ContentPreview, jsonArg(doc.ExtraMetadata, "{}"), doc.UpdatedBy, doc.UpdatedAt,
		doc.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves a document through its lifecycle. error_message is
// always written (nil clears it). Moving to processing stamps
// processing_started_at; ready and error stamp processing_finished_at.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, documentID uuid.UUID, status DocumentStatus, errorMessage *string) error {
	if !status.Valid() {
		return validationErrorf("status", "invalid document status %q", status)
	}
	now := time.Now()

	query := `UPDATE knowledge_documents SET status = $1, error_message = $2, updated_at = $3`
	args := []interface{}{string(status), errorMessage, now}
	n := 4
	switch status {
	case DocumentStatusProcessing:
		query += fmt.Sprintf(", processing_started_at = $%d", n)
		args = append(args, now)
		n++
	case DocumentStatusReady, DocumentStatusError:
		query += fmt.Sprintf(", processing_finished_at = $%d", n)
		args = append(args, now)
		n++
	}
	query += fmt.Sprintf(" WHERE id = $%d", n)
	args = append(args, documentID)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMetadataKey merges one key into a document's extra_metadata.
func (r *DocumentRepository) SetMetadataKey(ctx context.Context, documentID uuid.UUID, key string, value interface{}) error {
	doc, err := r.GetByID(ctx, documentID, uuid.Nil)
	if err != nil {
		return err
	}
	doc.SetMetadataValue(key, value)

	query := `UPDATE knowledge_documents SET extra_metadata = $1, updated_at = $2 WHERE id = $3`
	_, err = r.db.ExecContext(ctx, query, jsonArg(doc.ExtraMetadata, "{}"), time.Now(), documentID)
	return err
}

// Delete removes a document row. Chunk and job rows cascade; callers clear
// vector-store chunks and stored files first.
func (r *DocumentRepository) Delete(ctx context.Context, id, clientID uuid.UUID) error {
	query := `DELETE FROM knowledge_documents WHERE id = $1`
	args := []interface{}{id}
	if clientID != uuid.Nil {
		query += " AND client_id = $2"
		args = append(args, clientID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ChunkRepository reads chunk rows. All chunk writes go through the vector
// store.
type ChunkRepository struct {
	db DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// ListByDocument returns a document's chunks ordered by chunk_index.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*KnowledgeChunk, error) {
	query := `
		SELECT id, knowledge_base_id, document_id, chunk_index, token_count,
			content, chunk_metadata, embedding, created_at
		FROM knowledge_chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*KnowledgeChunk
	for rows.Next() {
		chunk := &KnowledgeChunk{}
		var chunkMetadata []byte
		if err := rows.Scan(
			&chunk.ID, &chunk.KnowledgeBaseID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.TokenCount,
			&chunk.Content, &chunkMetadata, &chunk.Embedding, &chunk.CreatedAt,
		); err != nil {
			return nil, err
		}
		chunk.ChunkMetadata = json.RawMessage(chunkMetadata)
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ListIDsByDocument returns a document's chunk ids ordered by chunk_index.
func (r *ChunkRepository) ListIDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM knowledge_chunks WHERE document_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByDocument returns the number of chunks stored for a document.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = $1`
	var count int
	err := r.db.QueryRowContext(ctx, query, documentID).Scan(&count)
	return count, err
}

// JobRepository handles ingestion job CRUD operations.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a queued job for a document.
func (r *JobRepository) Create(ctx context.Context, documentID uuid.UUID, jobType JobType, metadata json.RawMessage) (*KnowledgeJob, error) {
	if documentID == uuid.Nil {
		return nil, validationErrorf("document_id", "document id is required")
	}
	if !jobType.Valid() {
		return nil, validationErrorf("job_type", "invalid job type %q", jobType)
	}

	job := &KnowledgeJob{
		ID:          uuid.New(),
		DocumentID:  documentID,
		JobType:     jobType,
		Status:      JobStatusQueued,
		JobMetadata: metadata,
		QueuedAt:    time.Now(),
	}
	query := `
		INSERT INTO knowledge_jobs (id, document_id, job_type, status, attempts, logs,
			error_message, job_metadata, queued_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.DocumentID, string(job.JobType), string(job.Status), job.Attempts,
		nullableJSONArg(job.Logs), job.ErrorMessage, nullableJSONArg(job.JobMetadata),
		job.QueuedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

const jobColumns = `id, document_id, job_type, status, attempts, logs,
			error_message, job_metadata, queued_at, started_at, finished_at`

func scanJob(scan func(dest ...interface{}) error) (*KnowledgeJob, error) {
	job := &KnowledgeJob{}
	var logs, metadata []byte
	err := scan(
		&job.ID, &job.DocumentID, &job.JobType, &job.Status, &job.Attempts, &logs,
		&job.ErrorMessage, &metadata, &job.QueuedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Logs = json.RawMessage(logs)
	job.JobMetadata = json.RawMessage(metadata)
	return job, nil
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*KnowledgeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM knowledge_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByDocument returns a document's jobs, most recently queued first.
func (r *JobRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*KnowledgeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM knowledge_jobs WHERE document_id = $1 ORDER BY queued_at DESC`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*KnowledgeJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus moves a job through its lifecycle. Moving to processing
// increments attempts and stamps started_at; completed and failed stamp
// finished_at. error_message is written only when non-empty. A non-empty
// logMessage appends a timestamped entry to the job's log array.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, errorMessage *string, logMessage string) error {
	if !status.Valid() {
		return validationErrorf("status", "invalid job status %q", status)
	}

	job, err := r.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = status
	switch status {
	case JobStatusProcessing:
		job.Attempts++
		job.StartedAt = &now
	case JobStatusCompleted, JobStatusFailed:
		job.FinishedAt = &now
	}
	if errorMessage != nil && *errorMessage != "" {
		job.ErrorMessage = errorMessage
	}
	if logMessage != "" {
		entries := append(job.LogEntries(), JobLogEntry{
			Timestamp: now.UTC().Format(time.RFC3339),
			Message:   logMessage,
			Status:    string(status),
		})
		raw, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		job.Logs = raw
	}

	query := `
		UPDATE knowledge_jobs SET
			status = $1, attempts = $2, logs = $3, error_message = $4, started_at = $5, finished_at = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		string(job.Status), job.Attempts, nullableJSONArg(job.Logs), job.ErrorMessage,
		job.StartedAt, job.FinishedAt, job.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AuditRepository appends and reads ingestion audit events.
type AuditRepository struct {
	db DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertBatch writes a batch of audit events.
func (r *AuditRepository) InsertBatch(ctx context.Context, events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query := `
		INSERT INTO knowledge_audit_events (id, client_id, event_type, knowledge_base_id,
			document_id, job_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, ev := range events {
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now()
		}
		if _, err := r.db.ExecContext(ctx, query,
			ev.ID, ev.ClientID, ev.EventType, ev.BaseID, ev.DocumentID, ev.JobID,
			jsonArg(ev.Payload, "{}"), ev.OccurredAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListRecent returns a client's latest audit events.
func (r *AuditRepository) ListRecent(ctx context.Context, clientID uuid.UUID, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, client_id, event_type, knowledge_base_id, document_id, job_id, payload, occurred_at
		FROM knowledge_audit_events
		WHERE client_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var payload []byte
		if err := rows.Scan(
			&ev.ID, &ev.ClientID, &ev.EventType, &ev.BaseID, &ev.DocumentID, &ev.JobID,
			&payload, &ev.OccurredAt,
		); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Repositories bundles all repositories together.
type Repositories struct {
	Bases     *KnowledgeBaseRepository
	Documents *DocumentRepository
	Chunks    *ChunkRepository
	Jobs      *JobRepository
	Audit     *AuditRepository
	Stats     *StatsRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Bases:     NewKnowledgeBaseRepository(db),
		Documents: NewDocumentRepository(db),
		Chunks:    NewChunkRepository(db),
		Jobs:      NewJobRepository(db),
		Audit:     NewAuditRepository(db),
		Stats:     NewStatsRepository(db),
	}
}
