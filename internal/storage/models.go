// Package storage provides database models and repositories for the knowledge core.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SourceType identifies how a document entered the system.
type SourceType string

const (
	SourceTypeUpload SourceType = "upload"
	SourceTypeText   SourceType = "text"
	SourceTypeURL    SourceType = "url"
)

// Valid reports whether the source type is one of the known values.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeUpload, SourceTypeText, SourceTypeURL:
		return true
	}
	return false
}

// DocumentStatus tracks a document through its ingestion lifecycle.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusError      DocumentStatus = "error"
)

// Valid reports whether the document status is one of the known values.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusProcessing, DocumentStatusReady, DocumentStatusError:
		return true
	}
	return false
}

// JobType identifies why an ingestion job was created.
type JobType string

const (
	JobTypeIngest    JobType = "ingest"
	JobTypeReprocess JobType = "reprocess"
)

// Valid reports whether the job type is one of the known values.
func (t JobType) Valid() bool {
	return t == JobTypeIngest || t == JobTypeReprocess
}

// JobStatus tracks an ingestion job through its lifecycle.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether the job status is one of the known values.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// KnowledgeBase is a tenant-scoped collection of documents sharing chunking
// and embedding settings.
type KnowledgeBase struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ClientID       uuid.UUID       `json:"client_id" db:"client_id"`
	Name           string          `json:"name" db:"name"`
	Description    *string         `json:"description,omitempty" db:"description"`
	Language       string          `json:"language" db:"language"`
	EmbeddingModel string          `json:"embedding_model" db:"embedding_model"`
	ChunkSize      int             `json:"chunk_size" db:"chunk_size"`
	ChunkOverlap   int             `json:"chunk_overlap" db:"chunk_overlap"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	Config         json.RawMessage `json:"config" db:"config"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty" db:"created_by"`
	UpdatedBy      *uuid.UUID      `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// KnowledgeDocument is a single source of content attached to a base.
type KnowledgeDocument struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	KnowledgeBaseID      uuid.UUID       `json:"knowledge_base_id" db:"knowledge_base_id"`
	ClientID             uuid.UUID       `json:"client_id" db:"client_id"`
	SourceType           SourceType      `json:"source_type" db:"source_type"`
	OriginalFilename     *string         `json:"original_filename,omitempty" db:"original_filename"`
	SourceURL            *string         `json:"source_url,omitempty" db:"source_url"`
	MimeType             *string         `json:"mime_type,omitempty" db:"mime_type"`
	StoragePath          *string         `json:"storage_path,omitempty" db:"storage_path"`
	Checksum             *string         `json:"checksum,omitempty" db:"checksum"`
	ContentPreview       *string         `json:"content_preview,omitempty" db:"content_preview"`
	ExtraMetadata        json.RawMessage `json:"extra_metadata" db:"extra_metadata"`
	Status               DocumentStatus  `json:"status" db:"status"`
	ErrorMessage         *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedBy            *uuid.UUID      `json:"created_by,omitempty" db:"created_by"`
	UpdatedBy            *uuid.UUID      `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	ProcessingStartedAt  *time.Time      `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingFinishedAt *time.Time      `json:"processing_finished_at,omitempty" db:"processing_finished_at"`
}

// Metadata decodes extra_metadata into a map. A missing or malformed blob
// yields an empty map.
func (d *KnowledgeDocument) Metadata() map[string]any {
	meta := map[string]any{}
	if len(d.ExtraMetadata) > 0 {
		_ = json.Unmarshal(d.ExtraMetadata, &meta)
	}
	return meta
}

// MetadataString returns the string value stored under key, or "".
func (d *KnowledgeDocument) MetadataString(key string) string {
	if v, ok := d.Metadata()[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetMetadataValue merges a single key into extra_metadata.
func (d *KnowledgeDocument) SetMetadataValue(key string, value any) {
	meta := d.Metadata()
	meta[key] = value
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	d.ExtraMetadata = raw
}

// RawText returns the inline text content for source_type "text".
func (d *KnowledgeDocument) RawText() string {
	return d.MetadataString("raw_text")
}

// SetLastProcessedAt stamps the last successful ingestion time.
func (d *KnowledgeDocument) SetLastProcessedAt(t time.Time) {
	d.SetMetadataValue("last_processed_at", t.UTC().Format(time.RFC3339))
}

// SetLastFetchedAt stamps the last URL fetch time.
func (d *KnowledgeDocument) SetLastFetchedAt(t time.Time) {
	d.SetMetadataValue("last_fetched_at", t.UTC().Format(time.RFC3339))
}

// KnowledgeChunk is one embedded window of document text. Tenant scope flows
// through the owning base.
type KnowledgeChunk struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	KnowledgeBaseID uuid.UUID       `json:"knowledge_base_id" db:"knowledge_base_id"`
	DocumentID      uuid.UUID       `json:"document_id" db:"document_id"`
	ChunkIndex      int             `json:"chunk_index" db:"chunk_index"`
	TokenCount      int             `json:"token_count" db:"token_count"`
	Content         string          `json:"content" db:"content"`
	ChunkMetadata   json.RawMessage `json:"chunk_metadata" db:"chunk_metadata"`
	Embedding       pgvector.Vector `json:"embedding" db:"embedding"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// JobLogEntry is one timestamped line in a job's log array.
type JobLogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

// KnowledgeJob records one ingestion attempt for a document.
type KnowledgeJob struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DocumentID   uuid.UUID       `json:"document_id" db:"document_id"`
	JobType      JobType         `json:"job_type" db:"job_type"`
	Status       JobStatus       `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	Logs         json.RawMessage `json:"logs" db:"logs"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	JobMetadata  json.RawMessage `json:"job_metadata,omitempty" db:"job_metadata"`
	QueuedAt     time.Time       `json:"queued_at" db:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// LogEntries decodes the job's log array. A missing or malformed blob
// yields nil.
func (j *KnowledgeJob) LogEntries() []JobLogEntry {
	if len(j.Logs) == 0 {
		return nil
	}
	var entries []JobLogEntry
	if err := json.Unmarshal(j.Logs, &entries); err != nil {
		return nil
	}
	return entries
}

// AuditEvent is one milestone in the ingestion or retrieval audit trail.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ClientID   uuid.UUID       `json:"client_id" db:"client_id"`
	EventType  string          `json:"event_type" db:"event_type"`
	BaseID     *uuid.UUID      `json:"knowledge_base_id,omitempty" db:"knowledge_base_id"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty" db:"document_id"`
	JobID      *uuid.UUID      `json:"job_id,omitempty" db:"job_id"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}
