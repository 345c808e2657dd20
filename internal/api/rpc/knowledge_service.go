// Package rpc provides the Connect service surface for service-to-service
// callers: retrieval queries and ingestion status lookups.
package rpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/monitoring"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// Procedure paths for the knowledge service. Connect clients POST to these
// paths on the API server.
const (
	QueryProcedure        = "/knowledge.v1.KnowledgeService/Query"
	IngestStatusProcedure = "/knowledge.v1.KnowledgeService/IngestStatus"
)

// KnowledgeService implements the Connect knowledge service.
type KnowledgeService struct {
	logger    *observability.Logger
	db        *sql.DB
	repos     *storage.Repositories
	retriever *retrieval.Retriever
	cache     *retrieval.ResponseCache
	audit     *monitoring.AuditWriter

	defaultTopK      int
	defaultThreshold float64
}

// NewKnowledgeService creates a new knowledge service. cache and audit may
// be nil; defaults at zero fall back to the retrieval package defaults.
func NewKnowledgeService(
	logger *observability.Logger,
	db *sql.DB,
	repos *storage.Repositories,
	retriever *retrieval.Retriever,
	cache *retrieval.ResponseCache,
	audit *monitoring.AuditWriter,
	defaultTopK int,
	defaultThreshold float64,
) *KnowledgeService {
	if logger == nil {
		logger = observability.Nop()
	}
	if defaultTopK <= 0 {
		defaultTopK = retrieval.DefaultTopK
	}
	if defaultThreshold <= 0 {
		defaultThreshold = retrieval.DefaultScoreThreshold
	}
	return &KnowledgeService{
		logger:           logger,
		db:               db,
		repos:            repos,
		retriever:        retriever,
		cache:            cache,
		audit:            audit,
		defaultTopK:      defaultTopK,
		defaultThreshold: defaultThreshold,
	}
}

// Handlers returns the Connect handlers keyed by procedure path, ready to
// mount on an HTTP router.
func (s *KnowledgeService) Handlers() map[string]http.Handler {
	return map[string]http.Handler{
		QueryProcedure:        connect.NewUnaryHandler(QueryProcedure, s.Query),
		IngestStatusProcedure: connect.NewUnaryHandler(IngestStatusProcedure, s.IngestStatus),
	}
}

// QueryRequest is the Connect request message for retrieval queries.
type QueryRequest struct {
	ClientID         string   `json:"client_id"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	Query            string   `json:"query"`
	TopK             int32    `json:"top_k,omitempty"`
	ScoreThreshold   float64  `json:"score_threshold,omitempty"`
}

// QueryResponse is the Connect response message for retrieval queries.
type QueryResponse struct {
	Context    string       `json:"context"`
	References []*Reference `json:"references"`
	Cached     bool         `json:"cached"`
}

// Reference identifies one chunk backing the assembled context.
type Reference struct {
	DocumentID      string            `json:"document_id"`
	KnowledgeBaseID string            `json:"knowledge_base_id"`
	Source          string            `json:"source"`
	ChunkIndex      int32             `json:"chunk_index"`
	Score           float64           `json:"score"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IngestStatusRequest is the Connect request message for status lookups.
type IngestStatusRequest struct {
	ClientID   string `json:"client_id"`
	DocumentID string `json:"document_id"`
}

// IngestStatusResponse reports a document's ingestion state together with
// its most recent job.
type IngestStatusResponse struct {
	Document   *Document `json:"document"`
	LatestJob  *Job      `json:"latest_job,omitempty"`
	ChunkCount int32     `json:"chunk_count"`
}

// Document is the wire form of a knowledge document.
type Document struct {
	ID               string `json:"id"`
	KnowledgeBaseID  string `json:"knowledge_base_id"`
	SourceType       string `json:"source_type"`
	OriginalFilename string `json:"original_filename,omitempty"`
	SourceURL        string `json:"source_url,omitempty"`
	MimeType         string `json:"mime_type,omitempty"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// Job is the wire form of an ingestion job.
type Job struct {
	ID           string `json:"id"`
	JobType      string `json:"job_type"`
	Status       string `json:"status"`
	Attempts     int32  `json:"attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
	QueuedAt     string `json:"queued_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// Query handles Connect retrieval queries.
func (s *KnowledgeService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[QueryResponse], error) {
	msg := req.Msg

	// Validate required fields
	if msg.ClientID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("client_id is required"))
	}
	if strings.TrimSpace(msg.Query) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}
	if len(msg.KnowledgeBaseIDs) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("knowledge_base_ids is required"))
	}

	clientID, err := uuid.Parse(msg.ClientID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid client_id format"))
	}

	// Parse base IDs, dropping malformed entries
	var baseIDs []uuid.UUID
	for _, raw := range msg.KnowledgeBaseIDs {
		if id, err := uuid.Parse(strings.TrimSpace(raw)); err == nil {
			baseIDs = append(baseIDs, id)
		}
	}
	if len(baseIDs) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("no valid knowledge_base_ids"))
	}

	// Drop base ids the tenant does not own before touching the vector
	// store. Injected foreign ids fall out here, not at search time.
	baseIDs, err = s.repos.Bases.FilterOwnedIDs(ctx, clientID, baseIDs)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve knowledge base ownership")
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("resolve base ownership: %w", err))
	}
	if len(baseIDs) == 0 {
		return connect.NewResponse(toQueryResponse(nil, false)), nil
	}

	query := strings.TrimSpace(msg.Query)

	// Set defaults
	topK := int(msg.TopK)
	if topK <= 0 {
		topK = s.defaultTopK
	}
	threshold := msg.ScoreThreshold
	if threshold <= 0 {
		threshold = s.defaultThreshold
	}

	// Consult the cache before hitting the vector store
	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.CacheKey(clientID, baseIDs, query, topK, threshold)
		if cached, ok := s.cache.Get(ctx, cacheKey); ok {
			return connect.NewResponse(toQueryResponse(cached, true)), nil
		}
	}

	result, err := s.retriever.Retrieve(ctx, s.db, baseIDs, query, topK, threshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retrieval query failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	if result != nil && s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, result); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to cache retrieval response")
		}
	}

	// Record audit event
	if s.audit != nil && result != nil {
		if err := s.audit.RecordRetrieval(ctx, clientID, baseIDs, query, len(result.References)); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record retrieval audit event")
		}
	}

	return connect.NewResponse(toQueryResponse(result, false)), nil
}

// IngestStatus reports a document's ingestion progress.
func (s *KnowledgeService) IngestStatus(ctx context.Context, req *connect.Request[IngestStatusRequest]) (*connect.Response[IngestStatusResponse], error) {
	msg := req.Msg

	if msg.ClientID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("client_id is required"))
	}
	if msg.DocumentID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("document_id is required"))
	}

	clientID, err := uuid.Parse(msg.ClientID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid client_id format"))
	}
	documentID, err := uuid.Parse(msg.DocumentID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("invalid document_id format"))
	}

	doc, err := s.repos.Documents.GetByID(ctx, documentID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, errors.New("document not found"))
		}
		s.logger.Error().Err(err).Str("document_id", documentID.String()).Msg("Failed to load document")
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("load document: %w", err))
	}

	chunkCount, err := s.repos.Chunks.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("count chunks: %w", err))
	}

	jobs, err := s.repos.Jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("list jobs: %w", err))
	}

	resp := &IngestStatusResponse{
		Document:   toDocument(doc),
		ChunkCount: int32(chunkCount),
	}
	if len(jobs) > 0 {
		resp.LatestJob = toJob(jobs[0])
	}

	return connect.NewResponse(resp), nil
}

// toQueryResponse converts a retrieval context to the wire form. A nil
// context becomes an empty response rather than an error.
func toQueryResponse(ragContext *retrieval.Context, cached bool) *QueryResponse {
	resp := &QueryResponse{References: []*Reference{}, Cached: cached}
	if ragContext == nil {
		return resp
	}

	resp.Context = ragContext.Text
	for _, ref := range ragContext.References {
		metadata := make(map[string]string)
		for k, v := range ref.Metadata {
			if str, ok := v.(string); ok {
				metadata[k] = str
			}
		}
		resp.References = append(resp.References, &Reference{
			DocumentID:      ref.DocumentID,
			KnowledgeBaseID: ref.KnowledgeBaseID,
			Source:          ref.Source,
			ChunkIndex:      int32(ref.ChunkIndex),
			Score:           ref.Score,
			Metadata:        metadata,
		})
	}
	return resp
}

func toDocument(doc *storage.KnowledgeDocument) *Document {
	out := &Document{
		ID:              doc.ID.String(),
		KnowledgeBaseID: doc.KnowledgeBaseID.String(),
		SourceType:      string(doc.SourceType),
		Status:          string(doc.Status),
		CreatedAt:       doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.OriginalFilename != nil {
		out.OriginalFilename = *doc.OriginalFilename
	}
	if doc.SourceURL != nil {
		out.SourceURL = *doc.SourceURL
	}
	if doc.MimeType != nil {
		out.MimeType = *doc.MimeType
	}
	if doc.ErrorMessage != nil {
		out.ErrorMessage = *doc.ErrorMessage
	}
	return out
}

func toJob(job *storage.KnowledgeJob) *Job {
	out := &Job{
		ID:       job.ID.String(),
		JobType:  string(job.JobType),
		Status:   string(job.Status),
		Attempts: int32(job.Attempts),
		QueuedAt: job.QueuedAt.Format(time.RFC3339),
	}
	if job.ErrorMessage != nil {
		out.ErrorMessage = *job.ErrorMessage
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		out.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return out
}
