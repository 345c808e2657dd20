package handlers

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/cmd/knowledge-api/middleware"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// Payload bounds shared with the original HTTP contract.
const (
	maxTextContentChars = 200000
	maxTitleChars       = 255
	maxDescriptionChars = 4000
	previewChars        = 4000
)

// DocumentHandlerDeps wires the document handler's collaborators.
type DocumentHandlerDeps struct {
	DB       *sql.DB
	Repos    *storage.Repositories
	Files    *filestore.Store
	Queue    queue.Queue
	Pipeline *ingest.Pipeline
	Store    vectorstore.Store
	Cache    *retrieval.ResponseCache

	MaxUploadSizeMB  int
	AllowedMimeTypes map[string]struct{}
}

// DocumentHandler handles document management requests.
type DocumentHandler struct {
	logger *observability.Logger
	deps   DocumentHandlerDeps
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(logger *observability.Logger, deps DocumentHandlerDeps) *DocumentHandler {
	return &DocumentHandler{
		logger: logger,
		deps:   deps,
	}
}

// DocumentDTO is the wire form of a knowledge document.
type DocumentDTO struct {
	ID                   string                 `json:"id"`
	KnowledgeBaseID      string                 `json:"knowledgeBaseId"`
	ClientID             string                 `json:"clientId"`
	SourceType           string                 `json:"sourceType"`
	OriginalFilename     *string                `json:"originalFilename,omitempty"`
	SourceURL            *string                `json:"sourceUrl,omitempty"`
	MimeType             *string                `json:"mimeType,omitempty"`
	Checksum             *string                `json:"checksum,omitempty"`
	ContentPreview       *string                `json:"contentPreview,omitempty"`
	Metadata             map[string]interface{} `json:"metadata"`
	Status               string                 `json:"status"`
	ErrorMessage         *string                `json:"errorMessage,omitempty"`
	CreatedAt            string                 `json:"createdAt"`
	UpdatedAt            string                 `json:"updatedAt"`
	ProcessingStartedAt  *string                `json:"processingStartedAt,omitempty"`
	ProcessingFinishedAt *string                `json:"processingFinishedAt,omitempty"`
}

// CreateTextDocumentDTO carries the POST .../documents/text payload.
type CreateTextDocumentDTO struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// CreateURLDocumentDTO carries the POST .../documents/url payload.
type CreateURLDocumentDTO struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Upload handles POST /knowledge-bases/{baseId}/documents/upload. The base
// is checked before the payload so a missing base reads as 404 regardless
// of what was sent.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kb, ok := h.loadBase(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", err.Error())
		return
	}
	defer file.Close()

	maxBytes := int64(h.deps.MaxUploadSizeMB) * 1024 * 1024
	contents, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file", err.Error())
		return
	}
	if len(contents) == 0 {
		writeError(w, http.StatusBadRequest, "Uploaded file is empty", "")
		return
	}
	if int64(len(contents)) > maxBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("File exceeds %dMB limit", h.deps.MaxUploadSizeMB), "")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if len(h.deps.AllowedMimeTypes) > 0 {
		if _, ok := h.deps.AllowedMimeTypes[mimeType]; !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("MIME type %s is not allowed", mimeType), "")
			return
		}
	}

	description := strings.TrimSpace(r.FormValue("description"))
	if len([]rune(description)) > maxDescriptionChars {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("description exceeds %d characters", maxDescriptionChars), "")
		return
	}

	metadata := map[string]interface{}{}
	if description != "" {
		metadata["description"] = description
	}

	filename := header.Filename
	if filename == "" {
		filename = "document"
	}

	sum := sha256.Sum256(contents)
	checksum := hex.EncodeToString(sum[:])

	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID:  kb.ID,
		ClientID:         kb.ClientID,
		SourceType:       storage.SourceTypeUpload,
		OriginalFilename: &filename,
		MimeType:         &mimeType,
		Checksum:         &checksum,
		ContentPreview:   optionalString(description),
		CreatedBy:        middleware.UserIDFromContext(ctx),
	}
	if err := setMetadata(doc, metadata); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode metadata", err.Error())
		return
	}

	if err := h.deps.Repos.Documents.Create(ctx, doc); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create document")
		writeError(w, http.StatusInternalServerError, "failed to create document", err.Error())
		return
	}

	path, err := h.deps.Files.SaveUpload(kb.ClientID, kb.ID, doc.ID, filename, contents)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to persist upload")
		writeError(w, http.StatusInternalServerError, "failed to persist upload", err.Error())
		return
	}
	doc.StoragePath = &path
	if err := h.deps.Repos.Documents.Update(ctx, doc); err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to record storage path")
		writeError(w, http.StatusInternalServerError, "failed to update document", err.Error())
		return
	}

	h.scheduleIngestion(ctx, doc, storage.JobTypeIngest)
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// AddText handles POST /knowledge-bases/{baseId}/documents/text.
func (h *DocumentHandler) AddText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kb, ok := h.loadBase(w, r)
	if !ok {
		return
	}

	var reqDTO CreateTextDocumentDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if reqDTO.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required", "")
		return
	}
	if len([]rune(reqDTO.Content)) > maxTextContentChars {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("content exceeds %d characters", maxTextContentChars), "")
		return
	}
	if len([]rune(reqDTO.Title)) > maxTitleChars {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("title exceeds %d characters", maxTitleChars), "")
		return
	}

	// The full text rides along in metadata so the document row is
	// self-describing even if the storage file goes missing.
	metadata := map[string]interface{}{"raw_text": reqDTO.Content}
	if reqDTO.Title != "" {
		metadata["title"] = reqDTO.Title
	}

	mimeType := "text/plain"
	preview := truncateRunes(reqDTO.Content, previewChars)
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeText,
		MimeType:        &mimeType,
		ContentPreview:  &preview,
		CreatedBy:       middleware.UserIDFromContext(ctx),
	}
	if err := setMetadata(doc, metadata); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode metadata", err.Error())
		return
	}

	if err := h.deps.Repos.Documents.Create(ctx, doc); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create document")
		writeError(w, http.StatusInternalServerError, "failed to create document", err.Error())
		return
	}

	path, err := h.deps.Files.SaveText(kb.ClientID, kb.ID, doc.ID, reqDTO.Content, ".txt")
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to persist text content")
		writeError(w, http.StatusInternalServerError, "failed to persist text content", err.Error())
		return
	}
	doc.StoragePath = &path
	if err := h.deps.Repos.Documents.Update(ctx, doc); err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to record storage path")
		writeError(w, http.StatusInternalServerError, "failed to update document", err.Error())
		return
	}

	h.scheduleIngestion(ctx, doc, storage.JobTypeIngest)
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// AddURL handles POST /knowledge-bases/{baseId}/documents/url. The page
// itself is fetched during ingestion; only a small stub describing the URL
// is written here.
func (h *DocumentHandler) AddURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kb, ok := h.loadBase(w, r)
	if !ok {
		return
	}

	var reqDTO CreateURLDocumentDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	parsed, err := url.Parse(strings.TrimSpace(reqDTO.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be a valid http(s) URL", "")
		return
	}
	if len([]rune(reqDTO.Description)) > maxDescriptionChars {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("description exceeds %d characters", maxDescriptionChars), "")
		return
	}

	sourceURL := parsed.String()
	metadata := map[string]interface{}{}
	if reqDTO.Description != "" {
		metadata["description"] = reqDTO.Description
	}

	mimeType := "text/html"
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeURL,
		SourceURL:       &sourceURL,
		MimeType:        &mimeType,
		ContentPreview:  optionalString(reqDTO.Description),
		CreatedBy:       middleware.UserIDFromContext(ctx),
	}
	if err := setMetadata(doc, metadata); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode metadata", err.Error())
		return
	}

	if err := h.deps.Repos.Documents.Create(ctx, doc); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create document")
		writeError(w, http.StatusInternalServerError, "failed to create document", err.Error())
		return
	}

	// A stub is written for inspection; the document's storage path is set
	// later, when ingestion fetches the page.
	stub := fmt.Sprintf("URL: %s\nDescription: %s", sourceURL, reqDTO.Description)
	if _, err := h.deps.Files.SaveText(kb.ClientID, kb.ID, doc.ID, stub, ".meta.txt"); err != nil {
		h.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to write URL stub file")
	}

	h.scheduleIngestion(ctx, doc, storage.JobTypeIngest)
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// List handles GET /knowledge-bases/{baseId}/documents.
func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kb, ok := h.loadBase(w, r)
	if !ok {
		return
	}

	var status *storage.DocumentStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed := storage.DocumentStatus(raw)
		if !parsed.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status filter", "")
			return
		}
		status = &parsed
	}

	skip, limit := listParams(r)
	docs, err := h.deps.Repos.Documents.ListByBase(ctx, kb.ID, status, skip, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("knowledge_base_id", kb.ID.String()).Msg("Failed to list documents")
		writeError(w, http.StatusInternalServerError, "failed to list documents", err.Error())
		return
	}

	dtos := make([]*DocumentDTO, 0, len(docs))
	for _, doc := range docs {
		dtos = append(dtos, toDocumentDTO(doc))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Get handles GET /documents/{documentId}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.loadDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// Reprocess handles POST /documents/{documentId}/reprocess. The document
// returns to pending and a new job is queued.
func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	documentID, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id", "")
		return
	}

	if _, err := h.deps.Pipeline.Reprocess(ctx, documentID, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge document not found", "")
			return
		}
		h.logger.Error().Err(err).Str("document_id", documentID.String()).Msg("Failed to queue reprocess")
		writeError(w, http.StatusInternalServerError, "failed to reprocess document", err.Error())
		return
	}

	doc, err := h.deps.Repos.Documents.GetByID(ctx, documentID, clientID)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", documentID.String()).Msg("Failed to reload document")
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// Delete handles DELETE /documents/{documentId}: chunks leave the vector
// store, stored files are removed, then the row goes.
func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	doc, ok := h.loadDocument(w, r)
	if !ok {
		return
	}

	chunkIDs, err := h.deps.Repos.Chunks.ListIDsByDocument(ctx, doc.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to list document chunks")
		writeError(w, http.StatusInternalServerError, "failed to delete document", err.Error())
		return
	}
	if len(chunkIDs) > 0 {
		if err := h.deps.Store.DeleteChunks(ctx, h.deps.DB, chunkIDs); err != nil {
			h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to delete document chunks")
			writeError(w, http.StatusInternalServerError, "failed to delete document", err.Error())
			return
		}
	}

	if err := h.deps.Files.Remove(doc.ClientID, doc.KnowledgeBaseID, doc.ID); err != nil {
		h.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to remove stored files")
	}

	if err := h.deps.Repos.Documents.Delete(ctx, doc.ID, clientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge document not found", "")
			return
		}
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to delete document")
		writeError(w, http.StatusInternalServerError, "failed to delete document", err.Error())
		return
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.InvalidateBase(ctx, doc.ClientID, doc.KnowledgeBaseID); err != nil {
			h.logger.Warn().Err(err).Str("knowledge_base_id", doc.KnowledgeBaseID.String()).Msg("Failed to invalidate retrieval cache")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// loadBase resolves {baseId} and checks tenant ownership, writing the
// error response itself when the base cannot be used.
func (h *DocumentHandler) loadBase(w http.ResponseWriter, r *http.Request) (*storage.KnowledgeBase, bool) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	baseID, err := uuid.Parse(chi.URLParam(r, "baseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid knowledge base id", "")
		return nil, false
	}

	kb, err := h.deps.Repos.Bases.GetByID(ctx, baseID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge base not found", "")
			return nil, false
		}
		h.logger.Error().Err(err).Str("knowledge_base_id", baseID.String()).Msg("Failed to load knowledge base")
		writeError(w, http.StatusInternalServerError, "failed to load knowledge base", err.Error())
		return nil, false
	}
	return kb, true
}

// loadDocument resolves {documentId} scoped to the caller.
func (h *DocumentHandler) loadDocument(w http.ResponseWriter, r *http.Request) (*storage.KnowledgeDocument, bool) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	documentID, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id", "")
		return nil, false
	}

	doc, err := h.deps.Repos.Documents.GetByID(ctx, documentID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge document not found", "")
			return nil, false
		}
		h.logger.Error().Err(err).Str("document_id", documentID.String()).Msg("Failed to load document")
		writeError(w, http.StatusInternalServerError, "failed to load document", err.Error())
		return nil, false
	}
	return doc, true
}

// scheduleIngestion creates the job and hands it to the queue. Failures are
// logged rather than surfaced; the document row already exists and can be
// reprocessed later.
func (h *DocumentHandler) scheduleIngestion(ctx context.Context, doc *storage.KnowledgeDocument, jobType storage.JobType) {
	job, err := h.deps.Repos.Jobs.Create(ctx, doc.ID, jobType, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("Failed to create ingestion job")
		return
	}
	if h.deps.Queue == nil {
		return
	}
	if err := h.deps.Queue.Enqueue(ctx, queue.Task{DocumentID: doc.ID, JobID: job.ID}); err != nil {
		h.logger.Error().
			Err(err).
			Str("document_id", doc.ID.String()).
			Str("job_id", job.ID.String()).
			Msg("Failed to enqueue ingestion task")
	}
}

func toDocumentDTO(doc *storage.KnowledgeDocument) *DocumentDTO {
	dto := &DocumentDTO{
		ID:               doc.ID.String(),
		KnowledgeBaseID:  doc.KnowledgeBaseID.String(),
		ClientID:         doc.ClientID.String(),
		SourceType:       string(doc.SourceType),
		OriginalFilename: doc.OriginalFilename,
		SourceURL:        doc.SourceURL,
		MimeType:         doc.MimeType,
		Checksum:         doc.Checksum,
		ContentPreview:   doc.ContentPreview,
		Metadata:         doc.Metadata(),
		Status:           string(doc.Status),
		ErrorMessage:     doc.ErrorMessage,
		CreatedAt:        doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        doc.UpdatedAt.Format(time.RFC3339),
	}
	if dto.Metadata == nil {
		dto.Metadata = map[string]interface{}{}
	}
	if doc.ProcessingStartedAt != nil {
		s := doc.ProcessingStartedAt.Format(time.RFC3339)
		dto.ProcessingStartedAt = &s
	}
	if doc.ProcessingFinishedAt != nil {
		s := doc.ProcessingFinishedAt.Format(time.RFC3339)
		dto.ProcessingFinishedAt = &s
	}
	return dto
}

func setMetadata(doc *storage.KnowledgeDocument, metadata map[string]interface{}) error {
	if len(metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	doc.ExtraMetadata = data
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
