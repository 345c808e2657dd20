package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/cmd/knowledge-api/middleware"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// BaseHandler handles knowledge base management requests.
type BaseHandler struct {
	logger *observability.Logger
	repos  *storage.Repositories
}

// NewBaseHandler creates a new knowledge base handler.
func NewBaseHandler(logger *observability.Logger, repos *storage.Repositories) *BaseHandler {
	return &BaseHandler{
		logger: logger,
		repos:  repos,
	}
}

// KnowledgeBaseDTO is the wire form of a knowledge base.
type KnowledgeBaseDTO struct {
	ID             string                 `json:"id"`
	ClientID       string                 `json:"clientId"`
	Name           string                 `json:"name"`
	Description    *string                `json:"description,omitempty"`
	Language       string                 `json:"language"`
	EmbeddingModel string                 `json:"embeddingModel"`
	ChunkSize      int                    `json:"chunkSize"`
	ChunkOverlap   int                    `json:"chunkOverlap"`
	IsActive       bool                   `json:"isActive"`
	Config         map[string]interface{} `json:"config"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

// CreateBaseDTO carries the POST /knowledge-bases payload.
type CreateBaseDTO struct {
	Name           string                 `json:"name"`
	Description    *string                `json:"description,omitempty"`
	Language       string                 `json:"language,omitempty"`
	EmbeddingModel string                 `json:"embeddingModel,omitempty"`
	ChunkSize      int                    `json:"chunkSize,omitempty"`
	ChunkOverlap   int                    `json:"chunkOverlap,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// UpdateBaseDTO carries the PATCH payload. Nil fields stay unchanged.
type UpdateBaseDTO struct {
	Name           *string                `json:"name,omitempty"`
	Description    *string                `json:"description,omitempty"`
	Language       *string                `json:"language,omitempty"`
	EmbeddingModel *string                `json:"embeddingModel,omitempty"`
	ChunkSize      *int                   `json:"chunkSize,omitempty"`
	ChunkOverlap   *int                   `json:"chunkOverlap,omitempty"`
	IsActive       *bool                  `json:"isActive,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// Create handles POST /knowledge-bases.
func (h *BaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	var reqDTO CreateBaseDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	kb := &storage.KnowledgeBase{
		ClientID:       clientID,
		Name:           reqDTO.Name,
		Description:    reqDTO.Description,
		Language:       reqDTO.Language,
		EmbeddingModel: reqDTO.EmbeddingModel,
		ChunkSize:      reqDTO.ChunkSize,
		ChunkOverlap:   reqDTO.ChunkOverlap,
		CreatedBy:      middleware.UserIDFromContext(ctx),
	}
	if reqDTO.Config != nil {
		data, err := json.Marshal(reqDTO.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid config", err.Error())
			return
		}
		kb.Config = data
	}

	if err := h.repos.Bases.Create(ctx, kb); err != nil {
		var verr *storage.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error(), "")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to create knowledge base")
		writeError(w, http.StatusInternalServerError, "failed to create knowledge base", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toBaseDTO(kb))
}

// List handles GET /knowledge-bases.
func (h *BaseHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	skip, limit := listParams(r)
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	bases, err := h.repos.Bases.List(ctx, clientID, search, skip, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list knowledge bases")
		writeError(w, http.StatusInternalServerError, "failed to list knowledge bases", err.Error())
		return
	}

	dtos := make([]*KnowledgeBaseDTO, 0, len(bases))
	for _, kb := range bases {
		dtos = append(dtos, toBaseDTO(kb))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Get handles GET /knowledge-bases/{baseId}.
func (h *BaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	baseID, err := uuid.Parse(chi.URLParam(r, "baseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid knowledge base id", "")
		return
	}

	kb, err := h.repos.Bases.GetByID(ctx, baseID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge base not found", "")
			return
		}
		h.logger.Error().Err(err).Str("knowledge_base_id", baseID.String()).Msg("Failed to load knowledge base")
		writeError(w, http.StatusInternalServerError, "failed to load knowledge base", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toBaseDTO(kb))
}

// Update handles PATCH /knowledge-bases/{baseId}.
func (h *BaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	baseID, err := uuid.Parse(chi.URLParam(r, "baseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid knowledge base id", "")
		return
	}

	var reqDTO UpdateBaseDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	upd := storage.KnowledgeBaseUpdate{
		Name:           reqDTO.Name,
		Description:    reqDTO.Description,
		Language:       reqDTO.Language,
		EmbeddingModel: reqDTO.EmbeddingModel,
		ChunkSize:      reqDTO.ChunkSize,
		ChunkOverlap:   reqDTO.ChunkOverlap,
		IsActive:       reqDTO.IsActive,
		UpdatedBy:      middleware.UserIDFromContext(ctx),
	}
	if reqDTO.Config != nil {
		data, err := json.Marshal(reqDTO.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid config", err.Error())
			return
		}
		upd.Config = data
	}

	kb, err := h.repos.Bases.Update(ctx, baseID, clientID, upd)
	if err != nil {
		var verr *storage.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error(), "")
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge base not found", "")
			return
		}
		h.logger.Error().Err(err).Str("knowledge_base_id", baseID.String()).Msg("Failed to update knowledge base")
		writeError(w, http.StatusInternalServerError, "failed to update knowledge base", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toBaseDTO(kb))
}

// Stats handles GET /knowledge-bases/{baseId}/stats. It reports document
// counts by status, chunk totals and job health for one base.
func (h *BaseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	baseID, err := uuid.Parse(chi.URLParam(r, "baseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid knowledge base id", "")
		return
	}

	stats, err := h.repos.Stats.BaseStats(ctx, baseID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge base not found", "")
			return
		}
		h.logger.Error().Err(err).Str("knowledge_base_id", baseID.String()).Msg("Failed to compute knowledge base stats")
		writeError(w, http.StatusInternalServerError, "failed to compute knowledge base stats", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Archive handles DELETE /knowledge-bases/{baseId}. Bases are archived
// rather than deleted so their documents remain recoverable.
func (h *BaseHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	baseID, err := uuid.Parse(chi.URLParam(r, "baseId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid knowledge base id", "")
		return
	}

	if err := h.repos.Bases.Archive(ctx, baseID, clientID, middleware.UserIDFromContext(ctx)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Knowledge base not found", "")
			return
		}
		h.logger.Error().Err(err).Str("knowledge_base_id", baseID.String()).Msg("Failed to archive knowledge base")
		writeError(w, http.StatusInternalServerError, "failed to archive knowledge base", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toBaseDTO(kb *storage.KnowledgeBase) *KnowledgeBaseDTO {
	dto := &KnowledgeBaseDTO{
		ID:             kb.ID.String(),
		ClientID:       kb.ClientID.String(),
		Name:           kb.Name,
		Description:    kb.Description,
		Language:       kb.Language,
		EmbeddingModel: kb.EmbeddingModel,
		ChunkSize:      kb.ChunkSize,
		ChunkOverlap:   kb.ChunkOverlap,
		IsActive:       kb.IsActive,
		Config:         map[string]interface{}{},
		CreatedAt:      kb.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      kb.UpdatedAt.Format(time.RFC3339),
	}
	if len(kb.Config) > 0 {
		var config map[string]interface{}
		if err := json.Unmarshal(kb.Config, &config); err == nil && config != nil {
			dto.Config = config
		}
	}
	return dto
}
