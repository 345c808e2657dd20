package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/cmd/knowledge-api/middleware"
	"github.com/archon-ai/knowledge-core/internal/monitoring"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// RetrievalHandler handles knowledge retrieval requests.
type RetrievalHandler struct {
	logger    *observability.Logger
	db        *sql.DB
	retriever *retrieval.Retriever
	cache     *retrieval.ResponseCache
	audit     *monitoring.AuditWriter

	defaultTopK      int
	defaultThreshold float64
}

// NewRetrievalHandler creates a new retrieval handler. cache and audit may
// be nil; defaults at zero fall back to the retrieval package defaults.
func NewRetrievalHandler(
	logger *observability.Logger,
	db *sql.DB,
	retriever *retrieval.Retriever,
	cache *retrieval.ResponseCache,
	audit *monitoring.AuditWriter,
	defaultTopK int,
	defaultThreshold float64,
) *RetrievalHandler {
	if defaultTopK <= 0 {
		defaultTopK = retrieval.DefaultTopK
	}
	if defaultThreshold <= 0 {
		defaultThreshold = retrieval.DefaultScoreThreshold
	}
	return &RetrievalHandler{
		logger:           logger,
		db:               db,
		retriever:        retriever,
		cache:            cache,
		audit:            audit,
		defaultTopK:      defaultTopK,
		defaultThreshold: defaultThreshold,
	}
}

// QueryRequestDTO represents the API request for retrieval.
type QueryRequestDTO struct {
	Query            string   `json:"query"`
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
	TopK             int      `json:"topK,omitempty"`
	ScoreThreshold   float64  `json:"scoreThreshold,omitempty"`
}

// QueryResponseDTO represents the API response.
type QueryResponseDTO struct {
	Context    string         `json:"context"`
	References []ReferenceDTO `json:"references"`
	Cached     bool           `json:"cached"`
}

// ReferenceDTO identifies one chunk behind the assembled context.
type ReferenceDTO struct {
	DocumentID      string                 `json:"documentId"`
	KnowledgeBaseID string                 `json:"knowledgeBaseId"`
	Source          string                 `json:"source"`
	ChunkIndex      int                    `json:"chunkIndex"`
	Score           float64                `json:"score"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Query handles POST /retrieval/query.
func (h *RetrievalHandler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.ClientIDFromContext(ctx)

	// Parse request body
	var reqDTO QueryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	// Validate required fields
	query := strings.TrimSpace(reqDTO.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required", "")
		return
	}
	if len(reqDTO.KnowledgeBaseIDs) == 0 {
		writeError(w, http.StatusBadRequest, "knowledgeBaseIds is required", "")
		return
	}

	baseIDs := make([]uuid.UUID, 0, len(reqDTO.KnowledgeBaseIDs))
	for _, raw := range reqDTO.KnowledgeBaseIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid knowledge base id: %s", raw), "")
			return
		}
		baseIDs = append(baseIDs, id)
	}

	// Drop base ids the tenant does not own before touching the vector
	// store. Injected foreign ids fall out here, not at search time.
	baseIDs, err := storage.NewKnowledgeBaseRepository(h.db).FilterOwnedIDs(ctx, clientID, baseIDs)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to resolve knowledge base ownership")
		writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}
	if len(baseIDs) == 0 {
		writeJSON(w, http.StatusOK, toQueryResponseDTO(nil, false))
		return
	}

	// Set defaults
	topK := reqDTO.TopK
	if topK <= 0 {
		topK = h.defaultTopK
	}
	threshold := reqDTO.ScoreThreshold
	if threshold <= 0 {
		threshold = h.defaultThreshold
	}

	// Consult the cache before hitting the vector store
	var cacheKey string
	if h.cache != nil {
		cacheKey = h.cache.CacheKey(clientID, baseIDs, query, topK, threshold)
		if cached, ok := h.cache.Get(ctx, cacheKey); ok {
			writeJSON(w, http.StatusOK, toQueryResponseDTO(cached, true))
			return
		}
	}

	result, err := h.retriever.Retrieve(ctx, h.db, baseIDs, query, topK, threshold)
	if err != nil {
		h.logger.Error().Err(err).Msg("Retrieval query failed")
		writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}

	if result != nil && h.cache != nil {
		if err := h.cache.Set(ctx, cacheKey, result); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to cache retrieval response")
		}
	}

	// Record audit event
	if h.audit != nil && result != nil {
		if err := h.audit.RecordRetrieval(ctx, clientID, baseIDs, query, len(result.References)); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to record retrieval audit event")
		}
	}

	writeJSON(w, http.StatusOK, toQueryResponseDTO(result, false))
}

// toQueryResponseDTO converts a retrieval context to the wire form. A nil
// context becomes an empty response, not an error.
func toQueryResponseDTO(ragContext *retrieval.Context, cached bool) *QueryResponseDTO {
	dto := &QueryResponseDTO{References: []ReferenceDTO{}, Cached: cached}
	if ragContext == nil {
		return dto
	}

	dto.Context = ragContext.Text
	for _, ref := range ragContext.References {
		dto.References = append(dto.References, ReferenceDTO{
			DocumentID:      ref.DocumentID,
			KnowledgeBaseID: ref.KnowledgeBaseID,
			Source:          ref.Source,
			ChunkIndex:      ref.ChunkIndex,
			Score:           ref.Score,
			Metadata:        ref.Metadata,
		})
	}
	return dto
}
