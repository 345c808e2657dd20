// Package retrieval builds RAG context from knowledge bases for agents
// and for direct query callers.
package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// Defaults applied when neither the agent config nor the request sets a value.
const (
	DefaultTopK           = 5
	DefaultScoreThreshold = 0.35
)

// RuntimeContextKey is the runtime config key the retrieval payload is
// installed under.
const RuntimeContextKey = "__rag_context__"

// Agent is the surface the retriever needs from an agent. Config returns
// the stored configuration; RuntimeConfig returns the per-session overlay,
// which takes precedence when non-empty.
type Agent interface {
	Config() map[string]interface{}
	RuntimeConfig() map[string]interface{}
	SetRuntimeConfig(config map[string]interface{})
}

// Reference points one context section back at its source chunk.
type Reference struct {
	DocumentID      string                 `json:"document_id"`
	KnowledgeBaseID string                 `json:"knowledge_base_id"`
	Source          string                 `json:"source"`
	ChunkIndex      int                    `json:"chunk_index"`
	Score           float64                `json:"score"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// Context is the retrieval payload handed to agents and API callers.
type Context struct {
	Text       string      `json:"text"`
	References []Reference `json:"references"`
}

// Retriever fetches relevant chunks from configured knowledge bases.
type Retriever struct {
	logger   *observability.Logger
	embedder embedding.Client
	store    vectorstore.Store
}

// NewRetriever creates a retriever on top of an embedding client and a
// vector store.
func NewRetriever(logger *observability.Logger, embedder embedding.Client, store vectorstore.Store) *Retriever {
	return &Retriever{
		logger:   logger,
		embedder: embedder,
		store:    store,
	}
}

// ApplyContext retrieves context for the query from the agent's configured
// knowledge bases and installs it on the agent's runtime config under
// RuntimeContextKey. It returns nil when the agent has no usable bases, the
// query is blank, or nothing relevant is stored; the agent is left untouched
// in those cases.
func (r *Retriever) ApplyContext(ctx context.Context, db storage.DB, agent Agent, query string) (*Context, error) {
	config := effectiveConfig(agent)

	rawIDs := baseIDList(config["knowledge_base_ids"])
	if len(rawIDs) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	baseIDs := parseBaseIDs(rawIDs)
	if len(baseIDs) == 0 {
		r.logger.Warn().Interface("knowledge_base_ids", rawIDs).Msg("Agent has invalid knowledge_base_ids")
		return nil, nil
	}

	topK := intOrDefault(config["rag_top_k"], DefaultTopK)
	scoreThreshold := floatOrDefault(config["rag_score_threshold"], DefaultScoreThreshold)

	ragContext, err := r.Retrieve(ctx, db, baseIDs, query, topK, scoreThreshold)
	if err != nil || ragContext == nil {
		return nil, err
	}

	runtime := copyConfig(config)
	runtime[RuntimeContextKey] = map[string]interface{}{
		"text":       ragContext.Text,
		"references": referencePayload(ragContext.References),
	}
	agent.SetRuntimeConfig(runtime)

	return ragContext, nil
}

// Retrieve embeds the query, runs a similarity search across the given bases
// on the caller's database handle, and formats the matches into a context.
// It returns nil when the query is blank, no bases are given, or no chunk
// clears the score threshold.
func (r *Retriever) Retrieve(ctx context.Context, db storage.DB, baseIDs []uuid.UUID, query string, topK int, scoreThreshold float64) (*Context, error) {
	if len(baseIDs) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	embeddings, err := r.embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("generate query embedding: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		r.logger.Warn().Msg("Could not generate embeddings for query")
		return nil, nil
	}

	results, err := r.store.SimilaritySearch(ctx, db, baseIDs, embeddings[0], topK, scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	if len(results) == 0 {
		r.logger.Info().Str("query", query).Msg("No knowledge chunks found for query")
		return nil, nil
	}

	sections := make([]string, 0, len(results))
	references := make([]Reference, 0, len(results))
	for i, result := range results {
		label := sourceLabel(result.Metadata)
		section := fmt.Sprintf("[%d] %s\nSource: %s", i+1, strings.TrimSpace(result.Content), label)
		sections = append(sections, strings.TrimSpace(section))
		references = append(references, Reference{
			DocumentID:      result.DocumentID.String(),
			KnowledgeBaseID: result.KnowledgeBaseID.String(),
			Source:          label,
			ChunkIndex:      result.ChunkIndex,
			Score:           result.Score,
			Metadata:        result.Metadata,
		})
	}

	return &Context{
		Text:       strings.Join(sections, "\n\n"),
		References: references,
	}, nil
}

// effectiveConfig prefers the runtime config when the agent carries one.
func effectiveConfig(agent Agent) map[string]interface{} {
	if runtime := agent.RuntimeConfig(); len(runtime) > 0 {
		return runtime
	}
	if config := agent.Config(); config != nil {
		return config
	}
	return map[string]interface{}{}
}

// baseIDList normalizes the configured id list without parsing entries.
func baseIDList(value interface{}) []interface{} {
	switch list := value.(type) {
	case []interface{}:
		return list
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// parseBaseIDs keeps the entries that parse as UUIDs.
func parseBaseIDs(values []interface{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(values))
	for _, value := range values {
		id, err := uuid.Parse(strings.TrimSpace(fmt.Sprint(value)))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// sourceLabel picks the display label for a chunk's source.
func sourceLabel(metadata map[string]interface{}) string {
	for _, key := range []string{"source_url", "original_filename", "document_id"} {
		if value, ok := metadata[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return "knowledge-base"
}

// referencePayload converts references to plain maps so the installed
// runtime config stays JSON-shaped.
func referencePayload(references []Reference) []interface{} {
	payload := make([]interface{}, len(references))
	for i, ref := range references {
		payload[i] = map[string]interface{}{
			"document_id":       ref.DocumentID,
			"knowledge_base_id": ref.KnowledgeBaseID,
			"source":            ref.Source,
			"chunk_index":       ref.ChunkIndex,
			"score":             ref.Score,
			"metadata":          ref.Metadata,
		}
	}
	return payload
}

// copyConfig deep-copies nested maps and slices; scalar values copy as-is.
func copyConfig(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for key, value := range config {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return copyConfig(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}

// intOrDefault coerces numeric config values, falling back on def.
func intOrDefault(value interface{}, def int) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// floatOrDefault coerces float config values, falling back on def.
func floatOrDefault(value interface{}, def float64) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}
