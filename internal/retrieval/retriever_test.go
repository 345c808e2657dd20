package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

type stubAgent struct {
	config  map[string]interface{}
	runtime map[string]interface{}
}

func (a *stubAgent) Config() map[string]interface{}        { return a.config }
func (a *stubAgent) RuntimeConfig() map[string]interface{} { return a.runtime }
func (a *stubAgent) SetRuntimeConfig(config map[string]interface{}) {
	a.runtime = config
}

// fixedEmbedder returns the same vector for every input, so chunk distances
// in the memory store are fully determined by the seeded embeddings.
type fixedEmbedder struct {
	vector []float32
	err    error
}

func (e *fixedEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.vector == nil {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = e.vector
	}
	return out, nil
}

var queryVector = []float32{1, 0, 0, 0}

// vectorAtSimilarity builds a unit vector whose cosine similarity with
// queryVector is exactly sim.
func vectorAtSimilarity(sim float64) []float32 {
	other := float32(0)
	if sim < 1 {
		other = float32(math.Sqrt(1 - sim*sim))
	}
	return []float32{float32(sim), other, 0, 0}
}

func seedChunk(t *testing.T, store *vectorstore.MemoryStore, baseID, docID uuid.UUID, index int, content string, emb []float32, metadata map[string]interface{}) {
	t.Helper()

	err := store.UpsertChunks(context.Background(), nil, []vectorstore.ChunkPayload{{
		ID:              uuid.New(),
		KnowledgeBaseID: baseID,
		DocumentID:      docID,
		ChunkIndex:      index,
		TokenCount:      len(strings.Fields(content)),
		Content:         content,
		Metadata:        metadata,
		Embedding:       emb,
	}})
	require.NoError(t, err)
}

func newTestRetriever(store vectorstore.Store) *Retriever {
	return NewRetriever(observability.Nop(), &fixedEmbedder{vector: queryVector}, store)
}

func TestApplyContextBuildsSectionsAndReferences(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	docA := uuid.New()
	docB := uuid.New()

	seedChunk(t, store, baseID, docA, 0, "Alpha section about dashboards.", vectorAtSimilarity(1), map[string]interface{}{
		"document_id":       docA.String(),
		"knowledge_base_id": baseID.String(),
		"source_url":        "https://example.com/guide",
	})
	seedChunk(t, store, baseID, docB, 2, "Beta section about dashboards.", vectorAtSimilarity(0.8), map[string]interface{}{
		"document_id":       docB.String(),
		"original_filename": "handbook.pdf",
	})

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids":  []interface{}{baseID.String()},
		"rag_top_k":           5,
		"rag_score_threshold": 0.5,
		"model":               "gpt-test",
		"options":             map[string]interface{}{"temperature": 0.2},
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "how do I configure dashboards")
	require.NoError(t, err)
	require.NotNil(t, got)

	wantText := "[1] Alpha section about dashboards.\nSource: https://example.com/guide\n\n" +
		"[2] Beta section about dashboards.\nSource: handbook.pdf"
	require.Equal(t, wantText, got.Text)

	require.Len(t, got.References, 2)
	require.Equal(t, docA.String(), got.References[0].DocumentID)
	require.Equal(t, baseID.String(), got.References[0].KnowledgeBaseID)
	require.Equal(t, "https://example.com/guide", got.References[0].Source)
	require.Equal(t, 0, got.References[0].ChunkIndex)
	require.InDelta(t, 1.0, got.References[0].Score, 1e-3)
	require.Equal(t, "handbook.pdf", got.References[1].Source)
	require.Equal(t, 2, got.References[1].ChunkIndex)
	require.InDelta(t, 0.8, got.References[1].Score, 1e-3)
}

func TestApplyContextInstallsRuntimeConfig(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	docID := uuid.New()
	seedChunk(t, store, baseID, docID, 0, "content", vectorAtSimilarity(1), map[string]interface{}{
		"document_id": docID.String(),
	})

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{baseID.String()},
		"model":              "gpt-test",
		"options":            map[string]interface{}{"temperature": 0.2},
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "content")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, agent.runtime)

	require.Equal(t, "gpt-test", agent.runtime["model"])
	ragPayload, ok := agent.runtime[RuntimeContextKey].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, got.Text, ragPayload["text"])
	references, ok := ragPayload["references"].([]interface{})
	require.True(t, ok)
	require.Len(t, references, 1)
	first, ok := references[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, docID.String(), first["document_id"])

	// The installed config is a copy. Mutating it must not leak into the
	// agent's stored config.
	require.NotContains(t, agent.config, RuntimeContextKey)
	agent.runtime["options"].(map[string]interface{})["temperature"] = 0.9
	require.Equal(t, 0.2, agent.config["options"].(map[string]interface{})["temperature"])
}

func TestApplyContextPrefersRuntimeConfig(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	configuredBase := uuid.New()
	runtimeBase := uuid.New()
	docID := uuid.New()
	seedChunk(t, store, runtimeBase, docID, 0, "runtime chunk", vectorAtSimilarity(1), nil)
	seedChunk(t, store, configuredBase, uuid.New(), 0, "configured chunk", vectorAtSimilarity(1), nil)

	agent := &stubAgent{
		config: map[string]interface{}{
			"knowledge_base_ids": []interface{}{configuredBase.String()},
		},
		runtime: map[string]interface{}{
			"knowledge_base_ids": []interface{}{runtimeBase.String()},
		},
	}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "chunk")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 1)
	require.Equal(t, runtimeBase.String(), got.References[0].KnowledgeBaseID)
}

func TestApplyContextEmptyRuntimeFallsBackToConfig(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	seedChunk(t, store, baseID, uuid.New(), 0, "stored chunk", vectorAtSimilarity(1), nil)

	agent := &stubAgent{
		config: map[string]interface{}{
			"knowledge_base_ids": []interface{}{baseID.String()},
		},
		runtime: map[string]interface{}{},
	}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "stored")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 1)
}

func TestApplyContextNoBasesConfigured(t *testing.T) {
	ctx := context.Background()
	retriever := newTestRetriever(vectorstore.NewMemoryStore())

	for name, config := range map[string]map[string]interface{}{
		"missing key": {},
		"empty list":  {"knowledge_base_ids": []interface{}{}},
		"not a list":  {"knowledge_base_ids": "abc"},
	} {
		agent := &stubAgent{config: config}
		got, err := retriever.ApplyContext(ctx, nil, agent, "query")
		require.NoError(t, err, name)
		require.Nil(t, got, name)
		require.Nil(t, agent.runtime, name)
	}
}

func TestApplyContextBlankQuery(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{uuid.New().String()},
	}}

	retriever := newTestRetriever(vectorstore.NewMemoryStore())
	for _, query := range []string{"", "   ", "\n\t"} {
		got, err := retriever.ApplyContext(ctx, nil, agent, query)
		require.NoError(t, err)
		require.Nil(t, got)
	}
	require.Nil(t, agent.runtime)
}

func TestApplyContextDropsInvalidBaseIDs(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	seedChunk(t, store, baseID, uuid.New(), 0, "stored chunk", vectorAtSimilarity(1), nil)

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{"not-a-uuid", baseID.String()},
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "stored")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 1)
}

func TestApplyContextAllBaseIDsInvalid(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{"not-a-uuid", 42},
	}}

	got, err := newTestRetriever(vectorstore.NewMemoryStore()).ApplyContext(ctx, nil, agent, "query")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, agent.runtime)
}

func TestApplyContextNoResultsLeavesAgentUntouched(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	// Similarity 0.6 puts the chunk at distance 0.4, outside a 0.05 budget.
	seedChunk(t, store, baseID, uuid.New(), 0, "far away", vectorAtSimilarity(0.6), nil)

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids":  []interface{}{baseID.String()},
		"rag_score_threshold": 0.05,
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "far")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, agent.runtime)
}

func TestApplyContextDefaults(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()

	// Seven near chunks; the default top_k keeps five.
	for i := 0; i < 7; i++ {
		seedChunk(t, store, baseID, uuid.New(), i, fmt.Sprintf("near chunk %d", i), vectorAtSimilarity(1), nil)
	}
	// Distance 0.5 is outside the default threshold of 0.35.
	seedChunk(t, store, baseID, uuid.New(), 99, "borderline chunk", vectorAtSimilarity(0.5), nil)

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{baseID.String()},
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "near")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, DefaultTopK)
	for _, ref := range got.References {
		require.NotEqual(t, 99, ref.ChunkIndex)
	}
}

func TestApplyContextCoercesConfigValues(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	for i := 0; i < 3; i++ {
		seedChunk(t, store, baseID, uuid.New(), i, fmt.Sprintf("chunk %d", i), vectorAtSimilarity(1), nil)
	}

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids":  []interface{}{baseID.String()},
		"rag_top_k":           "2",
		"rag_score_threshold": "not-a-number",
	}}

	got, err := newTestRetriever(store).ApplyContext(ctx, nil, agent, "chunk")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 2)
}

func TestApplyContextEmbedderFailure(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	seedChunk(t, store, baseID, uuid.New(), 0, "stored chunk", vectorAtSimilarity(1), nil)

	agent := &stubAgent{config: map[string]interface{}{
		"knowledge_base_ids": []interface{}{baseID.String()},
	}}

	failing := NewRetriever(observability.Nop(), &fixedEmbedder{err: errors.New("embedding service down")}, store)
	got, err := failing.ApplyContext(ctx, nil, agent, "stored")
	require.ErrorContains(t, err, "embedding service down")
	require.Nil(t, got)
	require.Nil(t, agent.runtime)

	empty := NewRetriever(observability.Nop(), &fixedEmbedder{}, store)
	got, err = empty.ApplyContext(ctx, nil, agent, "stored")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, agent.runtime)
}

func TestRetrieveLabelPrecedence(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	docID := uuid.New()

	seedChunk(t, store, baseID, uuid.New(), 0, "url and filename", vectorAtSimilarity(1), map[string]interface{}{
		"source_url":        "https://example.com/page",
		"original_filename": "ignored.pdf",
	})
	seedChunk(t, store, baseID, uuid.New(), 1, "filename only", vectorAtSimilarity(0.9), map[string]interface{}{
		"original_filename": "report.docx",
	})
	seedChunk(t, store, baseID, docID, 2, "document id only", vectorAtSimilarity(0.8), map[string]interface{}{
		"document_id": docID.String(),
	})
	seedChunk(t, store, baseID, uuid.New(), 3, "no metadata", vectorAtSimilarity(0.7), nil)

	got, err := newTestRetriever(store).Retrieve(ctx, nil, []uuid.UUID{baseID}, "query", 10, 0.9)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 4)
	require.Equal(t, "https://example.com/page", got.References[0].Source)
	require.Equal(t, "report.docx", got.References[1].Source)
	require.Equal(t, docID.String(), got.References[2].Source)
	require.Equal(t, "knowledge-base", got.References[3].Source)
	require.Contains(t, got.Text, "\nSource: knowledge-base")
}

func TestRetrieveTopKZeroReturnsNil(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	baseID := uuid.New()
	seedChunk(t, store, baseID, uuid.New(), 0, "stored chunk", vectorAtSimilarity(1), nil)

	got, err := newTestRetriever(store).Retrieve(ctx, nil, []uuid.UUID{baseID}, "stored", 0, 0.5)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRetrieveScopedToRequestedBases(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	wantedBase := uuid.New()
	otherBase := uuid.New()
	seedChunk(t, store, wantedBase, uuid.New(), 0, "wanted", vectorAtSimilarity(1), nil)
	seedChunk(t, store, otherBase, uuid.New(), 0, "other", vectorAtSimilarity(1), nil)

	got, err := newTestRetriever(store).Retrieve(ctx, nil, []uuid.UUID{wantedBase}, "wanted", 10, 0.5)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.References, 1)
	require.Equal(t, wantedBase.String(), got.References[0].KnowledgeBaseID)
}
