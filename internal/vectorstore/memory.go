package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

// MemoryStore is an in-process Store used by unit tests and the demo
// command. It ignores the database handle and keeps chunks in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[uuid.UUID]ChunkPayload
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[uuid.UUID]ChunkPayload)}
}

// UpsertChunks inserts or replaces chunks by id.
func (s *MemoryStore) UpsertChunks(_ context.Context, _ storage.DB, payloads []ChunkPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, payload := range payloads {
		if payload.ID == uuid.Nil {
			payload.ID = uuid.New()
		}
		s.chunks[payload.ID] = payload
	}
	return nil
}

// DeleteChunks removes chunks by id.
func (s *MemoryStore) DeleteChunks(_ context.Context, _ storage.DB, chunkIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range chunkIDs {
		delete(s.chunks, id)
	}
	return nil
}

// SimilaritySearch runs an exact cosine scan over the stored chunks.
func (s *MemoryStore) SimilaritySearch(_ context.Context, _ storage.DB, baseIDs []uuid.UUID, queryEmbedding []float32, topK int, scoreThreshold float64) ([]SearchResult, error) {
	if len(baseIDs) == 0 || topK <= 0 {
		return nil, nil
	}

	allowed := make(map[uuid.UUID]bool, len(baseIDs))
	for _, id := range baseIDs {
		allowed[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		payload  ChunkPayload
		distance float64
	}
	var candidates []scored
	for _, chunk := range s.chunks {
		if !allowed[chunk.KnowledgeBaseID] {
			continue
		}
		if len(chunk.Embedding) != len(queryEmbedding) {
			continue
		}
		candidates = append(candidates, scored{chunk, cosineDistance(queryEmbedding, chunk.Embedding)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if topK < len(candidates) {
		candidates = candidates[:topK]
	}

	var results []SearchResult
	for _, c := range candidates {
		if scoreThreshold > 0 && c.distance > scoreThreshold {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:         c.payload.ID,
			KnowledgeBaseID: c.payload.KnowledgeBaseID,
			DocumentID:      c.payload.DocumentID,
			ChunkIndex:      c.payload.ChunkIndex,
			Content:         c.payload.Content,
			Metadata:        c.payload.Metadata,
			Score:           1.0 - c.distance,
		})
	}
	return results, nil
}

// Len returns the number of stored chunks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// cosineDistance computes 1 - cosine similarity, clamped against floating
// point drift.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1.0 - sim
}
