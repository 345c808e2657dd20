package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient produces deterministic embeddings derived from a hash of the
// input text. It keeps tests, the demo command, and offline development
// independent of any embedding provider: identical texts always map to
// identical vectors.
type MockClient struct {
	dimensions int
}

// NewMockClient creates a mock embedding client with the given vector width.
func NewMockClient(dimensions int) *MockClient {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &MockClient{dimensions: dimensions}
}

// GenerateEmbeddings returns one unit vector per non-empty input.
func (c *MockClient) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if isBlank(text) {
			continue
		}
		vectors = append(vectors, c.vectorFor(text))
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return vectors, nil
}

// Dimensions returns the vector width.
func (c *MockClient) Dimensions() int {
	return c.dimensions
}

func (c *MockClient) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, c.dimensions)
	var norm float64
	for i := range vec {
		// xorshift64 keeps the sequence cheap and fully deterministic.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

var _ Client = (*MockClient)(nil)
