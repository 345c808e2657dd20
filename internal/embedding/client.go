// Package embedding generates vector embeddings for knowledge chunks
// through an OpenAI-compatible embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/archon-ai/knowledge-core/internal/observability"
)

var (
	// ErrMissingAPIKey indicates the client was asked to embed without a
	// configured API key. Callers treat this as a deployment problem, not
	// a transient failure.
	ErrMissingAPIKey = errors.New("embedding API key not configured")

	// ErrEmbeddingService wraps transport failures and non-2xx responses
	// from the embeddings endpoint.
	ErrEmbeddingService = errors.New("embedding service error")
)

// DefaultBaseURL is used when no embedding base URL is configured.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Client generates embeddings for batches of text. Vectors are returned in
// input order, one per non-empty input.
type Client interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds embedding client configuration.
type Config struct {
	APIKey     string
	Model      string // e.g. "openai/text-embedding-3-small"
	BaseURL    string // default: https://openrouter.ai/api/v1
	Dimensions int    // default: 1536
	Timeout    time.Duration
}

// HTTPClient calls an OpenAI-compatible POST /embeddings endpoint.
type HTTPClient struct {
	httpClient *http.Client
	logger     *observability.Logger
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

// NewHTTPClient creates an embedding client. A missing API key is not an
// error here; GenerateEmbeddings reports ErrMissingAPIKey when called.
func NewHTTPClient(logger *observability.Logger, cfg Config) *HTTPClient {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "openai/text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("embedding"),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// GenerateEmbeddings embeds the given texts. Empty and whitespace-only
// inputs are dropped before the request; if nothing remains the call is a
// no-op returning (nil, nil). A count mismatch between the response and the
// inputs is logged as a warning and the returned vectors are passed through
// so the caller can decide whether partial results are usable.
func (c *HTTPClient) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) != "" {
			inputs = append(inputs, text)
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEmbeddingService, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingService, resp.StatusCode, bodySnippet(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEmbeddingService, err)
	}

	vectors := make([][]float32, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		if len(item.Embedding) == 0 {
			continue
		}
		vectors = append(vectors, item.Embedding)
	}

	if len(vectors) != len(inputs) {
		c.logger.Warn().
			Int("requested", len(inputs)).
			Int("returned", len(vectors)).
			Msg("Embedding count mismatch")
	}

	return vectors, nil
}

// Model returns the configured model identifier.
func (c *HTTPClient) Model() string {
	return c.model
}

// Dimensions returns the configured vector width.
func (c *HTTPClient) Dimensions() int {
	return c.dimensions
}

// bodySnippet truncates an error body so failures stay loggable.
func bodySnippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var _ Client = (*HTTPClient)(nil)
