// Package knowledge provides the public Go SDK for the knowledge core API.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is used when ClientConfig.BaseURL is empty.
const DefaultBaseURL = "http://localhost:8086"

const defaultTimeout = 30 * time.Second

// ClientConfig holds client configuration. ClientID identifies the tenant
// and is sent as the X-Client-ID header on every request.
type ClientConfig struct {
	BaseURL    string
	ClientID   string
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client is the public SDK client for the knowledge core API.
type Client struct {
	baseURL    string
	clientID   string
	userID     string
	httpClient *http.Client
}

// NewClient creates a new knowledge core client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    baseURL,
		clientID:   cfg.ClientID,
		userID:     cfg.UserID,
		httpClient: httpClient,
	}, nil
}

// APIError is a non-2xx response decoded from the API's error envelope.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("knowledge api: %s (%d): %s", e.Message, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("knowledge api: %s (%d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// KnowledgeBase is the wire form of a knowledge base.
type KnowledgeBase struct {
	ID             uuid.UUID              `json:"id"`
	ClientID       uuid.UUID              `json:"clientId"`
	Name           string                 `json:"name"`
	Description    *string                `json:"description,omitempty"`
	Language       string                 `json:"language"`
	EmbeddingModel string                 `json:"embeddingModel"`
	ChunkSize      int                    `json:"chunkSize"`
	ChunkOverlap   int                    `json:"chunkOverlap"`
	IsActive       bool                   `json:"isActive"`
	Config         map[string]interface{} `json:"config"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// CreateBaseRequest carries the payload for CreateBase.
type CreateBaseRequest struct {
	Name           string                 `json:"name"`
	Description    *string                `json:"description,omitempty"`
	Language       string                 `json:"language,omitempty"`
	EmbeddingModel string                 `json:"embeddingModel,omitempty"`
	ChunkSize      int                    `json:"chunkSize,omitempty"`
	ChunkOverlap   int                    `json:"chunkOverlap,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// UpdateBaseRequest carries the payload for UpdateBase. Nil fields stay
// unchanged server-side.
type UpdateBaseRequest struct {
	Name           *string                `json:"name,omitempty"`
	Description    *string                `json:"description,omitempty"`
	Language       *string                `json:"language,omitempty"`
	EmbeddingModel *string                `json:"embeddingModel,omitempty"`
	ChunkSize      *int                   `json:"chunkSize,omitempty"`
	ChunkOverlap   *int                   `json:"chunkOverlap,omitempty"`
	IsActive       *bool                  `json:"isActive,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// ListBasesOptions filters ListBases.
type ListBasesOptions struct {
	Search string
	Skip   int
	Limit  int
}

// BaseStats reports ingestion health for one knowledge base.
type BaseStats struct {
	KnowledgeBaseID     uuid.UUID  `json:"knowledge_base_id"`
	TotalDocuments      int        `json:"total_documents"`
	PendingDocuments    int        `json:"pending_documents"`
	ProcessingDocuments int        `json:"processing_documents"`
	ReadyDocuments      int        `json:"ready_documents"`
	ErrorDocuments      int        `json:"error_documents"`
	TotalChunks         int        `json:"total_chunks"`
	QueuedJobs          int        `json:"queued_jobs"`
	FailedJobs          int        `json:"failed_jobs"`
	LastIngestedAt      *time.Time `json:"last_ingested_at,omitempty"`
	ComputedAt          time.Time  `json:"computed_at"`
}

// Document is the wire form of a knowledge document.
type Document struct {
	ID                   uuid.UUID              `json:"id"`
	KnowledgeBaseID      uuid.UUID              `json:"knowledgeBaseId"`
	ClientID             uuid.UUID              `json:"clientId"`
	SourceType           string                 `json:"sourceType"`
	OriginalFilename     *string                `json:"originalFilename,omitempty"`
	SourceURL            *string                `json:"sourceUrl,omitempty"`
	MimeType             *string                `json:"mimeType,omitempty"`
	Checksum             *string                `json:"checksum,omitempty"`
	ContentPreview       *string                `json:"contentPreview,omitempty"`
	Metadata             map[string]interface{} `json:"metadata"`
	Status               string                 `json:"status"`
	ErrorMessage         *string                `json:"errorMessage,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
	ProcessingStartedAt  *time.Time             `json:"processingStartedAt,omitempty"`
	ProcessingFinishedAt *time.Time             `json:"processingFinishedAt,omitempty"`
}

// AddTextRequest carries the payload for AddText.
type AddTextRequest struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// AddURLRequest carries the payload for AddURL.
type AddURLRequest struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// UploadRequest carries the payload for Upload. MimeType defaults to
// application/octet-stream when empty.
type UploadRequest struct {
	Filename    string
	MimeType    string
	Description string
	Contents    io.Reader
}

// ListDocumentsOptions filters ListDocuments. An empty Status means all
// statuses.
type ListDocumentsOptions struct {
	Status string
	Skip   int
	Limit  int
}

// QueryRequest is a retrieval query against one or more bases.
type QueryRequest struct {
	Query            string      `json:"query"`
	KnowledgeBaseIDs []uuid.UUID `json:"knowledgeBaseIds"`
	TopK             int         `json:"topK,omitempty"`
	ScoreThreshold   float64     `json:"scoreThreshold,omitempty"`
}

// QueryResult is the assembled context for a retrieval query.
type QueryResult struct {
	Context    string      `json:"context"`
	References []Reference `json:"references"`
	Cached     bool        `json:"cached"`
}

// Reference identifies one chunk behind the assembled context.
type Reference struct {
	DocumentID      string                 `json:"documentId"`
	KnowledgeBaseID string                 `json:"knowledgeBaseId"`
	Source          string                 `json:"source"`
	ChunkIndex      int                    `json:"chunkIndex"`
	Score           float64                `json:"score"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CreateBase creates a knowledge base.
func (c *Client) CreateBase(ctx context.Context, req CreateBaseRequest) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge-bases", nil, req, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// ListBases lists the tenant's active knowledge bases, newest first.
func (c *Client) ListBases(ctx context.Context, opts ListBasesOptions) ([]KnowledgeBase, error) {
	q := listQuery(opts.Skip, opts.Limit)
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	var bases []KnowledgeBase
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge-bases", q, nil, &bases); err != nil {
		return nil, err
	}
	return bases, nil
}

// GetBase fetches one knowledge base.
func (c *Client) GetBase(ctx context.Context, baseID uuid.UUID) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge-bases/"+baseID.String(), nil, nil, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// UpdateBase applies a partial update and returns the updated base.
func (c *Client) UpdateBase(ctx context.Context, baseID uuid.UUID, req UpdateBaseRequest) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := c.do(ctx, http.MethodPatch, "/api/v1/knowledge-bases/"+baseID.String(), nil, req, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// ArchiveBase archives a knowledge base. The base stays readable by id but
// leaves listings and retrieval.
func (c *Client) ArchiveBase(ctx context.Context, baseID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/knowledge-bases/"+baseID.String(), nil, nil, nil)
}

// GetBaseStats fetches the ingestion health rollup for one base.
func (c *Client) GetBaseStats(ctx context.Context, baseID uuid.UUID) (*BaseStats, error) {
	var stats BaseStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge-bases/"+baseID.String()+"/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// AddText creates a text document and queues it for ingestion.
func (c *Client) AddText(ctx context.Context, baseID uuid.UUID, req AddTextRequest) (*Document, error) {
	var doc Document
	path := "/api/v1/knowledge-bases/" + baseID.String() + "/documents/text"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// AddURL registers a URL document and queues it for ingestion. The page is
// fetched server-side during ingestion.
func (c *Client) AddURL(ctx context.Context, baseID uuid.UUID, req AddURLRequest) (*Document, error) {
	var doc Document
	path := "/api/v1/knowledge-bases/" + baseID.String() + "/documents/url"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Upload sends a file as a multipart form and queues it for ingestion.
func (c *Client) Upload(ctx context.Context, baseID uuid.UUID, req UploadRequest) (*Document, error) {
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if req.Contents == nil {
		return nil, fmt.Errorf("contents is required")
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	// CreateFormFile hardcodes application/octet-stream, so the part header
	// is built by hand to carry the real content type.
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(req.Filename)))
	header.Set("Content-Type", mimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, req.Contents); err != nil {
		return nil, err
	}
	if req.Description != "" {
		if err := form.WriteField("description", req.Description); err != nil {
			return nil, err
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	path := "/api/v1/knowledge-bases/" + baseID.String() + "/documents/upload"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	c.setIdentity(httpReq)

	var doc Document
	if err := c.send(httpReq, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments lists a base's documents, newest first.
func (c *Client) ListDocuments(ctx context.Context, baseID uuid.UUID, opts ListDocumentsOptions) ([]Document, error) {
	q := listQuery(opts.Skip, opts.Limit)
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	var docs []Document
	path := "/api/v1/knowledge-bases/" + baseID.String() + "/documents"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// GetDocument fetches one document.
func (c *Client) GetDocument(ctx context.Context, documentID uuid.UUID) (*Document, error) {
	var doc Document
	path := "/api/v1/knowledge-bases/documents/" + documentID.String()
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReprocessDocument resets a document to pending and queues a fresh
// ingestion job. The returned document reflects the reset state.
func (c *Client) ReprocessDocument(ctx context.Context, documentID uuid.UUID) (*Document, error) {
	var doc Document
	path := "/api/v1/knowledge-bases/documents/" + documentID.String() + "/reprocess"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes a document, its chunks and its stored files.
func (c *Client) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	path := "/api/v1/knowledge-bases/documents/" + documentID.String()
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Query runs a retrieval query and returns the assembled context.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	var result QueryResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/retrieval/query", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks the service health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// do issues one JSON request. out may be nil for endpoints without a body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setIdentity(req)

	return c.send(req, out)
}

func (c *Client) setIdentity(req *http.Request) {
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil && json.Unmarshal(data, &envelope) == nil {
		if envelope.Message != "" {
			apiErr.Message = envelope.Message
		} else if envelope.Error != "" {
			apiErr.Message = envelope.Error
		}
		apiErr.Detail = envelope.Detail
	}
	return apiErr
}

func listQuery(skip, limit int) url.Values {
	q := url.Values{}
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
