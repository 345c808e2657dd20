package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		ClientID: "6e7f3a52-8f84-4dbb-b2a1-cf4e2c3a9d10",
		UserID:   "3bfa1f1e-2c5d-4e0f-9a57-6f1f9d3b7c21",
	})
	require.NoError(t, err)
	return client
}

func TestClient_CreateBase(t *testing.T) {
	baseID := uuid.New()
	var gotPath, gotClientHeader, gotUserHeader string
	var gotBody CreateBaseRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotClientHeader = r.Header.Get("X-Client-ID")
		gotUserHeader = r.Header.Get("X-User-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             baseID.String(),
			"clientId":       "6e7f3a52-8f84-4dbb-b2a1-cf4e2c3a9d10",
			"name":           "Product Docs",
			"language":       "en",
			"embeddingModel": "openai/text-embedding-3-small",
			"chunkSize":      512,
			"chunkOverlap":   128,
			"isActive":       true,
			"config":         map[string]any{},
			"createdAt":      "2026-08-01T10:00:00Z",
			"updatedAt":      "2026-08-01T10:00:00Z",
		})
	})

	kb, err := client.CreateBase(context.Background(), CreateBaseRequest{
		Name:           "Product Docs",
		EmbeddingModel: "openai/text-embedding-3-small",
	})
	require.NoError(t, err)

	assert.Equal(t, "POST /api/v1/knowledge-bases", gotPath)
	assert.Equal(t, "6e7f3a52-8f84-4dbb-b2a1-cf4e2c3a9d10", gotClientHeader)
	assert.Equal(t, "3bfa1f1e-2c5d-4e0f-9a57-6f1f9d3b7c21", gotUserHeader)
	assert.Equal(t, "Product Docs", gotBody.Name)

	assert.Equal(t, baseID, kb.ID)
	assert.Equal(t, "Product Docs", kb.Name)
	assert.Equal(t, 512, kb.ChunkSize)
	assert.True(t, kb.IsActive)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), kb.CreatedAt)
}

func TestClient_ListDocumentsQueryParams(t *testing.T) {
	baseID := uuid.New()
	var gotQuery string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})

	docs, err := client.ListDocuments(context.Background(), baseID, ListDocumentsOptions{
		Status: "ready",
		Skip:   10,
		Limit:  5,
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Contains(t, gotQuery, "status=ready")
	assert.Contains(t, gotQuery, "skip=10")
	assert.Contains(t, gotQuery, "limit=5")
}

func TestClient_Query(t *testing.T) {
	baseID := uuid.New()
	docID := uuid.New()
	var gotBody QueryRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/retrieval/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"context": "[1] Warranty covers 5 years.\nSource: manual.pdf",
			"references": []map[string]any{
				{
					"documentId":      docID.String(),
					"knowledgeBaseId": baseID.String(),
					"source":          "manual.pdf",
					"chunkIndex":      0,
					"score":           0.91,
				},
			},
			"cached": false,
		})
	})

	result, err := client.Query(context.Background(), QueryRequest{
		Query:            "what does the warranty cover",
		KnowledgeBaseIDs: []uuid.UUID{baseID},
		TopK:             3,
	})
	require.NoError(t, err)

	assert.Equal(t, "what does the warranty cover", gotBody.Query)
	assert.Equal(t, []uuid.UUID{baseID}, gotBody.KnowledgeBaseIDs)
	assert.Equal(t, 3, gotBody.TopK)

	assert.Contains(t, result.Context, "Warranty covers 5 years")
	require.Len(t, result.References, 1)
	assert.Equal(t, docID.String(), result.References[0].DocumentID)
	assert.Equal(t, "manual.pdf", result.References[0].Source)
	assert.InDelta(t, 0.91, result.References[0].Score, 1e-9)
	assert.False(t, result.Cached)
}

func TestClient_Upload(t *testing.T) {
	baseID := uuid.New()
	var gotFilename, gotMime, gotDescription, gotContents string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		gotContents = string(data)
		gotFilename = header.Filename
		gotMime = header.Header.Get("Content-Type")
		gotDescription = r.FormValue("description")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":              uuid.New().String(),
			"knowledgeBaseId": baseID.String(),
			"clientId":        "6e7f3a52-8f84-4dbb-b2a1-cf4e2c3a9d10",
			"sourceType":      "upload",
			"status":          "pending",
			"metadata":        map[string]any{},
			"createdAt":       "2026-08-01T10:00:00Z",
			"updatedAt":       "2026-08-01T10:00:00Z",
		})
	})

	doc, err := client.Upload(context.Background(), baseID, UploadRequest{
		Filename:    "manual.pdf",
		MimeType:    "application/pdf",
		Description: "owner manual",
		Contents:    strings.NewReader("%PDF-1.4 fake"),
	})
	require.NoError(t, err)

	assert.Equal(t, "manual.pdf", gotFilename)
	assert.Equal(t, "application/pdf", gotMime)
	assert.Equal(t, "owner manual", gotDescription)
	assert.Equal(t, "%PDF-1.4 fake", gotContents)
	assert.Equal(t, "upload", doc.SourceType)
	assert.Equal(t, "pending", doc.Status)
}

func TestClient_UploadRequiresFile(t *testing.T) {
	client, err := NewClient(ClientConfig{})
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), uuid.New(), UploadRequest{Filename: "x"})
	assert.Error(t, err)
	_, err = client.Upload(context.Background(), uuid.New(), UploadRequest{Contents: strings.NewReader("x")})
	assert.Error(t, err)
}

func TestClient_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Knowledge base not found","message":"Knowledge base not found"}`))
	})

	_, err := client.GetBase(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Knowledge base not found", apiErr.Message)
}

func TestClient_ErrorEnvelopeDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid config","message":"invalid config","detail":"unexpected end of JSON input"}`))
	})

	_, err := client.CreateBase(context.Background(), CreateBaseRequest{Name: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid config", apiErr.Message)
	assert.Equal(t, "unexpected end of JSON input", apiErr.Detail)
	assert.Contains(t, apiErr.Error(), "invalid config")
	assert.False(t, IsNotFound(err))
}

func TestClient_ArchiveBaseNoContent(t *testing.T) {
	var gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.ArchiveBase(context.Background(), uuid.New()))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestClient_GetBaseStats(t *testing.T) {
	baseID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/knowledge-bases/"+baseID.String()+"/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"knowledge_base_id": baseID.String(),
			"total_documents":   4,
			"ready_documents":   3,
			"error_documents":   1,
			"total_chunks":      52,
			"failed_jobs":       1,
			"computed_at":       "2026-08-01T10:00:00Z",
		})
	})

	stats, err := client.GetBaseStats(context.Background(), baseID)
	require.NoError(t, err)
	assert.Equal(t, baseID, stats.KnowledgeBaseID)
	assert.Equal(t, 4, stats.TotalDocuments)
	assert.Equal(t, 52, stats.TotalChunks)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Nil(t, stats.LastIngestedAt)
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(ClientConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)

	client, err = NewClient(ClientConfig{BaseURL: "http://api.internal:9000/"})
	require.NoError(t, err)
	assert.Equal(t, "http://api.internal:9000", client.baseURL)
}
