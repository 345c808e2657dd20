// Package extract turns knowledge documents into plain text, dispatching on
// the document's source type.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"

	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

// urlFetchTimeout bounds how long a single source URL fetch may take.
const urlFetchTimeout = 20 * time.Second

// Extractor resolves a document's raw text. URL documents are fetched at
// extraction time, and the fetched text is persisted through the file store
// so the source artifact remains inspectable.
type Extractor struct {
	logger     *observability.Logger
	files      *filestore.Store
	httpClient *http.Client
}

// NewExtractor creates an extractor backed by the given file store.
func NewExtractor(logger *observability.Logger, files *filestore.Store) *Extractor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Extractor{
		logger:     logger.WithComponent("extract"),
		files:      files,
		httpClient: &http.Client{Timeout: urlFetchTimeout},
	}
}

// Extract returns the document's text content. For URL documents it mutates
// the document in memory (storage_path, last_fetched_at); the caller is
// responsible for persisting those fields.
func (e *Extractor) Extract(ctx context.Context, doc *storage.KnowledgeDocument) (string, error) {
	switch doc.SourceType {
	case storage.SourceTypeUpload:
		return e.extractUpload(doc)
	case storage.SourceTypeText:
		return doc.RawText(), nil
	case storage.SourceTypeURL:
		return e.extractURL(ctx, doc)
	default:
		return "", fmt.Errorf("Unsupported source type %s", doc.SourceType)
	}
}

func (e *Extractor) extractUpload(doc *storage.KnowledgeDocument) (string, error) {
	if doc.StoragePath == nil || *doc.StoragePath == "" {
		return "", errors.New("Upload does not have a storage path")
	}
	path := *doc.StoragePath

	mime := ""
	if doc.MimeType != nil {
		mime = *doc.MimeType
	}
	suffix := strings.ToLower(filepath.Ext(path))

	if suffix == ".pdf" || strings.Contains(mime, "pdf") ||
		suffix == ".docx" || strings.Contains(mime, "wordprocessingml") {
		return e.extractWithFitz(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	return decodeText(data), nil
}

// extractWithFitz pulls page text out of PDF and Office documents. Page
// extraction is best-effort: a page that fails to render is skipped.
func (e *Extractor) extractWithFitz(path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		text, err := doc.Text(n)
		if err != nil {
			e.logger.Warn().Err(err).Int("page", n).Str("path", path).Msg("Skipping unreadable page")
			continue
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, "\n"), nil
}

func (e *Extractor) extractURL(ctx context.Context, doc *storage.KnowledgeDocument) (string, error) {
	if doc.SourceURL == nil || *doc.SourceURL == "" {
		return "", errors.New("Document is missing source_url")
	}

	content, err := e.fetchURL(ctx, *doc.SourceURL)
	if err != nil {
		return "", err
	}

	if e.files != nil {
		path, err := e.files.SaveText(doc.ClientID, doc.KnowledgeBaseID, doc.ID, content, ".url.txt")
		if err != nil {
			return "", fmt.Errorf("persist fetched content: %w", err)
		}
		doc.StoragePath = &path
	}
	doc.SetLastFetchedAt(time.Now())

	return content, nil
}

func (e *Extractor) fetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch url: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read url body: %w", err)
	}

	return htmlToText(decodeText(body)), nil
}

// htmlToText collects text nodes from an HTML document, skipping script and
// style subtrees, with one line per text node.
func htmlToText(raw string) string {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// Not HTML after all: return the raw text as-is.
		return strings.TrimSpace(raw)
	}

	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				lines = append(lines, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return strings.Join(lines, "\n")
}

// decodeText interprets bytes as UTF-8 when valid and falls back to a lossy
// Latin-1 decode otherwise.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}
