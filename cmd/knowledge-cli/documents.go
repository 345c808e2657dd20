package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/queue"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// Ingestion covers network fetches, PDF extraction, and embedding calls,
// so document commands get a generous deadline.
const ingestTimeout = 10 * time.Minute

const docPreviewChars = 4000

func newDocumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "document",
		Short: "Manage documents in a knowledge base",
	}
	cmd.AddCommand(
		newDocAddTextCmd(),
		newDocAddURLCmd(),
		newDocUploadCmd(),
		newDocListCmd(),
		newDocGetCmd(),
		newDocReprocessCmd(),
	)
	return cmd
}

// ingestServices bundles everything document commands need: repositories,
// raw file storage, and the ingestion pipeline, wired the same way the API
// server wires them. When Redis is enabled tasks are handed to the worker
// queue; otherwise documents are processed in this process.
type ingestServices struct {
	db       *sql.DB
	repos    *storage.Repositories
	files    *filestore.Store
	pipeline *ingest.Pipeline
	queue    queue.Queue
	inline   bool
}

func newIngestServices(forceInline bool) (*ingestServices, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}

	store, err := vectorstore.New(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	inline := forceInline || !cfg.Redis.Enabled
	var q queue.Queue
	if !inline {
		q, err = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Worker.QueueName,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	files := filestore.New(cfg.Ingestion.StoragePath)
	pipeline := ingest.NewPipeline(logger, db, ingest.PipelineConfig{
		ChunkSize:    cfg.Ingestion.MaxChunkTokens,
		ChunkOverlap: cfg.Ingestion.ChunkOverlap,
	}, extract.NewExtractor(logger, files), newEmbedder(), store, q, nil)

	return &ingestServices{
		db:       db,
		repos:    storage.NewRepositories(db),
		files:    files,
		pipeline: pipeline,
		queue:    q,
		inline:   inline,
	}, nil
}

func (s *ingestServices) Close() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	_ = s.db.Close()
}

// schedule creates an ingestion job for the document and either hands it to
// the worker queue or runs the pipeline in place. On inline success the
// document is re-read so callers see its final status.
func (s *ingestServices) schedule(ctx context.Context, doc *storage.KnowledgeDocument, jobType storage.JobType, showProgress bool) (*storage.KnowledgeJob, *ingest.Result, error) {
	job, err := s.repos.Jobs.Create(ctx, doc.ID, jobType, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s job: %w", jobType, err)
	}

	if !s.inline {
		if err := s.queue.Enqueue(ctx, queue.Task{DocumentID: doc.ID, JobID: job.ID}); err != nil {
			return nil, nil, fmt.Errorf("enqueue task: %w", err)
		}
		return job, nil, nil
	}

	var spin *WaitSpinner
	if showProgress && !outputJSON {
		spin = NewWaitSpinner(fmt.Sprintf("Processing %s", docTitle(doc)))
	}
	result, err := s.pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		return job, nil, err
	}
	if fresh, ferr := s.repos.Documents.GetByID(ctx, doc.ID, uuid.Nil); ferr == nil {
		*doc = *fresh
	}
	return job, result, nil
}

// reportIngestion prints the outcome of an add command in either mode.
func reportIngestion(doc *storage.KnowledgeDocument, job *storage.KnowledgeJob, result *ingest.Result) error {
	if outputJSON {
		out := map[string]interface{}{"document": doc, "job_id": job.ID}
		if result != nil {
			out["chunks_created"] = result.ChunksCreated
			out["duration_ms"] = result.Duration.Milliseconds()
		}
		return printJSON(out)
	}
	if result != nil {
		ui.KeyValue("Chunks", result.ChunksCreated)
		ui.KeyValue("Duration", FormatDuration(result.Duration))
	} else {
		ui.KeyValue("Job", job.ID)
		ui.KeyValue("Status", "queued for the worker")
	}
	return nil
}

func newDocAddTextCmd() *cobra.Command {
	var (
		title    string
		content  string
		fromFile string
		inline   bool
	)

	cmd := &cobra.Command{
		Use:   "add-text <base-id-or-name>",
		Short: "Add a plain text document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" && fromFile == "" {
				return fmt.Errorf("one of --content or --file is required")
			}
			if fromFile != "" {
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				content = string(data)
			}
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("content is empty")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
			defer cancel()

			svc, err := newIngestServices(inline)
			if err != nil {
				return err
			}
			defer svc.Close()

			kb, err := svc.repos.Bases.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			// The full text rides along in metadata so the document row
			// stays self-describing even if the storage file goes missing.
			metadata := map[string]interface{}{"raw_text": content}
			if title != "" {
				metadata["title"] = title
			}
			mimeType := "text/plain"
			preview := truncateRunes(content, docPreviewChars)
			doc := &storage.KnowledgeDocument{
				KnowledgeBaseID: kb.ID,
				ClientID:        kb.ClientID,
				SourceType:      storage.SourceTypeText,
				MimeType:        &mimeType,
				ContentPreview:  &preview,
			}
			if err := setDocMetadata(doc, metadata); err != nil {
				return err
			}
			if err := svc.repos.Documents.Create(ctx, doc); err != nil {
				return err
			}
			path, err := svc.files.SaveText(kb.ClientID, kb.ID, doc.ID, content, ".txt")
			if err != nil {
				return fmt.Errorf("persist text content: %w", err)
			}
			doc.StoragePath = &path
			if err := svc.repos.Documents.Update(ctx, doc); err != nil {
				return err
			}

			if !outputJSON {
				ui.Success("Added text document %s", doc.ID)
			}
			job, result, err := svc.schedule(ctx, doc, storage.JobTypeIngest, true)
			if err != nil {
				return err
			}
			return reportIngestion(doc, job, result)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&content, "content", "", "inline text content")
	cmd.Flags().StringVar(&fromFile, "file", "", "read content from a file")
	cmd.Flags().BoolVar(&inline, "inline", false, "process in this process even when Redis is enabled")
	return cmd
}

func newDocAddURLCmd() *cobra.Command {
	var (
		description string
		inline      bool
	)

	cmd := &cobra.Command{
		Use:   "add-url <base-id-or-name> <url>",
		Short: "Register a web page for ingestion",
		Long: `The page is fetched and extracted when the ingestion job runs, not at
registration time, so a slow or unreachable site fails the job rather
than this command.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := url.Parse(strings.TrimSpace(args[1]))
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				return fmt.Errorf("url must be a valid http(s) URL")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
			defer cancel()

			svc, err := newIngestServices(inline)
			if err != nil {
				return err
			}
			defer svc.Close()

			kb, err := svc.repos.Bases.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			sourceURL := parsed.String()
			metadata := map[string]interface{}{}
			if description != "" {
				metadata["description"] = description
			}
			mimeType := "text/html"
			doc := &storage.KnowledgeDocument{
				KnowledgeBaseID: kb.ID,
				ClientID:        kb.ClientID,
				SourceType:      storage.SourceTypeURL,
				SourceURL:       &sourceURL,
				MimeType:        &mimeType,
			}
			if description != "" {
				doc.ContentPreview = &description
			}
			if err := setDocMetadata(doc, metadata); err != nil {
				return err
			}
			if err := svc.repos.Documents.Create(ctx, doc); err != nil {
				return err
			}

			if !outputJSON {
				ui.Success("Registered URL document %s", doc.ID)
				ui.KeyValue("URL", sourceURL)
			}
			job, result, err := svc.schedule(ctx, doc, storage.JobTypeIngest, true)
			if err != nil {
				return err
			}
			return reportIngestion(doc, job, result)
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "description stored with the document")
	cmd.Flags().BoolVar(&inline, "inline", false, "process in this process even when Redis is enabled")
	return cmd
}

func newDocUploadCmd() *cobra.Command {
	var (
		description string
		inline      bool
	)

	cmd := &cobra.Command{
		Use:   "upload <base-id-or-name> <file>...",
		Short: "Upload local files as documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
			defer cancel()

			svc, err := newIngestServices(inline)
			if err != nil {
				return err
			}
			defer svc.Close()

			kb, err := svc.repos.Bases.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			paths := args[1:]
			batch := len(paths) > 1

			type uploadOutcome struct {
				Document      *storage.KnowledgeDocument `json:"document"`
				JobID         uuid.UUID                  `json:"job_id"`
				ChunksCreated int                        `json:"chunks_created,omitempty"`
			}
			outcomes := make([]uploadOutcome, 0, len(paths))

			var bar *mpb.Bar
			if batch && !outputJSON {
				bar = ui.ProgressBar("Uploading", int64(len(paths)))
			}

			for _, path := range paths {
				doc, job, result, err := svc.uploadFile(ctx, kb, path, description, !batch)
				if err != nil {
					if bar != nil {
						bar.Abort(true)
					}
					return fmt.Errorf("%s: %w", path, err)
				}
				outcome := uploadOutcome{Document: doc, JobID: job.ID}
				if result != nil {
					outcome.ChunksCreated = result.ChunksCreated
				}
				outcomes = append(outcomes, outcome)

				switch {
				case bar != nil:
					bar.Increment()
				case !outputJSON:
					ui.Success("Uploaded %s as %s", filepath.Base(path), doc.ID)
					if err := reportIngestion(doc, job, result); err != nil {
						return err
					}
				}
			}

			if outputJSON {
				return printJSON(outcomes)
			}
			if batch {
				ui.Success("Uploaded %d documents to %q", len(paths), kb.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "description stored with each document")
	cmd.Flags().BoolVar(&inline, "inline", false, "process in this process even when Redis is enabled")
	return cmd
}

// uploadFile stores one local file as a document and schedules ingestion.
func (s *ingestServices) uploadFile(ctx context.Context, kb *storage.KnowledgeBase, path, description string, showProgress bool) (*storage.KnowledgeDocument, *storage.KnowledgeJob, *ingest.Result, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(contents) == 0 {
		return nil, nil, nil, fmt.Errorf("file is empty")
	}
	if max := cfg.MaxUploadBytes(); max > 0 && int64(len(contents)) > max {
		return nil, nil, nil, fmt.Errorf("file exceeds %dMB limit", cfg.Ingestion.MaxUploadSizeMB)
	}

	filename := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = http.DetectContentType(contents)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if allowed := cfg.AllowedMimeSet(); len(allowed) > 0 {
		if _, ok := allowed[mimeType]; !ok {
			return nil, nil, nil, fmt.Errorf("MIME type %s is not allowed", mimeType)
		}
	}

	sum := sha256.Sum256(contents)
	checksum := hex.EncodeToString(sum[:])

	metadata := map[string]interface{}{}
	if description != "" {
		metadata["description"] = description
	}
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID:  kb.ID,
		ClientID:         kb.ClientID,
		SourceType:       storage.SourceTypeUpload,
		OriginalFilename: &filename,
		MimeType:         &mimeType,
		Checksum:         &checksum,
	}
	if description != "" {
		doc.ContentPreview = &description
	}
	if err := setDocMetadata(doc, metadata); err != nil {
		return nil, nil, nil, err
	}
	if err := s.repos.Documents.Create(ctx, doc); err != nil {
		return nil, nil, nil, err
	}
	storagePath, err := s.files.SaveUpload(kb.ClientID, kb.ID, doc.ID, filename, contents)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("persist upload: %w", err)
	}
	doc.StoragePath = &storagePath
	if err := s.repos.Documents.Update(ctx, doc); err != nil {
		return nil, nil, nil, err
	}

	job, result, err := s.schedule(ctx, doc, storage.JobTypeIngest, showProgress)
	return doc, job, result, err
}

func newDocListCmd() *cobra.Command {
	var (
		statusFilter string
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list <base-id-or-name>",
		Short: "List documents in a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			kb, err := repos.Bases.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			var status *storage.DocumentStatus
			if statusFilter != "" {
				s := storage.DocumentStatus(statusFilter)
				if !s.Valid() {
					return fmt.Errorf("invalid status %q", statusFilter)
				}
				status = &s
			}

			docs, err := repos.Documents.ListByBase(ctx, kb.ID, status, offset, limit)
			if err != nil {
				return err
			}

			if outputJSON {
				if docs == nil {
					docs = []*storage.KnowledgeDocument{}
				}
				return printJSON(docs)
			}
			if len(docs) == 0 {
				ui.Info("No documents found")
				return nil
			}
			rows := make([][]string, 0, len(docs))
			for _, doc := range docs {
				rows = append(rows, []string{
					doc.ID.String(),
					truncateRunes(docTitle(doc), 40),
					string(doc.SourceType),
					string(doc.Status),
					doc.UpdatedAt.Format("2006-01-02 15:04"),
				})
			}
			ui.Table([]string{"ID", "Title", "Source", "Status", "Updated"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, processing, ready, error)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newDocGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <document-id>",
		Short: "Show one document and its latest job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			doc, err := repos.Documents.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}
			jobs, err := repos.Jobs.ListByDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			chunks, err := repos.Chunks.CountByDocument(ctx, doc.ID)
			if err != nil {
				return err
			}

			if outputJSON {
				out := map[string]interface{}{"document": doc, "chunk_count": chunks}
				if len(jobs) > 0 {
					out["latest_job"] = jobs[0]
				}
				return printJSON(out)
			}

			ui.Success("Document %s", docTitle(doc))
			ui.KeyValue("ID", doc.ID)
			ui.KeyValue("Base", doc.KnowledgeBaseID)
			ui.KeyValue("Client", doc.ClientID)
			ui.KeyValue("Source", string(doc.SourceType))
			if doc.SourceURL != nil {
				ui.KeyValue("URL", *doc.SourceURL)
			}
			if doc.MimeType != nil {
				ui.KeyValue("MIME", *doc.MimeType)
			}
			ui.KeyValue("Status", string(doc.Status))
			if doc.ErrorMessage != nil && *doc.ErrorMessage != "" {
				ui.KeyValue("Error", *doc.ErrorMessage)
			}
			ui.KeyValue("Chunks", chunks)
			if doc.StoragePath != nil {
				ui.KeyValue("Storage", *doc.StoragePath)
			}
			ui.KeyValue("Updated", doc.UpdatedAt.Format(time.RFC3339))
			if len(jobs) > 0 {
				latest := jobs[0]
				ui.KeyValue("Latest job", fmt.Sprintf("%s (%s, %s)", latest.ID, latest.JobType, latest.Status))
			}
			return nil
		},
	}
	return cmd
}

func newDocReprocessCmd() *cobra.Command {
	var inline bool

	cmd := &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Re-run extraction, chunking, and embedding for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
			defer cancel()

			svc, err := newIngestServices(inline)
			if err != nil {
				return err
			}
			defer svc.Close()

			// Reprocess resets the document, records the job, and
			// enqueues it when the pipeline has a queue.
			job, err := svc.pipeline.Reprocess(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			if !svc.inline {
				if outputJSON {
					return printJSON(map[string]interface{}{"job_id": job.ID, "document_id": job.DocumentID})
				}
				ui.Success("Queued reprocess job %s", job.ID)
				return nil
			}

			var spin *WaitSpinner
			if !outputJSON {
				spin = NewWaitSpinner("Reprocessing document")
			}
			result, err := svc.pipeline.ProcessDocument(ctx, job.DocumentID, job.ID)
			if spin != nil {
				spin.Stop()
			}
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(map[string]interface{}{
					"document_id":    result.DocumentID,
					"job_id":         result.JobID,
					"chunks_created": result.ChunksCreated,
					"duration_ms":    result.Duration.Milliseconds(),
				})
			}
			ui.Success("Reprocessed document %s", result.DocumentID)
			ui.KeyValue("Chunks", result.ChunksCreated)
			ui.KeyValue("Duration", FormatDuration(result.Duration))
			return nil
		},
	}

	cmd.Flags().BoolVar(&inline, "inline", false, "process in this process even when Redis is enabled")
	return cmd
}

// docTitle picks the most human-friendly label available for a document.
func docTitle(doc *storage.KnowledgeDocument) string {
	if doc.OriginalFilename != nil && *doc.OriginalFilename != "" {
		return *doc.OriginalFilename
	}
	if title, ok := doc.Metadata()["title"].(string); ok && title != "" {
		return title
	}
	if doc.SourceURL != nil && *doc.SourceURL != "" {
		return *doc.SourceURL
	}
	if doc.ContentPreview != nil && *doc.ContentPreview != "" {
		return strings.ReplaceAll(truncateRunes(*doc.ContentPreview, 40), "\n", " ")
	}
	return doc.ID.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func setDocMetadata(doc *storage.KnowledgeDocument, metadata map[string]interface{}) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	doc.ExtraMetadata = blob
	return nil
}
