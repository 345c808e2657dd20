package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run and inspect ingestion jobs without a worker",
	}
	cmd.AddCommand(
		newIngestRunCmd(),
		newIngestStaleCmd(),
		newIngestFailuresCmd(),
	)
	return cmd
}

func newIngestRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <document-id>",
		Short: "Run one document through the ingestion pipeline",
		Long: `Picks up the document's newest queued job, or creates a fresh ingest
job when none is waiting, and processes it in this process. Useful for
retrying a stuck document without restarting the worker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
			defer cancel()

			svc, err := newIngestServices(true)
			if err != nil {
				return err
			}
			defer svc.Close()

			doc, err := svc.repos.Documents.GetByID(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}
			job, err := queuedOrFreshJob(ctx, svc.repos, doc.ID)
			if err != nil {
				return err
			}

			spin := ui.Spinner(fmt.Sprintf("Ingesting %s", truncateRunes(docTitle(doc), 40)))
			result, err := svc.pipeline.ProcessDocument(ctx, doc.ID, job.ID)
			if err != nil {
				spin.Abort(true)
				return err
			}
			spin.SetTotal(-1, true)

			if outputJSON {
				return printJSON(map[string]interface{}{
					"document_id":    result.DocumentID,
					"job_id":         result.JobID,
					"chunks_created": result.ChunksCreated,
					"duration_ms":    result.Duration.Milliseconds(),
				})
			}
			ui.Success("Ingested document %s", result.DocumentID)
			ui.KeyValue("Chunks", result.ChunksCreated)
			ui.KeyValue("Duration", FormatDuration(result.Duration))
			return nil
		},
	}
	return cmd
}

func newIngestStaleCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List documents stuck in processing",
		Long: `Lists documents that entered processing and never reached ready or
error, usually because a worker died mid-job. Recover them with
'ingest run <document-id>' or the reprocess API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			docs, err := repos.Stats.StaleProcessing(ctx, resolveClient(), olderThan, limit)
			if err != nil {
				return err
			}

			if outputJSON {
				if docs == nil {
					docs = []*storage.StaleDocument{}
				}
				return printJSON(docs)
			}
			if len(docs) == 0 {
				ui.Info("No stale documents")
				return nil
			}
			rows := make([][]string, 0, len(docs))
			for _, d := range docs {
				rows = append(rows, []string{
					d.ID.String(),
					string(d.SourceType),
					d.ProcessingStartedAt.Format("2006-01-02 15:04"),
					strconv.Itoa(d.Attempts),
				})
			}
			ui.Table([]string{"Document", "Source", "Started", "Attempts"}, rows)
			ui.Warning("%d document(s) stuck in processing", len(docs))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "how long processing must have run to count as stuck")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	return cmd
}

func newIngestFailuresCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List recently failed ingestion jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			failures, err := repos.Stats.RecentFailures(ctx, resolveClient(), limit)
			if err != nil {
				return err
			}

			if outputJSON {
				if failures == nil {
					failures = []*storage.FailedIngestion{}
				}
				return printJSON(failures)
			}
			if len(failures) == 0 {
				ui.Info("No failed jobs")
				return nil
			}
			rows := make([][]string, 0, len(failures))
			for _, f := range failures {
				reason := ""
				if f.ErrorMessage != nil {
					reason = truncateRunes(*f.ErrorMessage, 48)
				}
				finished := ""
				if f.FinishedAt != nil {
					finished = f.FinishedAt.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{
					f.DocumentID.String(),
					string(f.JobType),
					strconv.Itoa(f.Attempts),
					finished,
					reason,
				})
			}
			ui.Table([]string{"Document", "Type", "Attempts", "Failed at", "Reason"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	return cmd
}

// queuedOrFreshJob returns the newest queued job for the document, creating
// a new ingest job when nothing is waiting.
func queuedOrFreshJob(ctx context.Context, repos *storage.Repositories, documentID uuid.UUID) (*storage.KnowledgeJob, error) {
	jobs, err := repos.Jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.Status == storage.JobStatusQueued {
			return job, nil
		}
	}
	return repos.Jobs.Create(ctx, documentID, storage.JobTypeIngest, nil)
}
