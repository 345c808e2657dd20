package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

func newBaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "base",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(
		newBaseCreateCmd(),
		newBaseListCmd(),
		newBaseGetCmd(),
		newBaseStatsCmd(),
		newBaseArchiveCmd(),
	)
	return cmd
}

func newBaseCreateCmd() *cobra.Command {
	var (
		name           string
		description    string
		language       string
		embeddingModel string
		chunkSize      int
		chunkOverlap   int
		configJSON     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := requireClient()
			if err != nil {
				return err
			}
			if configJSON != "" && !json.Valid([]byte(configJSON)) {
				return fmt.Errorf("--config must be valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			// The id is derived from the name, so later commands can
			// address the base by name without a lookup.
			kb := &storage.KnowledgeBase{
				ID:             resolveID(name),
				ClientID:       clientID,
				Name:           name,
				Language:       language,
				EmbeddingModel: embeddingModel,
				ChunkSize:      chunkSize,
				ChunkOverlap:   chunkOverlap,
			}
			if description != "" {
				kb.Description = &description
			}
			if configJSON != "" {
				kb.Config = json.RawMessage(configJSON)
			}
			if err := repos.Bases.Create(ctx, kb); err != nil {
				return err
			}

			if outputJSON {
				return printJSON(kb)
			}
			ui.Success("Created knowledge base %q", kb.Name)
			ui.KeyValue("ID", kb.ID)
			ui.KeyValue("Client", kb.ClientID)
			ui.KeyValue("Language", kb.Language)
			ui.KeyValue("Chunking", fmt.Sprintf("%d tokens, %d overlap", kb.ChunkSize, kb.ChunkOverlap))
			if kb.EmbeddingModel != "" {
				ui.KeyValue("Embedding model", kb.EmbeddingModel)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&language, "language", "", "ISO language code (default en)")
	cmd.Flags().StringVar(&embeddingModel, "embedding-model", "", "embedding model override")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in tokens (default 512)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "chunk overlap in tokens (default 128)")
	cmd.Flags().StringVar(&configJSON, "config", "", "extra configuration as a JSON object")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newBaseListCmd() *cobra.Command {
	var (
		search string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active knowledge bases for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := requireClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			bases, err := repos.Bases.List(ctx, clientID, search, offset, limit)
			if err != nil {
				return err
			}

			if outputJSON {
				if bases == nil {
					bases = []*storage.KnowledgeBase{}
				}
				return printJSON(bases)
			}
			if len(bases) == 0 {
				ui.Info("No knowledge bases found")
				return nil
			}
			rows := make([][]string, 0, len(bases))
			for _, kb := range bases {
				rows = append(rows, []string{
					kb.ID.String(),
					kb.Name,
					kb.Language,
					strconv.Itoa(kb.ChunkSize),
					kb.CreatedAt.Format("2006-01-02"),
				})
			}
			ui.Table([]string{"ID", "Name", "Lang", "Chunk", "Created"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "filter by name substring")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newBaseGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <base-id-or-name>",
		Short: "Show one knowledge base",
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

			if outputJSON {
				return printJSON(kb)
			}
			ui.Success("Knowledge base %q", kb.Name)
			ui.KeyValue("ID", kb.ID)
			ui.KeyValue("Client", kb.ClientID)
			if kb.Description != nil && *kb.Description != "" {
				ui.KeyValue("Description", *kb.Description)
			}
			ui.KeyValue("Language", kb.Language)
			ui.KeyValue("Chunking", fmt.Sprintf("%d tokens, %d overlap", kb.ChunkSize, kb.ChunkOverlap))
			if kb.EmbeddingModel != "" {
				ui.KeyValue("Embedding model", kb.EmbeddingModel)
			}
			ui.KeyValue("Active", kb.IsActive)
			ui.KeyValue("Created", kb.CreatedAt.Format(time.RFC3339))
			ui.KeyValue("Updated", kb.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
	return cmd
}

func newBaseStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <base-id-or-name>",
		Short: "Show ingestion health for one knowledge base",
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

			stats, err := repos.Stats.BaseStats(ctx, resolveID(args[0]), resolveClient())
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(stats)
			}
			ui.Success("Knowledge base %s", stats.KnowledgeBaseID)
			ui.KeyValue("Documents", stats.TotalDocuments)
			ui.KeyValue("  pending", stats.PendingDocuments)
			ui.KeyValue("  processing", stats.ProcessingDocuments)
			ui.KeyValue("  ready", stats.ReadyDocuments)
			ui.KeyValue("  error", stats.ErrorDocuments)
			ui.KeyValue("Chunks", stats.TotalChunks)
			ui.KeyValue("Queued jobs", stats.QueuedJobs)
			ui.KeyValue("Failed jobs", stats.FailedJobs)
			if stats.LastIngestedAt != nil {
				ui.KeyValue("Last ingested", stats.LastIngestedAt.Format(time.RFC3339))
			}
			if stats.ProcessingDocuments > 0 {
				ui.Warning("%d document(s) still processing; see 'ingest stale' if they do not settle", stats.ProcessingDocuments)
			}
			return nil
		},
	}
	return cmd
}

func newBaseArchiveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "archive <base-id-or-name>",
		Short: "Archive a knowledge base",
		Long: `Archive hides the base from listings and stops new retrieval against
it. Documents and chunks are kept and the base stays readable by id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := resolveID(args[0])
			if !yes && !confirm(fmt.Sprintf("Archive knowledge base %s?", id)) {
				ui.Info("Aborted")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			if err := repos.Bases.Archive(ctx, id, resolveClient(), nil); err != nil {
				return err
			}

			if outputJSON {
				return printJSON(map[string]string{"archived": id.String()})
			}
			ui.Success("Archived knowledge base %s", id)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
