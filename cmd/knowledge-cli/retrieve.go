package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

func newRetrieveCmd() *cobra.Command {
	var (
		baseArgs  []string
		topK      int
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Run a retrieval query against one or more knowledge bases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DriverName() != "postgres" {
				return fmt.Errorf("similarity search needs the postgres driver with pgvector; use the demo command for a local walk-through")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := vectorstore.New(cfg)
			if err != nil {
				return err
			}
			retriever := retrieval.NewRetriever(logger, newEmbedder(), store)

			baseIDs := make([]uuid.UUID, 0, len(baseArgs))
			for _, raw := range baseArgs {
				baseIDs = append(baseIDs, resolveID(raw))
			}
			if topK <= 0 {
				topK = cfg.Retrieval.TopK
			}
			if threshold <= 0 {
				threshold = cfg.Retrieval.ScoreThreshold
			}

			ragContext, err := retriever.Retrieve(ctx, db, baseIDs, args[0], topK, threshold)
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(ragContext)
			}
			if len(ragContext.References) == 0 {
				ui.Info("No relevant chunks found")
				return nil
			}
			printContext(ragContext)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&baseArgs, "base", nil, "knowledge base id or name (repeatable)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum chunks to retrieve (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity score to keep (default from config)")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

// printContext renders retrieved text followed by its reference table.
func printContext(ragContext *retrieval.Context) {
	ui.Section("Retrieved context")
	ui.Print(ragContext.Text)
	ui.Newline()
	rows := make([][]string, 0, len(ragContext.References))
	for i, ref := range ragContext.References {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			shortID(ref.DocumentID),
			truncateRunes(ref.Source, 48),
			strconv.Itoa(ref.ChunkIndex),
			fmt.Sprintf("%.3f", ref.Score),
		})
	}
	ui.Table([]string{"#", "Document", "Source", "Chunk", "Score"}, rows)
}

// shortID abbreviates a UUID string for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
