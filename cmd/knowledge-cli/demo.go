package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/archon-ai/knowledge-core/internal/config"
	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/extract"
	"github.com/archon-ai/knowledge-core/internal/filestore"
	"github.com/archon-ai/knowledge-core/internal/ingest"
	"github.com/archon-ai/knowledge-core/internal/retrieval"
	"github.com/archon-ai/knowledge-core/internal/storage"
	"github.com/archon-ai/knowledge-core/internal/vectorstore"
)

// The demo corpus: three short support articles for a fictional e-bike.
var demoDocuments = []struct {
	title   string
	content string
}{
	{
		title: "Battery care and storage",
		content: `The Trailhead battery pack charges from empty to full in about four
hours using the bundled 4A charger. Partial charges are fine and do not
harm the cells. Avoid charging below freezing; the charger refuses to
start under 0 degrees Celsius and shows a blinking blue light instead.

For storage longer than two weeks, charge the pack to roughly 50 percent
and keep it indoors between 10 and 25 degrees Celsius. A pack stored
full or empty for months loses capacity noticeably faster. Check the
charge level every eight weeks and top it back up to half.

Battery packs ship separately from the bike at a 30 percent state of
charge, which is the safest level for air transport. Give the pack a
full charge before the first ride to calibrate the gauge.`,
	},
	{
		title: "Shipping and returns",
		content: `Orders placed before noon leave the warehouse the same business day.
Standard delivery takes three to five business days inside the
continental US and is free for orders above 75 dollars. Expedited
two-day delivery is available at checkout for a flat 19 dollar fee.

Every shipment includes a tracking link by email. Oversized items such
as complete bikes ship by freight carrier and require a delivery
appointment and a signature.

Returns are accepted within 30 days of delivery. Items must be unused
and in their original packaging. Refunds are issued to the original
payment method within five business days of the return arriving at the
warehouse. Return shipping is free for defective items; otherwise a
12 dollar label fee is deducted from the refund.`,
	},
	{
		title: "Getting started",
		content: `Unbox the bike, seat the battery pack in the downtube rail until it
clicks, and press the power button on the top tube for two seconds. The
display lights up and shows the charge level and assist mode.

Install the companion app and pair it over Bluetooth: open the app,
choose Add Bike, and hold the plus and minus buttons on the handlebar
remote until the display flashes. Pairing unlocks over-the-air firmware
updates, ride statistics, and the anti-theft motion alarm.

Update the firmware before the first ride. The update takes about three
minutes and the bike must stay powered on with at least 20 percent
charge. After the update, cycle the power once and check tire pressure;
the recommended range is printed on the tire sidewall.`,
	},
}

var demoQueries = []string{
	"How should I store the battery over the winter?",
	"What is the return window for an unused item?",
	"How do I pair the bike with the app?",
}

func newDemoCmd() *cobra.Command {
	var (
		migrationsDir string
		keep          bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Interactive ingestion and retrieval walk-through",
		Long: `Creates a scratch sqlite database, ingests a small sample corpus with
mock embeddings and an in-memory vector index, and then answers
retrieval queries interactively. Nothing it creates outlives the
session unless --keep is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), migrationsDir, keep)
		},
	}

	cmd.Flags().StringVar(&migrationsDir, "migrations", "db/migrations", "directory containing *.sql migrations")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the scratch database and files")
	return cmd
}

func runDemo(ctx context.Context, migrationsDir string, keep bool) error {
	printDemoBanner()

	stamp := time.Now().Unix()
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("knowledge_demo_%d.db", stamp))
	filesDir := filepath.Join(os.TempDir(), fmt.Sprintf("knowledge_demo_files_%d", stamp))
	if !keep {
		defer os.Remove(dbPath)
		defer os.RemoveAll(filesDir)
	}

	demoCfg := config.DefaultConfig()
	demoCfg.Database.Driver = "sqlite3"
	demoCfg.Database.DSN = dbPath

	db, err := storage.Open(demoCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	setupCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := storage.Migrate(setupCtx, db, migrationsDir, "sqlite3"); err != nil {
		return fmt.Errorf("migrate scratch database: %w", err)
	}
	ui.Info("Scratch database: %s", dbPath)

	repos := storage.NewRepositories(db)
	files := filestore.New(filesDir)
	memStore := vectorstore.NewMemoryStore()
	embedder := embedding.NewMockClient(64)
	pipeline := ingest.NewPipeline(logger, db, ingest.PipelineConfig{}, extract.NewExtractor(logger, files), embedder, memStore, nil, nil)

	// Small chunks so each article splits into a handful of pieces.
	kb := &storage.KnowledgeBase{
		ClientID:     uuid.New(),
		Name:         "Trailhead Support",
		ChunkSize:    128,
		ChunkOverlap: 16,
	}
	if err := repos.Bases.Create(setupCtx, kb); err != nil {
		return err
	}

	totalChunks := 0
	bar := NewStepBar("Ingesting sample articles", len(demoDocuments))
	for _, article := range demoDocuments {
		chunks, err := seedDemoDocument(setupCtx, repos, files, pipeline, kb, article.title, article.content)
		if err != nil {
			return fmt.Errorf("seed %q: %w", article.title, err)
		}
		totalChunks += chunks
		bar.Step()
	}
	bar.Finish()

	ui.Success("Ingested %d articles into %d chunks", len(demoDocuments), totalChunks)
	ui.Warning("Embeddings are deterministic mocks; similarity scores are illustrative only")
	ui.Info("Type a question, \"examples\" for ideas, or \"quit\" to leave")

	retriever := retrieval.NewRetriever(logger, embedder, memStore)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n❓ query> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			ui.Info("Bye")
			return nil
		case line == "examples":
			for _, q := range demoQueries {
				fmt.Printf("  • %s\n", q)
			}
			continue
		}

		queryCtx, cancelQuery := context.WithTimeout(ctx, commandTimeout)
		ragContext, err := retriever.Retrieve(queryCtx, db, []uuid.UUID{kb.ID}, line, 4, 0)
		cancelQuery()
		if err != nil {
			ui.Failure("retrieve: %v", err)
			continue
		}
		if len(ragContext.References) == 0 {
			ui.Info("No relevant chunks found")
			continue
		}
		printContext(ragContext)
	}
	ui.Info("Bye")
	return scanner.Err()
}

// seedDemoDocument runs one article through the same path the add-text
// command uses: document row, raw file, job, pipeline.
func seedDemoDocument(ctx context.Context, repos *storage.Repositories, files *filestore.Store, pipeline *ingest.Pipeline, kb *storage.KnowledgeBase, title, content string) (int, error) {
	mimeType := "text/plain"
	preview := truncateRunes(content, docPreviewChars)
	doc := &storage.KnowledgeDocument{
		KnowledgeBaseID: kb.ID,
		ClientID:        kb.ClientID,
		SourceType:      storage.SourceTypeText,
		MimeType:        &mimeType,
		ContentPreview:  &preview,
	}
	if err := setDocMetadata(doc, map[string]interface{}{"raw_text": content, "title": title}); err != nil {
		return 0, err
	}
	if err := repos.Documents.Create(ctx, doc); err != nil {
		return 0, err
	}
	path, err := files.SaveText(kb.ClientID, kb.ID, doc.ID, content, ".txt")
	if err != nil {
		return 0, err
	}
	doc.StoragePath = &path
	if err := repos.Documents.Update(ctx, doc); err != nil {
		return 0, err
	}

	job, err := repos.Jobs.Create(ctx, doc.ID, storage.JobTypeIngest, nil)
	if err != nil {
		return 0, err
	}
	result, err := pipeline.ProcessDocument(ctx, doc.ID, job.ID)
	if err != nil {
		return 0, err
	}
	return result.ChunksCreated, nil
}

func printDemoBanner() {
	lines := []string{
		"Knowledge Core Demo",
		"",
		"Ingests sample support articles into a scratch database,",
		"then answers retrieval queries against them.",
	}
	width := 0
	for _, line := range lines {
		if len(line) > width {
			width = len(line)
		}
	}
	fmt.Println("╔" + strings.Repeat("═", width+2) + "╗")
	for i, line := range lines {
		pad := width - len(line)
		left := 0
		if i == 0 {
			left = pad / 2
		}
		fmt.Println("║ " + strings.Repeat(" ", left) + line + strings.Repeat(" ", pad-left) + " ║")
	}
	fmt.Println("╚" + strings.Repeat("═", width+2) + "╝")
}
