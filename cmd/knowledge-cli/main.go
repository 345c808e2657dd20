// Command knowledge-cli is the operator tool for the knowledge core. It
// works directly against the configured database, so no API server has to
// be running: it applies schema migrations, manages knowledge bases,
// ingests documents through the same pipeline the API and worker use, and
// runs retrieval queries for spot checks.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"

	"github.com/archon-ai/knowledge-core/internal/config"
	"github.com/archon-ai/knowledge-core/internal/embedding"
	"github.com/archon-ai/knowledge-core/internal/observability"
	"github.com/archon-ai/knowledge-core/internal/storage"
)

const cliVersion = "0.1.0"

const commandTimeout = 30 * time.Second

var (
	cfgFile    string
	clientFlag string
	outputJSON bool
	noColor    bool
	verbose    bool

	cfg    *config.Config
	logger *observability.Logger
	ui     *UI
)

var rootCmd = &cobra.Command{
	Use:   "knowledge-cli",
	Short: "Operate the knowledge ingestion and retrieval core",
	Long: `knowledge-cli manages knowledge bases and documents directly against
the configured database. It applies schema migrations, ingests content
through the shared pipeline, and runs retrieval queries from the terminal.

Identifiers may be UUIDs or stable names: a name is hashed into a UUID,
so "knowledge-cli base create --name support-faq" and later
"knowledge-cli base get support-faq" refer to the same base.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Commands report through the UI; the logger only surfaces
		// warnings from the packages underneath unless -v is set.
		level := "warn"
		if verbose {
			level = "debug"
		}
		format := "console"
		if outputJSON {
			format = "json"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      format,
			ServiceName: "knowledge-cli",
		})

		ui = NewUI(outputJSON, noColor)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if ui != nil {
			ui.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&clientFlag, "client", "", "tenant client id or name")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit machine-readable JSON on stdout")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newMigrateCmd(),
		newBaseCmd(),
		newDocumentCmd(),
		newIngestCmd(),
		newRetrieveCmd(),
		newDemoCmd(),
		newVersionCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if ui != nil {
			ui.Failure("%v", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// resolveID turns an identifier argument into a UUID. Anything that does
// not parse as a UUID is treated as a stable name and hashed, so scripts
// can use names like "support-faq" wherever an id is expected.
func resolveID(idOrName string) uuid.UUID {
	if id, err := uuid.Parse(idOrName); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(idOrName))
}

// resolveClient maps --client to a tenant id. Empty means uuid.Nil, which
// repositories treat as "no tenant scoping".
func resolveClient() uuid.UUID {
	if strings.TrimSpace(clientFlag) == "" {
		return uuid.Nil
	}
	return resolveID(clientFlag)
}

// requireClient is for commands whose queries are tenant-scoped and have
// no unscoped form.
func requireClient() (uuid.UUID, error) {
	clientID := resolveClient()
	if clientID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("--client is required for this command")
	}
	return clientID, nil
}

// newEmbedder returns the configured embedding client, falling back to
// deterministic mock vectors when no API key is set so local work does not
// need provider credentials.
func newEmbedder() embedding.Client {
	if strings.TrimSpace(cfg.Embedding.APIKey) == "" {
		ui.Warning("EMBEDDING_API_KEY is not set, using mock embeddings")
		return embedding.NewMockClient(cfg.Embedding.Dimensions)
	}
	return embedding.NewHTTPClient(logger, embedding.Config{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
}

// printJSON writes v to stdout with stable indentation.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a yes/no question on the terminal. Non-interactive runs,
// such as piped stdin hitting EOF, answer no.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newMigrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			db, err := storage.Open(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator := storage.NewMigrator(db, dir, cfg.DriverName())
			pending, err := migrator.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				if outputJSON {
					return printJSON(map[string]interface{}{"applied": []string{}})
				}
				ui.Info("No pending migrations")
				return nil
			}

			applied, err := migrator.Up(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]interface{}{"applied": applied})
			}
			for _, name := range applied {
				ui.Success("Applied %s", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "db/migrations", "directory containing *.sql migrations")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("knowledge-cli v%s\n", cliVersion)
		},
	}
}
