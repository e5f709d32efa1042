// Package commands defines all Cobra CLI commands for the memrag binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/audit"
	"github.com/54b3r/memrag/internal/config"
	"github.com/54b3r/memrag/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// storeName holds the --store flag value shared by every store command.
var storeName string

// story selects the story save named by --store instead of a character store.
var story bool

// cfg is the effective configuration, loaded before any subcommand runs.
var cfg *config.Config

// log is the process logger, built from cfg.Logging.
var log = slog.Default()

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "memrag",
		Short: "memrag: a local retrieval memory with multi-path recall and reranking",
		Long: `memrag keeps named memory stores of short texts and recalls the ones
relevant to a query. Every store is searched by one or more embedding-based
recall methods; their candidates are merged, de-duplicated and reranked.

Stores are persisted as JSON snapshots under the data directory. The
"memory" and "notes" stores feed the prompt context builder.

Embedding and rerank backends are configured via a YAML config file
(~/.memrag/config.yaml) or the BASE_URL, API_KEY, EMBEDDING_MODEL and
RERANKER_MODEL environment variables.
See 'memrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			boot := logging.FromEnv()

			// Load YAML config (env vars always override YAML values).
			loaded, path, err := config.Load(configPath, boot)
			if err != nil {
				return err
			}
			cfg = loaded
			log = logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			slog.SetDefault(log)

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), storeName, path)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.memrag/config.yaml)")
	root.PersistentFlags().StringVarP(&storeName, "store", "s", "memory", "Name of the memory store to operate on")
	root.PersistentFlags().BoolVar(&story, "story", false, "Treat --store as a story save (<data_dir>/saves/<name>)")

	root.AddCommand(
		NewAddCmd(),
		NewTurnCmd(),
		NewSearchCmd(),
		NewRemoveCmd(),
		NewIngestCmd(),
		NewInfoCmd(),
		NewContextCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
