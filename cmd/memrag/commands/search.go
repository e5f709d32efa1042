package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/memory"
)

// NewSearchCmd constructs the `memrag search` command, which recalls the
// documents relevant to a query and prints them ranked.
func NewSearchCmd() *cobra.Command {
	var topK int
	var timeout time.Duration
	var asPrompt bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Recall the documents relevant to a query",
		Long: `Run every recall method over the store, merge and rerank the candidates
and print the top results. A backend failure or a timeout prints no results
rather than an error.

Examples:
  memrag search "where is the staging database?"
  memrag search --top-k 3 --timeout 2s "deploy checklist"
  memrag search --prompt "deploy checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, st, err := openStore()
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer a.Close()

			query := strings.Join(args, " ")
			results := st.Search(cmd.Context(), query, topK, timeout)
			if asPrompt {
				texts := make([]string, len(results))
				for i, r := range results {
					texts[i] = r.Text
				}
				if len(texts) > 0 {
					fmt.Fprint(os.Stdout, memory.FormatRecalled(texts))
				}
				return nil
			}
			printResults(os.Stdout, results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum results (default: memory.top_k)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Search timeout (default: memory.search_timeout)")
	cmd.Flags().BoolVar(&asPrompt, "prompt", false, "Print the results formatted as a prompt block")

	return cmd
}
