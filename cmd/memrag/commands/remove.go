package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/audit"
)

// NewRemoveCmd constructs the `memrag remove` command, which deletes the
// documents most similar to a query.
func NewRemoveCmd() *cobra.Command {
	var threshold float64
	var maxRemove int

	cmd := &cobra.Command{
		Use:   "remove [query]",
		Short: "Remove the documents similar to a query",
		Long: `Remove every document whose similarity to the query reaches the threshold,
then save the store. When more than --max documents match, only the --max
most recently added ones are removed; older matches are kept.

Examples:
  memrag remove "the staging database lives in eu-west-1"
  memrag remove --threshold 0.9 --max 1 "old deploy checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if threshold < -1 || threshold > 1 {
				return fmt.Errorf("remove: --threshold must be within [-1, 1]")
			}
			if maxRemove < 0 {
				return fmt.Errorf("remove: --max must not be negative")
			}
			a, st, err := openStore()
			if err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			defer a.Close()

			query := strings.Join(args, " ")
			removed, err := st.RemoveByQuery(cmd.Context(), query, threshold, maxRemove)
			if err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			audit.LogRemoval(log, st.Name(), query, threshold, removed)

			if len(removed) == 0 {
				fmt.Fprintln(os.Stdout, faint("nothing matched"))
				return nil
			}
			if err := st.Save(); err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			fmt.Fprintf(os.Stdout, "%s %d document(s) %v from %s (%d left)\n",
				boldGreen("removed"), len(removed), removed, st.Name(), st.Len())
			return nil
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity (default: remove.threshold)")
	cmd.Flags().IntVar(&maxRemove, "max", 0, "Maximum documents removed (default: remove.max_remove_count)")

	return cmd
}
