package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewAddCmd constructs the `memrag add` command, which stores one document
// per argument and saves the snapshot.
func NewAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [text...]",
		Short: "Add texts to a memory store",
		Long: `Embed each argument and add it to the store as its own document, then
save the store snapshot.

Examples:
  memrag add "the staging database lives in eu-west-1"
  memrag add --store notes "prefer table-driven tests" "never log API keys"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, st, err := openStore()
			if err != nil {
				return fmt.Errorf("add: %w", err)
			}
			defer a.Close()

			if err := st.AddTexts(cmd.Context(), args...); err != nil {
				return fmt.Errorf("add: %w", err)
			}
			if err := st.Save(); err != nil {
				return fmt.Errorf("add: %w", err)
			}
			fmt.Fprintf(os.Stdout, "%s %d text(s) to %s (%d documents)\n",
				boldGreen("added"), len(args), st.Name(), st.Len())
			return nil
		},
	}
}
