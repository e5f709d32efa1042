package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewTurnCmd constructs the `memrag turn` command, which stores one chat
// exchange as a single document.
func NewTurnCmd() *cobra.Command {
	var user, assistant string

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Add a user/assistant exchange to a memory store",
		Long: `Store one conversational turn as a single document of the form

  user: <user message>
  assistant: <assistant reply>

Examples:
  memrag turn --user "where is staging?" --assistant "eu-west-1"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" && assistant == "" {
				return fmt.Errorf("turn: --user or --assistant is required")
			}
			a, st, err := openStore()
			if err != nil {
				return fmt.Errorf("turn: %w", err)
			}
			defer a.Close()

			if err := st.AddChatTurn(cmd.Context(), user, assistant); err != nil {
				return fmt.Errorf("turn: %w", err)
			}
			if err := st.Save(); err != nil {
				return fmt.Errorf("turn: %w", err)
			}
			fmt.Fprintf(os.Stdout, "%s turn to %s (%d documents)\n", boldGreen("added"), st.Name(), st.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "What the user said")
	cmd.Flags().StringVarP(&assistant, "assistant", "a", "", "The assistant's reply")

	return cmd
}
