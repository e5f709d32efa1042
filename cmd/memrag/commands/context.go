package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/prompt"
)

// defaultSystemPrompt is used when --system is not given.
const defaultSystemPrompt = "You are a helpful assistant."

// NewContextCmd constructs the `memrag context` command, which prints the
// memory-enhanced system prompt for a user message.
func NewContextCmd() *cobra.Command {
	var system string
	var topK int
	var timeout time.Duration
	var maxTokens int
	var asMessages bool

	cmd := &cobra.Command{
		Use:   "context [message]",
		Short: "Build the memory-enhanced system prompt for a message",
		Long: `Search the "memory" and "notes" stores for the message and append what
was recalled to the system prompt. The result is what a chat front end
would send to its model. Recalled texts that would push the request past
--max-tokens are dropped, least relevant first.

Examples:
  memrag context "what did we decide about the staging database?"
  memrag context --system "You are a release engineer." --top-k 5 "deploy"
  memrag context --messages "deploy"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return fmt.Errorf("context: %w", err)
			}
			defer a.Close()

			mem, err := a.Store(memory.NameMemory)
			if err != nil {
				return fmt.Errorf("context: %w", err)
			}
			notes, err := a.Store(memory.NameNotes)
			if err != nil {
				return fmt.Errorf("context: %w", err)
			}

			builder := prompt.NewBuilder(mem, notes, prompt.Config{
				SystemPrompt:     system,
				TopK:             topK,
				Timeout:          timeout,
				MaxContextTokens: maxTokens,
			}, log)

			message := strings.Join(args, " ")
			if asMessages {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(builder.Messages(cmd.Context(), message, nil))
			}
			fmt.Fprintln(os.Stdout, builder.Build(cmd.Context(), message).SystemPrompt)
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", defaultSystemPrompt, "Base system prompt")
	cmd.Flags().IntVarP(&topK, "top-k", "k", prompt.DefaultTopK, "Results requested from each store")
	cmd.Flags().DurationVar(&timeout, "timeout", prompt.DefaultTimeout, "Timeout for each store search")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget for the whole request (default: 6000)")
	cmd.Flags().BoolVar(&asMessages, "messages", false, "Print the full chat request as JSON messages")

	return cmd
}
