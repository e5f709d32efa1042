package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/version"
)

// NewVersionCmd constructs the `memrag version` subcommand.
// It prints the binary version, git commit, and build date injected at
// build time via -ldflags. Falls back to module build info for local builds.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the memrag version, git commit, and build date",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get().String())
		},
	}
}
