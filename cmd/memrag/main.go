// Command memrag is the entry point for the memrag retrieval memory. It
// provides a CLI (via Cobra) over the named memory stores and an optional
// HTTP server exposing the same operations.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/memrag/cmd/memrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
