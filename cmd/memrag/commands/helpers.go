package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/54b3r/memrag/internal/app"
	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/server"
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
)

// openApp builds the application context from the loaded config.
func openApp() (*app.App, error) {
	a, err := app.New(cfg, app.Options{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise: %w", err)
	}
	return a, nil
}

// openStore builds the application context and opens the --store store,
// or the story save of that name with --story. The caller must close the
// returned App.
func openStore() (*app.App, *memory.Store, error) {
	a, err := openApp()
	if err != nil {
		return nil, nil, err
	}
	open := a.Store
	if story {
		open = a.StoryStore
	}
	st, err := open(storeName)
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, st, nil
}

// printResults writes ranked search hits, one block per hit.
func printResults(w io.Writer, results []memory.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, faint("no relevant records"))
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s %s\n", boldCyan(fmt.Sprintf("[%d]", r.Rank)), r.Text)
	}
}

// printInfo writes a store summary.
func printInfo(w io.Writer, info memory.Info) {
	fmt.Fprintf(w, "%s %s\n", boldGreen("store:"), info.Name)
	fmt.Fprintf(w, "  path:      %s\n", info.Path)
	fmt.Fprintf(w, "  documents: %d\n", info.Documents)
	fmt.Fprintf(w, "  methods:   %v\n", info.Methods)
	if info.Model != "" {
		fmt.Fprintf(w, "  model:     %s\n", info.Model)
	}
	if !info.LastUpdated.IsZero() {
		fmt.Fprintf(w, "  updated:   %s\n", info.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	if info.Story {
		fmt.Fprintln(w, "  kind:      story save")
	}
	if info.Damaged {
		fmt.Fprintln(w, "  snapshot:  failed to load, saves are refused (see memory.overwrite_malformed)")
	}
}

// buildPingers returns one readiness pinger per remote backend plus the
// embedding cache when it is enabled.
func buildPingers(a *app.App) []server.Pinger {
	var pingers []server.Pinger
	for _, ep := range a.Endpoints() {
		pingers = append(pingers, server.NewHTTPPinger(ep.Name, ep.URL, nil))
	}
	if c := a.Cache(); c != nil {
		pingers = append(pingers, c)
	}
	return pingers
}
