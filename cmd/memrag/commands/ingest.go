package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/ingestion"
)

// NewIngestCmd constructs the `memrag ingest` command, which splits files
// and web pages into paragraphs and adds them to a store.
func NewIngestCmd() *cobra.Command {
	var files, globs, urls []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest files, glob matches and web pages into a memory store",
		Long: `Read each source, split it into paragraphs at blank lines and add every
paragraph longer than memory.min_paragraph_len characters to the store.
Paragraphs longer than ingestion.chunk_size are split into overlapping
chunks. Identical paragraphs are stored once per run.

Globs use doublestar syntax, so "**" matches any number of directories.

Examples:
  memrag ingest --file notes.txt
  memrag ingest --store notes --glob "docs/**/*.md"
  memrag ingest --url https://example.com/runbook.html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var sources []ingestion.Source
			for _, f := range files {
				sources = append(sources, ingestion.Source{Kind: ingestion.SourceFile, Location: f})
			}
			for _, g := range globs {
				matched, err := ingestion.Expand(g)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				sources = append(sources, matched...)
			}
			for _, u := range urls {
				sources = append(sources, ingestion.Source{Kind: ingestion.SourceURL, Location: u})
			}
			if len(sources) == 0 {
				return fmt.Errorf("ingest: at least one --file, --glob or --url is required")
			}

			a, st, err := openStore()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			pipeline, err := ingestion.NewPipeline(st, &ingestion.Config{
				ChunkSize:       cfg.Ingestion.ChunkSize,
				ChunkOverlap:    cfg.Ingestion.ChunkOverlap,
				MinParagraphLen: cfg.Memory.MinParagraphLen,
				HTTPTimeout:     cfg.Ingestion.HTTPTimeout,
			}, log)
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			log.Info("starting ingestion", slog.Int("sources", len(sources)), slog.String("store", st.Name()))

			res, err := pipeline.Ingest(ctx, sources, func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}
			if err := st.Save(); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			fmt.Fprintf(os.Stdout, "%s %d paragraph(s) from %d source(s) into %s (%d duplicate(s) skipped, %d documents)\n",
				boldGreen("ingested"), res.Paragraphs, res.Sources, st.Name(), res.Duplicates, st.Len())
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "Text file to ingest (repeatable)")
	cmd.Flags().StringArrayVarP(&globs, "glob", "g", nil, "Doublestar pattern of files to ingest (repeatable)")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "http(s) URL to ingest (repeatable)")

	return cmd
}
