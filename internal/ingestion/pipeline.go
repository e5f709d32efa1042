// Package ingestion implements the document ingestion pipeline behind
// `memrag ingest`. It reads local files (directly or through a doublestar
// glob) or fetches http(s) URLs, splits the text into paragraphs, chunks
// paragraphs that are too long, and hands the result to a Sink.
package ingestion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SourceKind distinguishes local files from remote pages.
type SourceKind string

const (
	// SourceFile is a path on the local filesystem.
	SourceFile SourceKind = "file"
	// SourceURL is an http(s) URL.
	SourceURL SourceKind = "url"
)

// Source describes one document to be ingested.
type Source struct {
	// Kind selects how Location is read.
	Kind SourceKind

	// Location is a file path or an http(s) URL.
	Location string
}

// Sink receives the paragraphs of each source. memory.Store satisfies it.
type Sink interface {
	AddTexts(ctx context.Context, texts ...string) error
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per paragraph. Longer
	// paragraphs are split into overlapping chunks. Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive chunks.
	// Defaults to 100 if zero.
	ChunkOverlap int

	// MinParagraphLen drops paragraphs of this many characters or fewer.
	MinParagraphLen int

	// HTTPTimeout is the timeout for each URL fetch.
	// Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Result summarises an ingestion run.
type Result struct {
	// Sources is the number of sources read.
	Sources int
	// Paragraphs is the number of texts handed to the sink.
	Paragraphs int
	// Duplicates is the number of paragraphs skipped because an identical
	// one was already ingested in this run.
	Duplicates int
}

// Pipeline orchestrates the read → split → chunk → sink flow for a set of
// sources.
type Pipeline struct {
	// sink stores the paragraphs.
	sink Sink

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching URLs.
	httpClient *http.Client

	log *slog.Logger
}

// NewPipeline constructs a Pipeline from the provided sink and config.
func NewPipeline(sink Sink, cfg *Config, log *slog.Logger) (*Pipeline, error) {
	if sink == nil {
		return nil, fmt.Errorf("ingestion: sink must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "memrag/1.0 (document ingestion)"
	}
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		sink: sink,
		cfg:  cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		log: log,
	}, nil
}

// Expand resolves a doublestar pattern ("docs/**/*.md") into file sources,
// in lexical order. A pattern that matches nothing is an error.
func Expand(pattern string) ([]Source, error) {
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("ingestion: invalid glob %q", pattern)
	}
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("ingestion: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("ingestion: glob %q matched no files", pattern)
	}
	slices.Sort(matches)
	sources := make([]Source, len(matches))
	for i, m := range matches {
		sources[i] = Source{Kind: SourceFile, Location: m}
	}
	return sources, nil
}

// Ingest reads, splits and stores all provided sources. It processes sources
// sequentially and returns the first error encountered; sources stored
// before the failure stay stored. Progress is reported via the optional
// progress callback.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) (Result, error) {
	if progress == nil {
		progress = func(string) {}
	}

	var res Result
	seen := make(map[[sha256.Size]byte]struct{})
	for _, src := range sources {
		progress(fmt.Sprintf("reading %s", src.Location))

		content, err := p.read(ctx, src)
		if err != nil {
			return res, fmt.Errorf("ingestion: read failed for %s: %w", src.Location, err)
		}

		var texts []string
		for _, para := range SplitParagraphs(content, p.cfg.MinParagraphLen) {
			for _, c := range chunk(para, p.cfg.ChunkSize, p.cfg.ChunkOverlap) {
				key := sha256.Sum256([]byte(c))
				if _, dup := seen[key]; dup {
					res.Duplicates++
					continue
				}
				seen[key] = struct{}{}
				texts = append(texts, c)
			}
		}
		res.Sources++
		if len(texts) == 0 {
			progress(fmt.Sprintf("no paragraphs in %s", src.Location))
			continue
		}

		if err := p.sink.AddTexts(ctx, texts...); err != nil {
			return res, fmt.Errorf("ingestion: store failed for %s: %w", src.Location, err)
		}
		res.Paragraphs += len(texts)
		p.log.Info("ingestion: source stored",
			slog.String("source", src.Location),
			slog.Int("paragraphs", len(texts)),
		)
		progress(fmt.Sprintf("ingested %d paragraphs from %s", len(texts), src.Location))
	}

	return res, nil
}

// read returns the text content of src.
func (p *Pipeline) read(ctx context.Context, src Source) (string, error) {
	switch src.Kind {
	case SourceFile:
		b, err := os.ReadFile(src.Location)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case SourceURL:
		return p.fetch(ctx, src.Location)
	default:
		return "", fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

// fetch retrieves the raw text content of a URL.
func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("unsupported URL scheme in %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return string(body), nil
}
