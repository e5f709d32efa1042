package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/memrag/internal/logging"
	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/server"
	"github.com/54b3r/memrag/internal/version"
	"github.com/54b3r/memrag/internal/watch"
)

// NewServeCmd constructs the `memrag serve` command, which starts the HTTP
// API over the memory stores.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watchFiles bool
	var preload []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the memrag HTTP server",
		Long: `Start the memrag HTTP server.

Stores are opened on first use and saved on POST /api/stores/{name}/save
and on shutdown (SIGINT/SIGTERM). With --watch, the snapshots of the
preloaded stores are reloaded when another process rewrites them.

Store routes require "Authorization: Bearer $MEMRAG_API_KEY" when
MEMRAG_API_KEY is set. MEMRAG_READ_API_KEY, if also set, is a second token
that may only search and read store info. /api/health, /api/ready and
/metrics stay open.

Examples:
  memrag serve
  memrag serve --port 9090
  memrag serve --watch --preload memory --preload notes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, log)

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			a, err := openApp()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			log.Info("serve starting",
				slog.Any("methods", a.Methods()),
				slog.Bool("reranker", !cfg.RerankerDisabled()),
				slog.Bool("cache", a.Cache() != nil),
			)

			var targets []watch.Target
			for _, name := range preload {
				st, err := a.Store(name)
				if err != nil {
					return fmt.Errorf("serve: preload %s: %w", name, err)
				}
				targets = append(targets, st)
			}

			if watchFiles {
				if len(targets) == 0 {
					return errors.New("serve: --watch needs at least one --preload store")
				}
				w, err := watch.New(targets, watch.DefaultDebounce, log)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer w.Close()
				go func() {
					if err := w.Run(ctx); err != nil {
						log.Error("watch: stopped", slog.Any("error", err))
					}
				}()
				log.Info("watching snapshots", slog.Int("stores", len(targets)))
			}

			srv, err := server.New(a, &server.Config{
				Host:            cfg.Server.Host,
				Port:            cfg.Server.Port,
				Logger:          log,
				Pingers:         buildPingers(a),
				RateLimit:       cfg.Server.RateLimitRPS,
				RateBurst:       cfg.Server.RateLimitBurst,
				WriteRateLimit:  cfg.Server.WriteRateLimitRPS,
				WriteRateBurst:  cfg.Server.WriteRateLimitBurst,
				APIKey:          cfg.Server.APIKey,
				ReadAPIKey:      cfg.Server.ReadAPIKey,
				MetricsRegistry: a.Registry(),
				MetricsGatherer: a.Registry(),
				Version:         version.Get().Version,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&watchFiles, "watch", false, "Reload preloaded stores when their snapshot changes on disk")
	cmd.Flags().StringArrayVar(&preload, "preload", []string{memory.NameMemory}, "Store to open at startup (repeatable)")

	return cmd
}
