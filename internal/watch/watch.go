// Package watch reloads store snapshots when another process rewrites them.
// `memrag serve --watch` uses it so a long-running server picks up memories
// added by the CLI without a restart.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events one atomic save produces.
const DefaultDebounce = 200 * time.Millisecond

// Target is a snapshot-backed store. memory.Store satisfies it.
type Target interface {
	Name() string
	Path() string
	Reload() (bool, error)
}

// Watcher watches the directories holding each target's snapshot.
type Watcher struct {
	fsw      *fsnotify.Watcher
	targets  map[string]Target
	debounce time.Duration
	log      *slog.Logger
}

// New starts watching the snapshot directory of every target. Directories
// that do not exist yet are created so a first save is noticed too.
func New(targets []Target, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		targets:  make(map[string]Target, len(targets)),
		debounce: debounce,
		log:      log,
	}
	dirs := make(map[string]bool)
	for _, t := range targets {
		path := filepath.Clean(t.Path())
		w.targets[path] = t
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: create %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run dispatches reloads until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(ev.Name)
			if _, watched := w.targets[path]; !watched {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			pending[path] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch: watcher error", slog.Any("error", err))

		case <-timer.C:
			for path := range pending {
				w.reload(w.targets[path])
				delete(pending, path)
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) reload(t Target) {
	reloaded, err := t.Reload()
	switch {
	case err != nil:
		w.log.Error("watch: reload failed", slog.String("store", t.Name()), slog.Any("error", err))
	case reloaded:
		w.log.Info("watch: snapshot reloaded", slog.String("store", t.Name()), slog.String("path", t.Path()))
	}
}
