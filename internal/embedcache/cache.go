// Package embedcache provides a persistent embedding cache. Vectors are
// stored in a local SQLite database keyed by (namespace, text) and fronted
// by an in-process ristretto cache, so re-indexing a snapshot or replaying
// an ingest does not pay for the same embedding twice.
package embedcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Options tunes the in-process layer.
type Options struct {
	// MaxCost bounds the in-process layer in bytes of vector data.
	// Defaults to 64 MiB. A negative value disables the layer.
	MaxCost int64

	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Cache is a two-level (ristretto over SQLite) embedding cache. It is safe
// for concurrent use.
type Cache struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// l1 is the in-process layer; nil when disabled.
	l1  *ristretto.Cache
	log *slog.Logger
}

// DefaultPath returns the cache database path under dataDir, creating the
// directory if needed.
func DefaultPath(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("embedcache: could not create %s: %w", dataDir, err)
	}
	return filepath.Join(dataDir, "embeddings.db"), nil
}

// Open opens (or creates) a Cache at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string, opts Options) (*Cache, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("embedcache: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{db: db, log: log}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.MaxCost >= 0 {
		maxCost := opts.MaxCost
		if maxCost == 0 {
			maxCost = 64 << 20
		}
		l1, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: maxCost / 256,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("embedcache: create memory layer: %w", err)
		}
		c.l1 = l1
	}
	return c, nil
}

// migrate creates the schema if it does not already exist.
func (c *Cache) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS embeddings (
    key          TEXT    PRIMARY KEY,
    namespace    TEXT    NOT NULL,
    dims         INTEGER NOT NULL,
    vector       BLOB    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_namespace
    ON embeddings (namespace);
`
	if _, err := c.db.Exec(ddl); err != nil {
		return fmt.Errorf("embedcache: migrate: %w", err)
	}
	return nil
}

// Get returns the cached vector for text under namespace.
func (c *Cache) Get(ctx context.Context, namespace, text string) ([]float32, bool, error) {
	key := cacheKey(namespace, text)
	if c.l1 != nil {
		if v, ok := c.l1.Get(key); ok {
			if vec, ok := v.([]float32); ok {
				return vec, true, nil
			}
		}
	}

	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("embedcache: get: %w", err)
	}
	vec, err := decode(blob)
	if err != nil {
		return nil, false, fmt.Errorf("embedcache: get: %w", err)
	}
	c.remember(key, vec)
	return vec, true, nil
}

// Put stores vec for text under namespace, replacing any previous value.
func (c *Cache) Put(ctx context.Context, namespace, text string, vec []float32) error {
	key := cacheKey(namespace, text)
	const q = `INSERT OR REPLACE INTO embeddings (key, namespace, dims, vector, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := c.db.ExecContext(ctx, q, key, namespace, len(vec), encode(vec), time.Now().Unix()); err != nil {
		return fmt.Errorf("embedcache: put: %w", err)
	}
	c.remember(key, vec)
	return nil
}

// Len returns the number of cached vectors under namespace, or in total when
// namespace is empty.
func (c *Cache) Len(ctx context.Context, namespace string) (int, error) {
	q := `SELECT COUNT(*) FROM embeddings`
	var args []any
	if namespace != "" {
		q += ` WHERE namespace = ?`
		args = append(args, namespace)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("embedcache: len: %w", err)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Name returns the label used in readiness responses.
func (c *Cache) Name() string { return "embedcache" }

// Close releases the database and the in-process layer.
func (c *Cache) Close() error {
	if c.l1 != nil {
		c.l1.Close()
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("embedcache: close: %w", err)
	}
	return nil
}

func (c *Cache) remember(key string, vec []float32) {
	if c.l1 != nil {
		c.l1.Set(key, vec, int64(len(vec)*4))
	}
}

// cacheKey hashes namespace and text into a fixed-length key.
func cacheKey(namespace, text string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// encode packs vec as little-endian IEEE 754 float32 values.
func encode(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// decode reverses encode.
func decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
