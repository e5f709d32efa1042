// Package config provides YAML-based configuration for memrag.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. MEMRAG_CONFIG environment variable
//  3. ~/.memrag/config.yaml
//  4. ./memrag.yaml
//
// If no file is found the system runs from defaults and env vars.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/54b3r/memrag/internal/embedder"
	"github.com/54b3r/memrag/internal/rag"
	"github.com/54b3r/memrag/internal/recall"
	"github.com/54b3r/memrag/internal/reranker"
)

// Config is the top-level YAML configuration structure.
type Config struct {
	// Recall configures the recall paths and their embedders.
	Recall RecallConfig `yaml:"recall"`

	// Reranker configures the second-stage reranker.
	Reranker RerankerConfig `yaml:"reranker"`

	// Remove holds the defaults for threshold-based removal.
	Remove RemoveConfig `yaml:"remove"`

	// Memory configures the persisted stores.
	Memory MemoryConfig `yaml:"memory"`

	// Cache configures the embedding cache.
	Cache CacheConfig `yaml:"cache"`

	// Ingestion configures `memrag ingest`.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// RecallConfig lists the recall paths.
type RecallConfig struct {
	// TopK is the recall width before reranking.
	TopK int `yaml:"top_k"`
	// Methods are the named recall paths, in fan-out order.
	Methods []MethodConfig `yaml:"methods"`
}

// MethodConfig configures one recall path and its embedding backend.
type MethodConfig struct {
	// Name identifies the path in snapshots. Must be unique.
	Name string `yaml:"name"`
	// Algorithm selects the recall implementation. Defaults to "cosine".
	Algorithm string `yaml:"algorithm"`
	// Backend selects the embedder: Model or API.
	Backend string `yaml:"backend"`
	// BaseURL is the embedding server or API base URL.
	BaseURL string `yaml:"base_url"`
	// APIKey is the embedding API key. Prefer env var API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// VectorDim is the expected embedding length. 0 takes the length of the
	// first stored vector; later vectors must match it either way.
	VectorDim int `yaml:"vector_dim"`
	// Threshold is the minimum cosine similarity for a hit.
	Threshold float64 `yaml:"threshold"`
	// QueryInstruction overrides the per-model input prefix.
	QueryInstruction *string `yaml:"query_instruction"`
	// BatchSize caps inputs per request for the Model backend.
	BatchSize int `yaml:"batch_size"`
}

// RerankerConfig configures the reranker.
type RerankerConfig struct {
	// Backend selects the reranker: API, or "none" to disable reranking.
	Backend string `yaml:"backend"`
	// BaseURL is the rerank API base URL.
	BaseURL string `yaml:"base_url"`
	// APIKey is the rerank API key. Prefer env var API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the rerank model name.
	Model string `yaml:"model"`
}

// RemoveConfig holds removal defaults.
type RemoveConfig struct {
	// Threshold is the minimum similarity for a document to be removed.
	Threshold float64 `yaml:"threshold"`
	// MaxRemoveCount caps removals per call.
	MaxRemoveCount int `yaml:"max_remove_count"`
}

// MemoryConfig configures the persisted stores.
type MemoryConfig struct {
	// DataDir is the root directory; stores live under <data_dir>/memory/<name>
	// and story saves under <data_dir>/saves/<name>.
	DataDir string `yaml:"data_dir"`
	// TopK is the default number of search results.
	TopK int `yaml:"top_k"`
	// SearchTimeout bounds each search.
	SearchTimeout time.Duration `yaml:"search_timeout"`
	// MinParagraphLen drops paragraphs of this many characters or fewer.
	MinParagraphLen int `yaml:"min_paragraph_len"`
	// OverwriteMalformed lets a store save over a snapshot that failed to
	// load, keeping the old file as <snapshot>.malformed.
	OverwriteMalformed bool `yaml:"overwrite_malformed"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	// DBPath is the SQLite database path. Set to "disabled" to disable.
	DBPath string `yaml:"db_path"`
	// MaxCostMB bounds the in-process layer.
	MaxCostMB int `yaml:"max_cost_mb"`
}

// IngestionConfig configures document ingestion.
type IngestionConfig struct {
	// ChunkSize splits paragraphs longer than this many characters.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap between consecutive chunks.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// HTTPTimeout bounds each URL fetch.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var MEMRAG_API_KEY.
	APIKey string `yaml:"api_key"`
	// ReadAPIKey is an optional second token that may only search and read
	// store info. Prefer env var MEMRAG_READ_API_KEY.
	ReadAPIKey string `yaml:"read_api_key"`
	// RateLimitRPS is the per-IP rate on the search and info routes.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst is the per-IP burst on the search and info routes.
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// WriteRateLimitRPS is the per-IP rate on the routes that change a
	// store. Every add and remove costs an embedding call.
	WriteRateLimitRPS float64 `yaml:"write_rate_limit_rps"`
	// WriteRateLimitBurst is the per-IP burst on the write routes.
	WriteRateLimitBurst int `yaml:"write_rate_limit_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration: one cosine path over the
// remote embedding API and the remote reranker.
func Default() *Config {
	return &Config{
		Recall: RecallConfig{
			TopK: rag.DefaultRecallTopK,
			Methods: []MethodConfig{{
				Name:      "cosine",
				Algorithm: string(recall.Cosine),
				Backend:   string(embedder.BackendAPI),
				Threshold: 0.5,
			}},
		},
		Reranker: RerankerConfig{
			Backend: string(reranker.BackendAPI),
			Model:   reranker.DefaultModel,
		},
		Remove: RemoveConfig{
			Threshold:      0.75,
			MaxRemoveCount: 10,
		},
		Memory: MemoryConfig{
			DataDir:         "data",
			TopK:            5,
			SearchTimeout:   10 * time.Second,
			MinParagraphLen: 10,
		},
		Cache: CacheConfig{
			MaxCostMB: 64,
		},
		Ingestion: IngestionConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			HTTPTimeout:  30 * time.Second,
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8080,
			RateLimitRPS:        10,
			RateLimitBurst:      20,
			WriteRateLimitRPS:   2,
			WriteRateLimitBurst: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envMapping maps environment variables onto config fields. Only non-empty
// variables are applied; they override both defaults and the YAML file.
var envMapping = []struct {
	envKey string
	apply  func(c *Config, v string) error
}{
	{"BASE_URL", func(c *Config, v string) error {
		for i := range c.Recall.Methods {
			c.Recall.Methods[i].BaseURL = v
		}
		c.Reranker.BaseURL = v
		return nil
	}},
	{"API_KEY", func(c *Config, v string) error {
		for i := range c.Recall.Methods {
			c.Recall.Methods[i].APIKey = v
		}
		c.Reranker.APIKey = v
		return nil
	}},
	{"EMBEDDING_MODEL", func(c *Config, v string) error {
		for i := range c.Recall.Methods {
			c.Recall.Methods[i].Model = v
		}
		return nil
	}},
	{"RERANKER_MODEL", func(c *Config, v string) error { c.Reranker.Model = v; return nil }},
	{"MEMRAG_DATA_DIR", func(c *Config, v string) error { c.Memory.DataDir = v; return nil }},
	{"MEMRAG_CACHE_DB", func(c *Config, v string) error { c.Cache.DBPath = v; return nil }},
	{"MEMRAG_SEARCH_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Memory.SearchTimeout = d
		return nil
	}},
	{"MEMRAG_HOST", func(c *Config, v string) error { c.Server.Host = v; return nil }},
	{"MEMRAG_PORT", func(c *Config, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Server.Port = p
		return nil
	}},
	{"MEMRAG_API_KEY", func(c *Config, v string) error { c.Server.APIKey = v; return nil }},
	{"MEMRAG_READ_API_KEY", func(c *Config, v string) error { c.Server.ReadAPIKey = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
}

// Load builds the effective configuration: defaults, then the first YAML
// file found (see package doc), then environment variables. It returns the
// config and the path that was loaded, or an empty path if no file was found.
func Load(explicitPath string, log *slog.Logger) (*Config, string, error) {
	cfg := Default()

	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using defaults and env vars")
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applied := 0
	for _, m := range envMapping {
		v := os.Getenv(m.envKey)
		if v == "" {
			continue
		}
		if err := m.apply(cfg, v); err != nil {
			return nil, "", fmt.Errorf("config: invalid %s=%q: %w", m.envKey, v, err)
		}
		applied++
	}
	cfg.fillMethodDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	if path != "" {
		log.Info("config: loaded YAML config",
			slog.String("path", path),
			slog.Int("env_overrides", applied),
		)
	}
	return cfg, path, nil
}

// fillMethodDefaults sets the algorithm of methods that omit it.
func (c *Config) fillMethodDefaults() {
	for i := range c.Recall.Methods {
		if c.Recall.Methods[i].Algorithm == "" {
			c.Recall.Methods[i].Algorithm = string(recall.Cosine)
		}
	}
}

// Validate reports every structural problem in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Recall.Methods) == 0 {
		errs = append(errs, errors.New("recall.methods must name at least one method"))
	}
	seen := make(map[string]bool)
	for i, m := range c.Recall.Methods {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("recall.methods[%d]: name is required", i))
		case slices.Contains(rag.ReservedKeys(), m.Name):
			errs = append(errs, fmt.Errorf("recall.methods[%d]: name %q is reserved", i, m.Name))
		case seen[m.Name]:
			errs = append(errs, fmt.Errorf("recall.methods[%d]: duplicate name %q", i, m.Name))
		}
		seen[m.Name] = true
		if _, err := embedder.ParseBackend(m.Backend); err != nil {
			errs = append(errs, fmt.Errorf("recall.methods[%d]: %w", i, err))
		}
		if m.Algorithm != "" && m.Algorithm != string(recall.Cosine) {
			errs = append(errs, fmt.Errorf("recall.methods[%d]: unsupported algorithm %q", i, m.Algorithm))
		}
		if m.Threshold < -1 || m.Threshold > 1 {
			errs = append(errs, fmt.Errorf("recall.methods[%d]: threshold %v outside [-1,1]", i, m.Threshold))
		}
		if m.VectorDim < 0 {
			errs = append(errs, fmt.Errorf("recall.methods[%d]: vector_dim must not be negative", i))
		}
	}

	if !c.RerankerDisabled() {
		if _, err := reranker.ParseBackend(c.Reranker.Backend); err != nil {
			errs = append(errs, fmt.Errorf("reranker: %w", err))
		}
	}
	if c.Remove.Threshold < -1 || c.Remove.Threshold > 1 {
		errs = append(errs, fmt.Errorf("remove.threshold %v outside [-1,1]", c.Remove.Threshold))
	}
	if c.Remove.MaxRemoveCount < 0 {
		errs = append(errs, errors.New("remove.max_remove_count must not be negative"))
	}
	if c.Memory.MinParagraphLen < 0 {
		errs = append(errs, errors.New("memory.min_paragraph_len must not be negative"))
	}
	if c.Server.ReadAPIKey != "" && c.Server.APIKey == "" {
		errs = append(errs, errors.New("server.read_api_key requires server.api_key"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RerankerDisabled reports whether reranking is switched off.
func (c *Config) RerankerDisabled() bool {
	return c.Reranker.Backend == "" || c.Reranker.Backend == "none"
}

// CacheDisabled reports whether the embedding cache is switched off.
func (c *Config) CacheDisabled() bool {
	return c.Cache.DBPath == "disabled"
}

// MethodNames returns the configured recall method names in order.
func (c *Config) MethodNames() []string {
	names := make([]string, len(c.Recall.Methods))
	for i, m := range c.Recall.Methods {
		names[i] = m.Name
	}
	return names
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("MEMRAG_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".memrag", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("memrag.yaml"); err == nil {
		return "memrag.yaml"
	}

	return ""
}
