// Package audit provides a structured audit logger for CLI command invocations.
// It logs command name, resolved configuration, and sanitised environment state
// so operators can trace what happened without exposing secret values.
//
// Secrets are logged as presence or absence only, never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// secretEnvKeys lists environment variable names whose values must never be
// logged. Only presence ("set") or absence ("unset") is recorded.
var secretEnvKeys = map[string]bool{
	"API_KEY":        true,
	"MEMRAG_API_KEY": true,
}

// LogCommandStart emits a structured audit log entry when a CLI command begins.
// It records the command name, the store it targets, the config file source
// and the sanitised environment.
func LogCommandStart(log *slog.Logger, command, store, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("store", valOrUnset(store)),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	// Log key operational env vars with sanitisation.
	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}

	log.LogAttrs(context.TODO(), slog.LevelInfo, "audit: command start", attrs...)
}

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{"MEMRAG_CONFIG", false},
	{"BASE_URL", false},
	{"API_KEY", true},
	{"EMBEDDING_MODEL", false},
	{"RERANKER_MODEL", false},
	{"MEMRAG_DATA_DIR", false},
	{"MEMRAG_CACHE_DB", false},
	{"MEMRAG_SEARCH_TIMEOUT", false},
	{"MEMRAG_API_KEY", true},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
}

// LogRemoval records a threshold removal: who asked, the query and the ids
// that were dropped. Removals are destructive, so they are always audited.
func LogRemoval(log *slog.Logger, store, query string, threshold float64, removed []int) {
	log.LogAttrs(context.TODO(), slog.LevelInfo, "audit: memories removed",
		slog.String("store", store),
		slog.String("query", query),
		slog.Float64("threshold", threshold),
		slog.Int("count", len(removed)),
		slog.Any("ids", removed),
	)
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	// Redact home directory for privacy in logs.
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
