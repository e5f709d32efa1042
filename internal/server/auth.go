package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/memrag/internal/logging"
)

// access is the permission a store route needs.
type access int

const (
	// accessRead covers search and store info.
	accessRead access = iota
	// accessWrite covers every route that changes or persists a store.
	accessWrite
)

func (a access) String() string {
	if a == accessWrite {
		return "write"
	}
	return "read"
}

// Rejection reasons recorded on memrag_http_rejected_total.
const (
	reasonUnauthorized = "unauthorized"
	reasonForbidden    = "forbidden"
	reasonRateLimited  = "rate_limited"
)

// apiKeys holds the Bearer tokens accepted on the store routes. write grants
// every route; read, when set, grants only accessRead routes.
type apiKeys struct {
	write string
	read  string
}

func (k apiKeys) enabled() bool { return k.write != "" }

// grants reports whether token carries the need permission.
func (k apiKeys) grants(token string, need access) bool {
	if tokenEqual(token, k.write) {
		return true
	}
	return need == accessRead && k.read != "" && tokenEqual(token, k.read)
}

// readOnly reports whether token is the read key.
func (k apiKeys) readOnly(token string) bool {
	return k.read != "" && tokenEqual(token, k.read)
}

func tokenEqual(token, key string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// authMiddleware enforces Bearer authentication for a route needing need.
// With no write key configured it is a no-op; the server warns once at
// startup. A missing or unknown token gets 401 with a Bearer challenge, the
// read key on a write route gets 403. Token values are never logged.
func authMiddleware(keys apiKeys, need access, m *serverMetrics, next http.Handler) http.Handler {
	if !keys.enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		switch {
		case keys.grants(token, need):
			next.ServeHTTP(w, r)
			return
		case token == "":
			log.Warn("auth: missing Authorization header", slog.String("access", need.String()))
			w.Header().Set("WWW-Authenticate", `Bearer realm="memrag"`)
			m.rejected(need, reasonUnauthorized)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "authorization required"})
		case keys.readOnly(token):
			log.Warn("auth: read-only token on write route", slog.String("access", need.String()))
			m.rejected(need, reasonForbidden)
			writeError(w, r, http.StatusForbidden, errors.New("token may only search and read stores"))
		default:
			log.Warn("auth: invalid token",
				slog.String("access", need.String()),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="memrag" error="invalid_token"`)
			m.rejected(need, reasonUnauthorized)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
		}
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
