package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestAuthMiddleware covers every combination of configured keys, route
// access and presented token.
func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	both := apiKeys{write: "w-secret", read: "r-secret"}
	tests := []struct {
		name       string
		keys       apiKeys
		need       access
		header     string
		wantStatus int
		wantReason string
	}{
		{"disabled write", apiKeys{}, accessWrite, "", http.StatusOK, ""},
		{"disabled read", apiKeys{}, accessRead, "", http.StatusOK, ""},
		{"missing on search", both, accessRead, "", http.StatusUnauthorized, reasonUnauthorized},
		{"missing on add", both, accessWrite, "", http.StatusUnauthorized, reasonUnauthorized},
		{"write key searches", both, accessRead, "Bearer w-secret", http.StatusOK, ""},
		{"write key adds", both, accessWrite, "Bearer w-secret", http.StatusOK, ""},
		{"read key searches", both, accessRead, "Bearer r-secret", http.StatusOK, ""},
		{"read key adds", both, accessWrite, "Bearer r-secret", http.StatusForbidden, reasonForbidden},
		{"lowercase scheme", both, accessRead, "bearer r-secret", http.StatusOK, ""},
		{"unknown token", both, accessRead, "Bearer guess", http.StatusUnauthorized, reasonUnauthorized},
		{"basic auth", both, accessRead, "Basic dXNlcjpwYXNz", http.StatusUnauthorized, reasonUnauthorized},
		{"write key only, no read key", apiKeys{write: "w-secret"}, accessRead, "Bearer r-secret", http.StatusUnauthorized, reasonUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newServerMetrics(prometheus.NewRegistry())
			h := authMiddleware(tt.keys, tt.need, m, okHandler)

			req := httptest.NewRequest(http.MethodPost, "/api/stores/memory/search", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status: got %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header on 401")
			}
			if tt.wantReason != "" {
				got := testutil.ToFloat64(m.httpRejectedTotal.WithLabelValues(tt.need.String(), tt.wantReason))
				if got != 1 {
					t.Errorf("rejected{%s,%s}: got %v, want 1", tt.need, tt.wantReason, got)
				}
			}
		})
	}
}

// TestReadKey_EndToEnd drives a full server: the read-only token may search
// and read info but every write route refuses it.
func TestReadKey_EndToEnd(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServerWith(t, func(c *Config) {
		c.APIKey = "w-secret"
		c.ReadAPIKey = "r-secret"
	})

	send := func(method, path, token string, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := send(http.MethodPost, "/api/stores/memory/texts", "w-secret", `{"text":"alpha beta"}`); code != http.StatusCreated {
		t.Fatalf("write key add: got %d", code)
	}
	if code := send(http.MethodPost, "/api/stores/memory/texts", "r-secret", `{"text":"gamma"}`); code != http.StatusForbidden {
		t.Errorf("read key add: got %d, want 403", code)
	}
	if code := send(http.MethodPost, "/api/stores/memory/remove", "r-secret", `{"query":"alpha"}`); code != http.StatusForbidden {
		t.Errorf("read key remove: got %d, want 403", code)
	}
	if code := send(http.MethodPost, "/api/stores/memory/search", "r-secret", `{"query":"alpha"}`); code != http.StatusOK {
		t.Errorf("read key search: got %d, want 200", code)
	}
	if code := send(http.MethodGet, "/api/stores/memory", "r-secret", ""); code != http.StatusOK {
		t.Errorf("read key info: got %d, want 200", code)
	}
}

func TestNew_ReadKeyRequiresWriteKey(t *testing.T) {
	t.Parallel()
	if _, err := New(openStores{}, &Config{ReadAPIKey: "r-secret"}); err == nil {
		t.Fatal("expected error for a read key without a write key")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
