package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPPinger checks a remote embedding or rerank backend for reachability.
// It issues a GET against the base URL and treats any response below 500 as
// reachable: most inference servers answer 404 or 405 on their root, and an
// auth failure still proves the endpoint is up. No model call is made, so a
// check costs no tokens.
type HTTPPinger struct {
	// name identifies the backend in readiness responses (e.g. "embed:cosine").
	name string
	// url is the endpoint pinged.
	url string
	// client performs the ping. Its timeout is bounded by the ping context.
	client *http.Client
}

// NewHTTPPinger constructs an HTTPPinger. A nil client selects
// http.DefaultClient.
func NewHTTPPinger(name, url string, client *http.Client) *HTTPPinger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPinger{name: name, url: url, client: client}
}

// Name returns the backend label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping reports whether the backend answered.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build ping for %s: %w", p.url, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ping %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}
