// Package client reads snapshots from a running graphd.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
)

// Source is a graph.Source that queries graphd's snapshot route.
type Source struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewSource creates a source for the service at baseURL, authenticating
// with token.
func NewSource(baseURL, token string) *Source {
	return &Source{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadSnapshot implements graph.Source. The service scopes results to the
// token's user, so q.OwnerID is not sent.
func (s *Source) LoadSnapshot(ctx context.Context, q graph.SnapshotQuery) (*graph.Snapshot, error) {
	params := url.Values{}
	if len(q.Types) > 0 {
		names := make([]string, len(q.Types))
		for i, t := range q.Types {
			names[i] = string(t)
		}
		params.Set("types", strings.Join(names, ","))
	}
	if q.SessionID != "" {
		params.Set("session", q.SessionID)
	}
	u := s.baseURL + "/api/graph"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, graph.ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("get snapshot: %w", graph.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get snapshot: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap graph.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
