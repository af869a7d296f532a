// Package search implements the web research pipeline: query execution
// against a SearxNG instance, cross-batch deduplication, optional page
// fetching, per-result summarization, and observation formatting.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is one deduplicated search hit.
type Result struct {
	Query       string    `json:"query"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`     // engine snippet
	RawContent  string    `json:"raw_content"` // fetched page text, when enabled
	Summary     string    `json:"summary"`
	KeyExcerpts []string  `json:"key_excerpts,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// QueryError records a failed query inside an otherwise successful batch.
type QueryError struct {
	Query string `json:"query"`
	Err   string `json:"error"`
}

// Batch is the outcome of one multi-query search call. Failed queries land
// in Errors and never abort their siblings.
type Batch struct {
	Results []Result     `json:"results"`
	Errors  []QueryError `json:"errors,omitempty"`
}

// Provider executes a single query against a search engine.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// SearxNG queries a SearxNG instance over its JSON API.
type SearxNG struct {
	endpoint string
	client   *http.Client
}

// NewSearxNG builds a provider for one SearxNG endpoint.
func NewSearxNG(endpoint string, timeout time.Duration) *SearxNG {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &SearxNG{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Provider.
func (s *SearxNG) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("searxng read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("searxng decode: %w", err)
	}
	out := make([]Result, 0, maxResults)
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Result{Query: query, Title: r.Title, URL: r.URL, Content: r.Content, FetchedAt: time.Now()})
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out, nil
}
