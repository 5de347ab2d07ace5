package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWebSearcher implements WebSearcher against a Tavily-style JSON
// search API: POST {api_key, query, max_results} → {results: [...]}.
type HTTPWebSearcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPWebSearcher creates a searcher. Returns nil when no API key is
// configured, which makes the web-search capability absent.
func NewHTTPWebSearcher(endpoint, apiKey string) *HTTPWebSearcher {
	if apiKey == "" {
		return nil
	}
	if endpoint == "" {
		endpoint = "https://api.tavily.com/search"
	}
	return &HTTPWebSearcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Search implements WebSearcher.
func (s *HTTPWebSearcher) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":     s.apiKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search provider returned %d: %s", resp.StatusCode, string(data))
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := make([]WebResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, WebResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}
