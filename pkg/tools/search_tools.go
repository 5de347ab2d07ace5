package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarry-ai/quarry/pkg/events"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// ── search_documents ────────────────────────────────────────────

type searchDocumentsTool struct{}

func (t *searchDocumentsTool) Name() string { return "search_documents" }

func (t *searchDocumentsTool) Description() string {
	return "Semantic search across the indexed documents in this workspace. Returns the most relevant passages with their source documents. Use this for any question whose answer might live in the user's material."
}

func (t *searchDocumentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Natural-language search query"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum passages to return (default 5)"}
		},
		"required": ["query"]
	}`)
}

func (t *searchDocumentsTool) Requires() []Capability { return []Capability{CapabilityRetriever} }

func (t *searchDocumentsTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}
	if p.Limit > maxSearchLimit {
		p.Limit = maxSearchLimit
	}

	chunks, err := inv.Retriever.Search(ctx, inv.Namespaces, p.Query, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("document search failed: %w", err)
	}

	if len(chunks) == 0 {
		return &Result{
			Content:  "No relevant passages found.",
			Success:  true,
			Metadata: map[string]any{"found": 0, "query": p.Query},
		}, nil
	}

	sources := make([]events.Source, 0, len(chunks))
	var b strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] %s:\n%s\n\n", i+1, chunk.ResourceName, chunk.Content)
		sources = append(sources, events.Source{
			ResourceID: chunk.ResourceID,
			Name:       chunk.ResourceName,
			Excerpt:    truncate(chunk.Content, 300),
			Score:      chunk.Score,
		})
	}

	return &Result{
		Content: b.String(),
		Success: true,
		Metadata: map[string]any{
			"found":   len(chunks),
			"query":   p.Query,
			"sources": sources,
		},
	}, nil
}

// ── search_web ──────────────────────────────────────────────────

type searchWebTool struct{}

func (t *searchWebTool) Name() string { return "search_web" }

func (t *searchWebTool) Description() string {
	return "Search the public web for current information that is not in the workspace. Returns result titles, URLs, and snippets."
}

func (t *searchWebTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Maximum results (default 5)"}
		},
		"required": ["query"]
	}`)
}

func (t *searchWebTool) Requires() []Capability { return []Capability{CapabilityWebSearch} }

func (t *searchWebTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.MaxResults <= 0 {
		p.MaxResults = defaultSearchLimit
	}

	results, err := inv.WebSearch.Search(ctx, p.Query, p.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	if len(results) == 0 {
		return &Result{
			Content:  "No web results found.",
			Success:  true,
			Metadata: map[string]any{"found": 0, "query": p.Query},
		}, nil
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, res.Title, res.URL, res.Snippet)
	}
	return &Result{
		Content: b.String(),
		Success: true,
		Metadata: map[string]any{
			"found": len(results),
			"query": p.Query,
		},
	}, nil
}
