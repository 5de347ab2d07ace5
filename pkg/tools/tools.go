// Package tools provides the tool registry and executor for the agent
// loop: a catalogue of named tools with JSON schemas, capability-based
// availability, and dispatch with event emission.
package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/llm"
	"github.com/quarry-ai/quarry/pkg/models"
)

// Capabilities a tool may require. Availability is a pure predicate over
// the invocation context: a tool is offered to the model only when every
// required capability is present.
type Capability string

const (
	CapabilityResources Capability = "resources"
	CapabilityRetriever Capability = "retriever"
	CapabilityWebSearch Capability = "web_search"
	CapabilityVision    Capability = "vision"
	CapabilityFindings  Capability = "findings"
)

// Tool is one named capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Requires() []Capability
	Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error)
}

// Result carries a tool's outcome: Content is fed back to the model,
// Metadata is consumed by the event layer (e.g. found/query/sources for
// document search) and never shown to the model.
type Result struct {
	Content  string
	Success  bool
	Metadata map[string]any
}

// RetrievedChunk is one semantic-search hit.
type RetrievedChunk struct {
	ResourceID   string
	ResourceName string
	Content      string
	Score        float64
}

// Retriever queries one or more vector-store namespaces.
type Retriever interface {
	Search(ctx context.Context, namespaces []string, query string, limit int) ([]RetrievedChunk, error)
}

// WebResult is one hit from the external search provider.
type WebResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher calls the external web-search provider.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
}

// VisionClient answers questions about an image file. Satisfied by the
// llm client.
type VisionClient interface {
	Describe(ctx context.Context, prompt, imagePath string) (string, error)
}

// FindingSaver persists a finding for the current thread. Wired by the
// caller so the core stays decoupled from the persistence layer.
type FindingSaver func(ctx context.Context, content string) (*models.Finding, error)

// Invocation is the per-request capability context handed to every tool.
// Nil fields mean the capability is absent and tools requiring it are
// filtered out of the schemas offered to the model.
type Invocation struct {
	ProjectID  string
	ThreadID   string
	JobID      string
	Resources  []models.Resource
	Namespaces []string

	Retriever   Retriever
	WebSearch   WebSearcher
	Vision      VisionClient
	SaveFinding FindingSaver
}

// Has reports whether the invocation context provides a capability.
func (inv *Invocation) Has(cap Capability) bool {
	switch cap {
	case CapabilityResources:
		return true
	case CapabilityRetriever:
		return inv.Retriever != nil
	case CapabilityWebSearch:
		return inv.WebSearch != nil
	case CapabilityVision:
		return inv.Vision != nil
	case CapabilityFindings:
		return inv.SaveFinding != nil
	}
	return false
}

// findResource locates a resource by name (exact match first, then
// case-insensitive).
func (inv *Invocation) findResource(name string) *models.Resource {
	for i := range inv.Resources {
		if inv.Resources[i].Name == name {
			return &inv.Resources[i]
		}
	}
	for i := range inv.Resources {
		if strings.EqualFold(inv.Resources[i].Name, name) {
			return &inv.Resources[i]
		}
	}
	return nil
}

// Registry is the catalogue of tools, keyed by name. Never mutated during
// a request.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry returns a registry with the built-in tool set.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range []Tool{
		&listResourcesTool{},
		&resourceInfoTool{},
		&readResourceTool{},
		&searchDocumentsTool{},
		&searchWebTool{},
		&analyzeDataTool{},
		&viewImageTool{},
		&saveFindingTool{},
	} {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any prior tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Available filters the catalogue by the invocation's capabilities, in
// registration order.
func (r *Registry) Available(inv *Invocation) []Tool {
	var out []Tool
	for _, name := range r.order {
		t := r.tools[name]
		if toolAvailable(t, inv) {
			out = append(out, t)
		}
	}
	return out
}

// Defs builds the model-facing tool definitions from the filtered set.
// Recomputed per turn so missing capabilities never appear.
func (r *Registry) Defs(inv *Invocation) []llm.ToolDef {
	available := r.Available(inv)
	defs := make([]llm.ToolDef, 0, len(available))
	for _, t := range available {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

func toolAvailable(t Tool, inv *Invocation) bool {
	for _, cap := range t.Requires() {
		if !inv.Has(cap) {
			return false
		}
	}
	return true
}

// sourcesFromMetadata extracts the typed sources slice a search tool put in
// its metadata.
func sourcesFromMetadata(meta map[string]any) []events.Source {
	if meta == nil {
		return nil
	}
	sources, _ := meta["sources"].([]events.Source)
	return sources
}
