package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// readResourceDefaultBytes and readResourceMaxBytes bound read_resource
// previews.
const (
	readResourceDefaultBytes = 4096
	readResourceMaxBytes     = 16384
)

// ── list_resources ──────────────────────────────────────────────

type listResourcesTool struct{}

func (t *listResourcesTool) Name() string { return "list_resources" }

func (t *listResourcesTool) Description() string {
	return "List the resources in this workspace (documents, websites, data files, images, repositories), optionally filtered by type or status. Use this first when you are unsure what material is available."
}

func (t *listResourcesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"type": {"type": "string", "enum": ["document", "website", "data_file", "image", "git_repository"], "description": "Only return resources of this type"},
			"status": {"type": "string", "description": "Only return resources with this status"}
		}
	}`)
}

func (t *listResourcesTool) Requires() []Capability { return []Capability{CapabilityResources} }

func (t *listResourcesTool) Execute(_ context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	var lines []string
	for _, r := range inv.Resources {
		if p.Type != "" && r.Type != p.Type {
			continue
		}
		if p.Status != "" && r.Status != p.Status {
			continue
		}
		line := fmt.Sprintf("- %s (%s, %s)", r.Name, r.Type, r.Status)
		if r.Summary != "" {
			line += ": " + truncate(r.Summary, 160)
		}
		lines = append(lines, line)
	}

	content := "No resources match the given filters."
	if len(lines) > 0 {
		content = fmt.Sprintf("%d resource(s):\n%s", len(lines), strings.Join(lines, "\n"))
	}
	return &Result{
		Content:  content,
		Success:  true,
		Metadata: map[string]any{"found": len(lines)},
	}, nil
}

// ── get_resource_info ───────────────────────────────────────────

type resourceInfoTool struct{}

func (t *resourceInfoTool) Name() string { return "get_resource_info" }

func (t *resourceInfoTool) Description() string {
	return "Get the detail record for one named resource: type, processing status, summary, and type-specific metadata (columns for data files, page count for documents, etc.)."
}

func (t *resourceInfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The resource name as shown by list_resources"}
		},
		"required": ["name"]
	}`)
}

func (t *resourceInfoTool) Requires() []Capability { return []Capability{CapabilityResources} }

func (t *resourceInfoTool) Execute(_ context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	r := inv.findResource(p.Name)
	if r == nil {
		return &Result{
			Content:  fmt.Sprintf("No resource named %q exists in this workspace.", p.Name),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\nType: %s\nStatus: %s\n", r.Name, r.Type, r.Status)
	if r.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", r.Summary)
	}
	if len(r.Metadata) > 0 {
		fmt.Fprintf(&b, "Metadata: %s\n", string(r.Metadata))
	}
	return &Result{
		Content:  b.String(),
		Success:  true,
		Metadata: map[string]any{"found": 1},
	}, nil
}

// ── read_resource ───────────────────────────────────────────────

type readResourceTool struct{}

func (t *readResourceTool) Name() string { return "read_resource" }

func (t *readResourceTool) Description() string {
	return "Read the beginning of a resource's raw content (first few KB). For data files this shows the header and leading rows; for documents the opening text. Prefer search_documents for targeted questions about long documents."
}

func (t *readResourceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The resource name"},
			"max_bytes": {"type": "integer", "minimum": 1, "maximum": 16384, "description": "How many bytes to read (default 4096)"}
		},
		"required": ["name"]
	}`)
}

func (t *readResourceTool) Requires() []Capability { return []Capability{CapabilityResources} }

func (t *readResourceTool) Execute(_ context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Name     string `json:"name"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = readResourceDefaultBytes
	}
	if p.MaxBytes > readResourceMaxBytes {
		p.MaxBytes = readResourceMaxBytes
	}

	r := inv.findResource(p.Name)
	if r == nil {
		return &Result{
			Content:  fmt.Sprintf("No resource named %q exists in this workspace.", p.Name),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}
	if r.FilePath == nil || *r.FilePath == "" {
		return &Result{
			Content:  fmt.Sprintf("Resource %q has no readable file (type %s).", r.Name, r.Type),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}

	f, err := os.Open(*r.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", r.Name, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, p.MaxBytes+1)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("failed to read %s: %w", r.Name, err)
	}

	content := string(buf[:min(n, p.MaxBytes)])
	if n > p.MaxBytes {
		content += "\n… (truncated)"
	}
	return &Result{
		Content:  content,
		Success:  true,
		Metadata: map[string]any{"found": 1},
	}, nil
}
