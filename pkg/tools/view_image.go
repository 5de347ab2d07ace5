package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarry-ai/quarry/pkg/models"
)

type viewImageTool struct{}

func (t *viewImageTool) Name() string { return "view_image" }

func (t *viewImageTool) Description() string {
	return "Look at an image resource and answer a question about it (or describe it when no question is given). Use this for charts, screenshots, diagrams, and photos."
}

func (t *viewImageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"resource": {"type": "string", "description": "Name of the image resource"},
			"question": {"type": "string", "description": "What to look for; omit for a general description"}
		},
		"required": ["resource"]
	}`)
}

func (t *viewImageTool) Requires() []Capability {
	return []Capability{CapabilityResources, CapabilityVision}
}

func (t *viewImageTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Resource string `json:"resource"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	r := inv.findResource(p.Resource)
	if r == nil || r.Type != models.ResourceTypeImage {
		return &Result{
			Content:  fmt.Sprintf("No image named %q exists in this workspace.", p.Resource),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}
	if r.FilePath == nil || *r.FilePath == "" {
		return &Result{
			Content:  fmt.Sprintf("Image %q has not finished processing.", r.Name),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}

	prompt := p.Question
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	answer, err := inv.Vision.Describe(ctx, prompt, *r.FilePath)
	if err != nil {
		return nil, fmt.Errorf("vision call failed: %w", err)
	}
	return &Result{
		Content:  answer,
		Success:  true,
		Metadata: map[string]any{"found": 1},
	}, nil
}
