package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type saveFindingTool struct{}

func (t *saveFindingTool) Name() string { return "save_finding" }

func (t *saveFindingTool) Description() string {
	return "Save a short, important excerpt or conclusion as a finding for this thread so the user can review it later. Use sparingly for genuinely notable results."
}

func (t *saveFindingTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "minLength": 1, "maxLength": 2000, "description": "The finding text"}
		},
		"required": ["content"]
	}`)
}

func (t *saveFindingTool) Requires() []Capability { return []Capability{CapabilityFindings} }

func (t *saveFindingTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	finding, err := inv.SaveFinding(ctx, p.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to save finding: %w", err)
	}

	return &Result{
		Content: "Finding saved.",
		Success: true,
		Metadata: map[string]any{
			"found":           1,
			"saved":           true,
			"finding_id":      finding.ID,
			"finding_content": truncate(finding.Content, 200),
		},
	}, nil
}
