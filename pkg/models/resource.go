package models

import (
	"encoding/json"
	"time"
)

// Resource types.
const (
	ResourceTypeDocument = "document"
	ResourceTypeWebsite  = "website"
	ResourceTypeDataFile = "data_file"
	ResourceTypeImage    = "image"
	ResourceTypeGitRepo  = "git_repository"
)

// Resource status lifecycle. The ingestion pipeline owns the transitions;
// the core only reads the flat projection.
const (
	ResourceStatusUploaded   = "uploaded"
	ResourceStatusExtracting = "extracting"
	ResourceStatusExtracted  = "extracted"
	ResourceStatusStored     = "stored"
	ResourceStatusIndexing   = "indexing"
	ResourceStatusAnalyzing  = "analyzing"
	ResourceStatusDescribing = "describing"
	ResourceStatusIndexed    = "indexed"
	ResourceStatusAnalyzed   = "analyzed"
	ResourceStatusDescribed  = "described"
	ResourceStatusPartial    = "partial"
	ResourceStatusFailed     = "failed"
)

// Resource is the flat projection of a user-provided artifact that tools
// operate against.
type Resource struct {
	ID        string          `json:"id" db:"id"`
	ProjectID string          `json:"project_id" db:"project_id"`
	Name      string          `json:"name" db:"name"`
	Type      string          `json:"type" db:"type"`
	Status    string          `json:"status" db:"status"`
	Summary   string          `json:"summary" db:"summary"`
	FilePath  *string         `json:"file_path,omitempty" db:"file_path"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Ready reports whether the resource has finished processing well enough to
// be used by tools (fully or partially).
func (r *Resource) Ready() bool {
	switch r.Status {
	case ResourceStatusIndexed, ResourceStatusAnalyzed, ResourceStatusDescribed,
		ResourceStatusStored, ResourceStatusExtracted, ResourceStatusPartial:
		return true
	}
	return false
}
