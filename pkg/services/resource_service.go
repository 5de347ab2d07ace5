package services

import (
	"context"
	"fmt"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/models"
)

// ResourceService reads the flat resource projection tools operate against.
// Ingestion and status transitions happen outside this service.
type ResourceService struct {
	db *database.Client
}

// NewResourceService creates a new ResourceService.
func NewResourceService(db *database.Client) *ResourceService {
	return &ResourceService{db: db}
}

// List returns every resource in the project, newest first.
func (s *ResourceService) List(httpCtx context.Context, projectID string) ([]models.Resource, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var resources []models.Resource
	err := s.db.SelectContext(ctx, &resources,
		`SELECT * FROM resources WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return resources, nil
}

// Namespaces derives the retrieval namespaces for a project from its ready
// resources. Each indexed resource is its own namespace.
func Namespaces(resources []models.Resource) []string {
	out := make([]string, 0, len(resources))
	for i := range resources {
		if resources[i].Ready() {
			out = append(out, resources[i].ID)
		}
	}
	return out
}
