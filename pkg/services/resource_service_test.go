package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quarry-ai/quarry/pkg/models"
)

func TestNamespaces(t *testing.T) {
	resources := []models.Resource{
		{ID: "r1", Status: models.ResourceStatusIndexed},
		{ID: "r2", Status: models.ResourceStatusExtracting},
		{ID: "r3", Status: models.ResourceStatusPartial},
		{ID: "r4", Status: models.ResourceStatusFailed},
	}
	assert.Equal(t, []string{"r1", "r3"}, Namespaces(resources))
	assert.Empty(t, Namespaces(nil))
}
