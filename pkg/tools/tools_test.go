package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/pkg/models"
)

type fakeRetriever struct {
	chunks []RetrievedChunk
	err    error
}

func (f *fakeRetriever) Search(_ context.Context, _ []string, _ string, _ int) ([]RetrievedChunk, error) {
	return f.chunks, f.err
}

type fakeWebSearcher struct {
	results []WebResult
	err     error
}

func (f *fakeWebSearcher) Search(_ context.Context, _ string, _ int) ([]WebResult, error) {
	return f.results, f.err
}

type fakeVision struct {
	answer string
	err    error
}

func (f *fakeVision) Describe(_ context.Context, _, _ string) (string, error) {
	return f.answer, f.err
}

func strPtr(s string) *string { return &s }

func testResources(t *testing.T) []models.Resource {
	t.Helper()
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("region,amount\nnorth,100\nsouth,250\nnorth,50\n"), 0o600))

	docPath := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(docPath, []byte("Q3 revenue grew 12% year over year."), 0o600))

	return []models.Resource{
		{ID: "r1", Name: "sales.csv", Type: models.ResourceTypeDataFile, Status: models.ResourceStatusAnalyzed, FilePath: strPtr(csvPath)},
		{ID: "r2", Name: "report.txt", Type: models.ResourceTypeDocument, Status: models.ResourceStatusIndexed, Summary: "Quarterly report", FilePath: strPtr(docPath)},
		{ID: "r3", Name: "chart.png", Type: models.ResourceTypeImage, Status: models.ResourceStatusDescribed, FilePath: strPtr(filepath.Join(dir, "chart.png"))},
	}
}

func TestRegistryAvailable(t *testing.T) {
	r := NewRegistry()

	t.Run("bare context exposes only resource and data tools", func(t *testing.T) {
		inv := &Invocation{}
		names := make([]string, 0)
		for _, tool := range r.Available(inv) {
			names = append(names, tool.Name())
		}
		assert.Equal(t, []string{"list_resources", "get_resource_info", "read_resource", "analyze_data"}, names)
	})

	t.Run("full context exposes all eight tools", func(t *testing.T) {
		inv := &Invocation{
			Retriever: &fakeRetriever{},
			WebSearch: &fakeWebSearcher{},
			Vision:    &fakeVision{},
			SaveFinding: func(_ context.Context, content string) (*models.Finding, error) {
				return &models.Finding{ID: "f1", Content: content}, nil
			},
		}
		assert.Len(t, r.Available(inv), 8)
	})

	t.Run("defs follow the filtered set", func(t *testing.T) {
		inv := &Invocation{Retriever: &fakeRetriever{}}
		defs := r.Defs(inv)
		for _, def := range defs {
			assert.NotEqual(t, "search_web", def.Name)
			assert.NotEmpty(t, def.Description)
			assert.NotEmpty(t, def.Schema)
		}
		assert.Len(t, defs, 5)
	})
}

func TestListResourcesTool(t *testing.T) {
	tool := &listResourcesTool{}
	inv := &Invocation{Resources: testResources(t)}

	t.Run("unfiltered", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 3, res.Metadata["found"])
		assert.Contains(t, res.Content, "sales.csv")
	})

	t.Run("filtered by type", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"type":"image"}`), inv)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Metadata["found"])
		assert.Contains(t, res.Content, "chart.png")
		assert.NotContains(t, res.Content, "sales.csv")
	})
}

func TestResourceInfoTool(t *testing.T) {
	tool := &resourceInfoTool{}
	inv := &Invocation{Resources: testResources(t)}

	t.Run("known resource", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"report.txt"}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.Content, "Quarterly report")
	})

	t.Run("case-insensitive lookup", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"Report.TXT"}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("unknown resource is a soft failure", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"missing.pdf"}`), inv)
		require.NoError(t, err)
		assert.False(t, res.Success)
	})
}

func TestReadResourceTool(t *testing.T) {
	tool := &readResourceTool{}
	inv := &Invocation{Resources: testResources(t)}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"report.txt"}`), inv)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, "Q3 revenue")

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"name":"report.txt","max_bytes":10}`), inv)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "truncated")
}

func TestSearchDocumentsTool(t *testing.T) {
	tool := &searchDocumentsTool{}

	t.Run("hits produce sources metadata", func(t *testing.T) {
		inv := &Invocation{Retriever: &fakeRetriever{chunks: []RetrievedChunk{
			{ResourceID: "r2", ResourceName: "report.txt", Content: "Q3 revenue grew 12%", Score: 0.91},
		}}}
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"revenue growth"}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.Metadata["found"])
		sources := sourcesFromMetadata(res.Metadata)
		require.Len(t, sources, 1)
		assert.Equal(t, "report.txt", sources[0].Name)
	})

	t.Run("no hits", func(t *testing.T) {
		inv := &Invocation{Retriever: &fakeRetriever{}}
		res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"nothing"}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 0, res.Metadata["found"])
	})
}

func TestViewImageTool(t *testing.T) {
	tool := &viewImageTool{}
	inv := &Invocation{
		Resources: testResources(t),
		Vision:    &fakeVision{answer: "A bar chart of quarterly sales."},
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"resource":"chart.png"}`), inv)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Content, "bar chart")

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"resource":"report.txt"}`), inv)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSaveFindingTool(t *testing.T) {
	tool := &saveFindingTool{}
	var saved string
	inv := &Invocation{
		SaveFinding: func(_ context.Context, content string) (*models.Finding, error) {
			saved = content
			return &models.Finding{ID: "f1", Content: content}, nil
		},
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"content":"North region outperforms south."}`), inv)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "North region outperforms south.", saved)
	assert.Equal(t, true, res.Metadata["saved"])
	assert.Equal(t, "f1", res.Metadata["finding_id"])
}
