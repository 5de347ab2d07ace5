package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQuerySafety(t *testing.T) {
	tests := []struct {
		name  string
		query string
		safe  bool
	}{
		{"plain select", "SELECT region, SUM(CAST(amount AS REAL)) FROM data GROUP BY region", true},
		{"cte", "WITH top AS (SELECT * FROM data) SELECT * FROM top", true},
		{"trailing semicolon", "SELECT * FROM data;", true},
		{"column containing keyword substring", "SELECT created_at FROM data", true},
		{"insert", "INSERT INTO data VALUES ('x')", false},
		{"chained statements", "SELECT 1; DROP TABLE data", false},
		{"pragma", "SELECT * FROM data WHERE 1=1 UNION SELECT * FROM pragma_table_info('data')", false},
		{"attach", "ATTACH DATABASE '/etc/passwd' AS pwn", false},
		{"readfile", "SELECT readfile('/etc/passwd')", false},
		{"update disguised", "select * from data where update = 1", false},
		{"not a select", "EXPLAIN SELECT * FROM data", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkQuerySafety(tt.query)
			if tt.safe {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsafeOperation)
			}
		})
	}
}

func TestAnalyzeDataTool(t *testing.T) {
	tool := &analyzeDataTool{}
	inv := &Invocation{Resources: testResources(t)}

	t.Run("aggregation over csv", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(
			`{"resource":"sales.csv","query":"SELECT region, SUM(CAST(amount AS REAL)) AS total FROM data GROUP BY region ORDER BY region"}`), inv)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.Content, "north")
		assert.Contains(t, res.Content, "150")
		assert.Contains(t, res.Content, "250")
		assert.Equal(t, 2, res.Metadata["found"])
	})

	t.Run("unsafe query fails with unsafe_operation", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), json.RawMessage(
			`{"resource":"sales.csv","query":"DELETE FROM data"}`), inv)
		assert.ErrorIs(t, err, ErrUnsafeOperation)
	})

	t.Run("unknown resource is a soft failure", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(
			`{"resource":"nope.csv","query":"SELECT 1"}`), inv)
		require.NoError(t, err)
		assert.False(t, res.Success)
	})

	t.Run("non data_file resource is rejected", func(t *testing.T) {
		res, err := tool.Execute(context.Background(), json.RawMessage(
			`{"resource":"report.txt","query":"SELECT 1"}`), inv)
		require.NoError(t, err)
		assert.False(t, res.Success)
	})

	t.Run("sql error surfaces as tool error", func(t *testing.T) {
		_, err := tool.Execute(context.Background(), json.RawMessage(
			`{"resource":"sales.csv","query":"SELECT missing_column FROM data"}`), inv)
		assert.ErrorContains(t, err, "query failed")
	})
}

func TestSanitizeColumns(t *testing.T) {
	got := sanitizeColumns([]string{"Region Name", "amount ($)", "", "amount ($)"})
	assert.Equal(t, "Region_Name", got[0])
	assert.Equal(t, "amount", got[1])
	assert.Equal(t, "col_3", got[2])
	assert.NotEqual(t, got[1], got[3])
}
