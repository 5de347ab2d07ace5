package tools

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/quarry-ai/quarry/pkg/models"
)

// ErrUnsafeOperation is returned when a generated query trips the sandbox
// denylist.
var ErrUnsafeOperation = errors.New("unsafe_operation")

// analyzeRowCap bounds result sets returned to the model.
const analyzeRowCap = 50

// analyzeDeny are the tokens a sandboxed query may never contain. The
// query runs against a throwaway in-memory database, so the denylist is
// about keeping the statement a pure read, not about protecting data.
var analyzeDeny = []string{
	"attach", "pragma", "insert", "update", "delete",
	"drop", "alter", "create", "load_extension", "readfile", "writefile",
}

var identPattern = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// ── analyze_data ────────────────────────────────────────────────

// analyzeDataTool runs a model-supplied SQL SELECT against a data file.
// The file's rows are loaded into an in-memory SQLite table named "data";
// the query executes in that throwaway database with a row cap.
type analyzeDataTool struct{}

func (t *analyzeDataTool) Name() string { return "analyze_data" }

func (t *analyzeDataTool) Description() string {
	return "Run a SQL SELECT against a tabular data resource. The data is loaded into a table named \"data\" whose columns match the file header (all TEXT; CAST for arithmetic). Exactly one SELECT statement is allowed. Use this for aggregation, filtering, and statistics over data files."
}

func (t *analyzeDataTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"resource": {"type": "string", "description": "Name of the data_file resource"},
			"query": {"type": "string", "description": "A single SQL SELECT over the table \"data\""}
		},
		"required": ["resource", "query"]
	}`)
}

func (t *analyzeDataTool) Requires() []Capability { return []Capability{CapabilityResources} }

func (t *analyzeDataTool) Execute(ctx context.Context, params json.RawMessage, inv *Invocation) (*Result, error) {
	var p struct {
		Resource string `json:"resource"`
		Query    string `json:"query"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	r := inv.findResource(p.Resource)
	if r == nil || r.Type != models.ResourceTypeDataFile {
		return &Result{
			Content:  fmt.Sprintf("No data file named %q exists in this workspace.", p.Resource),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}
	if r.FilePath == nil || *r.FilePath == "" {
		return &Result{
			Content:  fmt.Sprintf("Data file %q has not finished processing.", r.Name),
			Success:  false,
			Metadata: map[string]any{"found": 0},
		}, nil
	}

	if err := checkQuerySafety(p.Query); err != nil {
		return nil, err
	}

	table, rows, err := runQueryOnCSV(ctx, *r.FilePath, p.Query)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content: table,
		Success: true,
		Metadata: map[string]any{
			"found": rows,
			"query": p.Query,
		},
	}, nil
}

// checkQuerySafety enforces the sandbox rules: a single SELECT (or WITH)
// statement with no denylisted token.
func checkQuerySafety(query string) error {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)

	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("%w: only SELECT statements are allowed", ErrUnsafeOperation)
	}

	// No statement chaining: a semicolon may only terminate the query.
	if idx := strings.Index(trimmed, ";"); idx >= 0 && idx != len(trimmed)-1 {
		return fmt.Errorf("%w: multiple statements are not allowed", ErrUnsafeOperation)
	}

	for _, token := range analyzeDeny {
		if containsToken(lower, token) {
			return fmt.Errorf("%w: %q is not allowed", ErrUnsafeOperation, token)
		}
	}
	return nil
}

// containsToken reports whether tok appears as a whole word in s.
// Underscore is a boundary on purpose: it keeps pragma_table_info and
// friends inside the denylist while leaving columns like created_at alone.
func containsToken(s, tok string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], tok)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(s[i-1])
		after := i+len(tok) == len(s) || !isWordByte(s[i+len(tok)])
		if before && after {
			return true
		}
		idx = i + len(tok)
	}
}

func isWordByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// runQueryOnCSV loads the CSV into an in-memory SQLite table and runs the
// query, formatting up to analyzeRowCap result rows.
func runQueryOnCSV(ctx context.Context, path, query string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read data file header: %w", err)
	}
	columns := sanitizeColumns(header)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", 0, fmt.Errorf("failed to open sandbox database: %w", err)
	}
	defer func() { _ = db.Close() }()

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = `"` + col + `" TEXT`
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE data ("+strings.Join(quoted, ", ")+")"); err != nil {
		return "", 0, fmt.Errorf("failed to create sandbox table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to begin sandbox load: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO data VALUES ("+placeholders+")")
	if err != nil {
		_ = tx.Rollback()
		return "", 0, fmt.Errorf("failed to prepare sandbox insert: %w", err)
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = tx.Rollback()
			return "", 0, fmt.Errorf("failed to read data row: %w", err)
		}
		args := make([]any, len(columns))
		for i := range columns {
			if i < len(record) {
				args[i] = record[i]
			} else {
				args[i] = ""
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = tx.Rollback()
			return "", 0, fmt.Errorf("failed to load data row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("failed to commit sandbox load: %w", err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", 0, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	outCols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("query failed: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.Join(outCols, " | "))
	b.WriteString("\n")

	count := 0
	truncated := false
	for rows.Next() {
		if count >= analyzeRowCap {
			truncated = true
			break
		}
		values := make([]sql.NullString, len(outCols))
		scan := make([]any, len(outCols))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return "", 0, fmt.Errorf("failed to scan result row: %w", err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				cells[i] = v.String
			} else {
				cells[i] = "NULL"
			}
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("query failed: %w", err)
	}
	if truncated {
		fmt.Fprintf(&b, "… (truncated at %d rows)\n", analyzeRowCap)
	}

	return b.String(), count, nil
}

// sanitizeColumns turns CSV header cells into valid, unique identifiers.
func sanitizeColumns(header []string) []string {
	seen := make(map[string]int)
	out := make([]string, len(header))
	for i, raw := range header {
		col := identPattern.ReplaceAllString(strings.TrimSpace(raw), "_")
		col = strings.Trim(col, "_")
		if col == "" {
			col = fmt.Sprintf("col_%d", i+1)
		}
		if n, dup := seen[col]; dup {
			seen[col] = n + 1
			col = fmt.Sprintf("%s_%d", col, n+1)
		}
		seen[col] = 1
		out[i] = col
	}
	return out
}
