// Package results shapes query output into the uniform structure every
// execution path returns, regardless of dialect or driver.
package results

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/intellibi/analytics-engine/pkg/datasource"
)

// ExecutionResult is the uniform result envelope.
type ExecutionResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	TotalRows int              `json:"total_rows"`
	Truncated bool             `json:"truncated"`
	ChartHint string           `json:"chart_hint,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// Chart hints for client rendering.
const (
	ChartLine   = "line"
	ChartBar    = "bar"
	ChartPie    = "pie"
	ChartMetric = "metric"
	ChartTable  = "table"
)

// Normalize converts driver output into the uniform envelope. Every value
// becomes JSON-safe: timestamps as RFC3339, byte slices as strings, numeric
// driver types unchanged.
func Normalize(qr *datasource.QueryResult) *ExecutionResult {
	rows := make([]map[string]any, len(qr.Rows))
	for i, row := range qr.Rows {
		normalized := make(map[string]any, len(row))
		for k, v := range row {
			normalized[k] = normalizeValue(v)
		}
		rows[i] = normalized
	}

	return &ExecutionResult{
		Columns:   qr.ColumnNames(),
		Rows:      rows,
		RowCount:  len(rows),
		TotalRows: len(rows),
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}

// SuggestChart picks a rendering hint from the result shape: a time axis
// with numeric values suggests a line, a small categorical breakdown a pie,
// a larger one a bar, a single value a metric, anything else a table.
func SuggestChart(r *ExecutionResult, timeColumn string) string {
	if r.RowCount == 0 || len(r.Columns) == 0 {
		return ChartTable
	}

	if r.RowCount == 1 && len(r.Columns) == 1 {
		if isNumericValue(r.Rows[0][r.Columns[0]]) {
			return ChartMetric
		}
		return ChartTable
	}

	if timeColumn != "" && hasColumn(r.Columns, timeColumn) && countNumericColumns(r) > 0 {
		return ChartLine
	}

	if len(r.Columns) == 2 && countNumericColumns(r) == 1 {
		if r.RowCount <= 10 {
			return ChartPie
		}
		if r.RowCount <= 50 {
			return ChartBar
		}
	}

	return ChartTable
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// countNumericColumns inspects the first row; result columns are uniformly
// typed within one statement.
func countNumericColumns(r *ExecutionResult) int {
	if r.RowCount == 0 {
		return 0
	}
	count := 0
	for _, col := range r.Columns {
		if isNumericValue(r.Rows[0][col]) {
			count++
		}
	}
	return count
}

func isNumericValue(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
