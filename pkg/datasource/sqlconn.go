package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/intellibi/analytics-engine/pkg/schema"
)

// SQLPool adapts a database/sql pool to Conn. Adapters supply their
// dialect's introspection statements; ColumnsSQL takes the table name as
// its only parameter and returns (column_name, data_type) rows.
type SQLPool struct {
	DB         *sql.DB
	TablesSQL  string
	ColumnsSQL string
}

// Query implements Conn.
func (p *SQLPool) Query(ctx context.Context, sqlText string, args []any) (*QueryResult, error) {
	return QueryRows(ctx, p.DB, sqlText, args)
}

// Tables implements schema.Reader.
func (p *SQLPool) Tables(ctx context.Context) ([]string, error) {
	return ReadStrings(ctx, p.DB, p.TablesSQL)
}

// Columns implements schema.Reader.
func (p *SQLPool) Columns(ctx context.Context, table string) ([]schema.Column, error) {
	rows, err := p.DB.QueryContext(ctx, p.ColumnsSQL, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var name, nativeType string
		if err := rows.Scan(&name, &nativeType); err != nil {
			return nil, err
		}
		columns = append(columns, schema.Column{Name: name, Type: schema.ClassifyType(nativeType)})
	}
	return columns, rows.Err()
}

// Ping implements Conn.
func (p *SQLPool) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// Close implements Conn.
func (p *SQLPool) Close() {
	p.DB.Close()
}

// QueryRows runs a parameterized statement on a database/sql pool and scans
// every row into a map keyed by column name. Shared by the adapters that
// sit on database/sql (mysql, sqlserver, duckdb); the postgres adapter uses
// pgx natively.
func QueryRows(ctx context.Context, db *sql.DB, sqlText string, args []any) (*QueryResult, error) {
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	columns := make([]ColumnInfo, len(types))
	for i, t := range types {
		columns[i] = ColumnInfo{Name: t.Name(), Type: t.DatabaseTypeName()}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &QueryResult{Columns: columns, Rows: resultRows}, nil
}

// ReadStrings runs a single-column query and returns the values as strings,
// used for introspection statements.
func ReadStrings(ctx context.Context, db *sql.DB, sqlText string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// normalizeValue unwraps driver-specific scan results. database/sql hands
// back []byte for most text and decimal columns.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case sql.RawBytes:
		return string(t)
	default:
		return v
	}
}
