// Package schema describes data-source tables and caches introspection
// results. Column references in query specs are validated against these
// descriptions before compilation, so an unknown column is always a
// compile-time error rather than a runtime SQL error.
package schema

import (
	"context"
	"strings"
)

// ColumnType is a coarse, dialect-independent classification of a database
// column type. Adapters map their native type names into this set.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeDecimal   ColumnType = "decimal"
	TypeText      ColumnType = "text"
	TypeBool      ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeDate      ColumnType = "date"
	TypeJSON      ColumnType = "json"
	TypeUnknown   ColumnType = "unknown"
)

// IsNumeric reports whether sum/avg aggregates are valid on the type.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat || t == TypeDecimal
}

// IsTemporal reports whether the type can serve as a time-series axis.
func (t ColumnType) IsTemporal() bool {
	return t == TypeTimestamp || t == TypeDate
}

// Column is one introspected column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableSchema is the ordered column description of one table.
type TableSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`

	index map[string]ColumnType
}

// NewTableSchema builds a TableSchema with its lookup index.
func NewTableSchema(table string, columns []Column) *TableSchema {
	ts := &TableSchema{Table: table, Columns: columns}
	ts.buildIndex()
	return ts
}

func (ts *TableSchema) buildIndex() {
	ts.index = make(map[string]ColumnType, len(ts.Columns))
	for _, c := range ts.Columns {
		ts.index[c.Name] = c.Type
	}
}

// ColumnType returns the type of a column and whether it exists.
func (ts *TableSchema) ColumnType(name string) (ColumnType, bool) {
	if ts.index == nil {
		ts.buildIndex()
	}
	t, ok := ts.index[name]
	return t, ok
}

// HasColumn reports whether the table has the named column.
func (ts *TableSchema) HasColumn(name string) bool {
	_, ok := ts.ColumnType(name)
	return ok
}

// ColumnNames returns column names in schema order.
func (ts *TableSchema) ColumnNames() []string {
	names := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		names[i] = c.Name
	}
	return names
}

// Reader reads live schema information from a data source. Implemented by
// every datasource adapter.
type Reader interface {
	// Tables returns user table names, excluding system schemas.
	Tables(ctx context.Context) ([]string, error)

	// Columns returns the ordered column description of one table.
	Columns(ctx context.Context, table string) ([]Column, error)
}

// ClassifyType maps a native database type name to a ColumnType. Shared by
// the database/sql based adapters; pgx maps OIDs through its own table first.
func ClassifyType(nativeType string) ColumnType {
	t := strings.ToLower(strings.TrimSpace(nativeType))
	// Strip length/precision suffixes like varchar(255), numeric(10,2).
	if i := strings.IndexByte(t, '('); i > 0 {
		t = t[:i]
	}

	switch t {
	case "int", "integer", "int2", "int4", "int8", "smallint", "bigint",
		"tinyint", "mediumint", "serial", "bigserial", "hugeint", "ubigint", "uinteger":
		return TypeInteger
	case "float", "float4", "float8", "real", "double", "double precision":
		return TypeFloat
	case "numeric", "decimal", "money", "smallmoney":
		return TypeDecimal
	case "bool", "boolean", "bit":
		return TypeBool
	case "timestamp", "timestamptz", "timestamp with time zone",
		"timestamp without time zone", "datetime", "datetime2", "datetimeoffset", "smalldatetime":
		return TypeTimestamp
	case "date":
		return TypeDate
	case "json", "jsonb":
		return TypeJSON
	case "text", "varchar", "nvarchar", "char", "nchar", "bpchar",
		"character varying", "character", "string", "uuid", "ntext", "enum", "clob":
		return TypeText
	default:
		return TypeUnknown
	}
}
