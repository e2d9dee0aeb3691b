// Package file is the adapter for file-backed sources (CSV, Parquet, or a
// DuckDB database file), served through an embedded DuckDB instance.
// Importing the package registers the adapter.
package file

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
)

func init() {
	datasource.Register(connector{})
}

type connector struct{}

func (connector) Dialect() compiler.Dialect {
	return compiler.DialectFile
}

// Open attaches a file to an embedded DuckDB instance. A .duckdb/.db file
// is opened directly; a .csv or .parquet file is exposed as a view named
// after the file.
func (connector) Open(ctx context.Context, config map[string]any, opts datasource.PoolOptions) (datasource.Conn, error) {
	path, _ := config["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	ext := strings.ToLower(filepath.Ext(path))

	var dsn string
	if ext == ".duckdb" || ext == ".db" {
		dsn = path
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(int(opts.MaxConns))
	db.SetMaxIdleConns(int(opts.MinConns))
	db.SetConnMaxIdleTime(opts.IdleTTL)

	switch ext {
	case ".csv":
		if err := createView(ctx, db, path, "read_csv_auto"); err != nil {
			db.Close()
			return nil, err
		}
	case ".parquet":
		if err := createView(ctx, db, path, "read_parquet"); err != nil {
			db.Close()
			return nil, err
		}
	case ".duckdb", ".db":
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	return &datasource.SQLPool{
		DB: db,
		TablesSQL: `SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = 'main'
			ORDER BY table_name`,
		ColumnsSQL: `SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_name = ?
			ORDER BY ordinal_position`,
	}, nil
}

// createView exposes a data file as a view named after its base name, so
// specs can reference it like any table.
func createView(ctx context.Context, db *sql.DB, path, readerFunc string) error {
	table := tableNameFromPath(path)
	stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW %q AS SELECT * FROM %s(%s)`,
		table, readerFunc, quoteLiteral(path))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("register %s view: %w", readerFunc, err)
	}
	return nil
}

// tableNameFromPath derives a table name from a file path: base name
// without extension, non-identifier characters replaced.
func tableNameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
