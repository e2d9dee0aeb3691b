// Package postgres is the PostgreSQL adapter, built on pgx connection
// pools. Importing the package registers the adapter.
package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
	"github.com/intellibi/analytics-engine/pkg/schema"
)

func init() {
	datasource.Register(connector{})
}

type connector struct{}

func (connector) Dialect() compiler.Dialect {
	return compiler.DialectPostgres
}

func (connector) Open(ctx context.Context, config map[string]any, opts datasource.PoolOptions) (datasource.Conn, error) {
	connStr, err := buildConnString(config)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolConfig.MaxConns = opts.MaxConns
	poolConfig.MinConns = opts.MinConns
	poolConfig.MaxConnIdleTime = opts.IdleTTL

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &conn{pool: pool}, nil
}

func buildConnString(config map[string]any) (string, error) {
	host, _ := config["host"].(string)
	if host == "" {
		return "", fmt.Errorf("host is required")
	}
	database, _ := config["database"].(string)
	if database == "" {
		return "", fmt.Errorf("database is required")
	}

	port := "5432"
	switch p := config["port"].(type) {
	case string:
		if p != "" {
			port = p
		}
	case float64: // JSON numbers are float64
		port = fmt.Sprintf("%d", int(p))
	case int:
		port = fmt.Sprintf("%d", p)
	}

	username, _ := config["username"].(string)
	password, _ := config["password"].(string)
	sslmode, _ := config["sslmode"].(string)
	if sslmode == "" {
		sslmode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(username, password),
		Host:     fmt.Sprintf("%s:%s", host, port),
		Path:     "/" + database,
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String(), nil
}

type conn struct {
	pool *pgxpool.Pool
}

func (c *conn) Query(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
	rows, err := c.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: string(fd.Name),
			Type: typeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &datasource.QueryResult{Columns: columns, Rows: resultRows}, nil
}

func (c *conn) Tables(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *conn) Columns(ctx context.Context, table string) ([]schema.Column, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
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

func (c *conn) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *conn) Close() {
	c.pool.Close()
}

// typeNameFromOID maps common PostgreSQL type OIDs to their names for
// result column metadata.
func typeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 790:
		return "MONEY"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1083:
		return "TIME"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	default:
		return fmt.Sprintf("OID_%d", oid)
	}
}
