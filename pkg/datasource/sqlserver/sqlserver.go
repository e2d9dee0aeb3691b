// Package sqlserver is the SQL Server adapter, built on database/sql with
// go-mssqldb. Importing the package registers the adapter.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
)

func init() {
	datasource.Register(connector{})
}

type connector struct{}

func (connector) Dialect() compiler.Dialect {
	return compiler.DialectSQLServer
}

func (connector) Open(ctx context.Context, config map[string]any, opts datasource.PoolOptions) (datasource.Conn, error) {
	host, _ := config["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("host is required")
	}
	database, _ := config["database"].(string)
	if database == "" {
		return nil, fmt.Errorf("database is required")
	}

	port := 1433
	switch p := config["port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}

	username, _ := config["username"].(string)
	password, _ := config["password"].(string)

	query := url.Values{}
	query.Set("database", database)
	if encrypt, ok := config["encrypt"].(bool); ok && !encrypt {
		query.Set("encrypt", "disable")
	}
	if trust, ok := config["trust_server_certificate"].(bool); ok && trust {
		query.Set("TrustServerCertificate", "true")
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(username, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		RawQuery: query.Encode(),
	}

	db, err := sql.Open("sqlserver", u.String())
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}
	db.SetMaxOpenConns(int(opts.MaxConns))
	db.SetMaxIdleConns(int(opts.MinConns))
	db.SetConnMaxIdleTime(opts.IdleTTL)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlserver: %w", err)
	}

	return &datasource.SQLPool{
		DB: db,
		TablesSQL: `SELECT table_name
			FROM information_schema.tables
			WHERE table_type = 'BASE TABLE'
			ORDER BY table_name`,
		ColumnsSQL: `SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_name = @p1
			ORDER BY ordinal_position`,
	}, nil
}
