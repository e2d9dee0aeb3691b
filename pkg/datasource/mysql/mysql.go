// Package mysql is the MySQL adapter, built on database/sql with the
// go-sql-driver. Importing the package registers the adapter.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
)

func init() {
	datasource.Register(connector{})
}

type connector struct{}

func (connector) Dialect() compiler.Dialect {
	return compiler.DialectMySQL
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

	port := 3306
	switch p := config["port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}

	username, _ := config["username"].(string)
	password, _ := config["password"].(string)

	cfg := gomysql.NewConfig()
	cfg.User = username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = database
	// Scan temporal columns into time.Time so bucket values stay typed.
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(int(opts.MaxConns))
	db.SetMaxIdleConns(int(opts.MinConns))
	db.SetConnMaxIdleTime(opts.IdleTTL)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return &datasource.SQLPool{
		DB: db,
		TablesSQL: `SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
			ORDER BY table_name`,
		ColumnsSQL: `SELECT column_name, data_type
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY ordinal_position`,
	}, nil
}
