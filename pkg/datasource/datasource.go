// Package datasource manages registered data sources and their connection
// pools. Adapters for each dialect live in subpackages and register
// themselves at init time; importing an adapter package is what makes its
// dialect available.
package datasource

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/schema"
)

// DataSource is a registered data source definition. Config carries
// adapter-specific connection settings; the password entry is encrypted at
// rest by the store and decrypted only when a pool is opened.
type DataSource struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Dialect   compiler.Dialect `json:"dialect"`
	Config    map[string]any   `json:"config"`
	CreatedAt time.Time        `json:"created_at"`
}

// ColumnInfo describes a result column with its native type name.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult holds rows from one statement execution.
type QueryResult struct {
	Columns []ColumnInfo     `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ColumnNames returns result column names in select-list order.
func (r *QueryResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// PoolOptions sizes the pool an adapter opens for one data source.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
	IdleTTL  time.Duration
}

// Conn is a pooled connection to one data source. It is shared between
// leases; implementations must be safe for concurrent use.
type Conn interface {
	schema.Reader

	// Query runs a parameterized statement. Args bind to the placeholders
	// the data source's dialect renderer produced.
	Query(ctx context.Context, sqlText string, args []any) (*QueryResult, error)

	// Ping verifies the data source is reachable with valid credentials.
	Ping(ctx context.Context) error

	// Close releases the underlying pool.
	Close()
}

// Connector opens pooled connections for one dialect. Implementations
// register themselves via Register in an init function.
type Connector interface {
	Dialect() compiler.Dialect
	Open(ctx context.Context, config map[string]any, opts PoolOptions) (Conn, error)
}
