package schema

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/logging"
)

// ReaderProvider hands out a schema reader for a data source. Implemented by
// the connection manager; file-backed sources may instead carry a
// materialized description (see SetMaterialized).
type ReaderProvider interface {
	SchemaReader(ctx context.Context, dataSourceID uuid.UUID) (Reader, error)
}

type cacheEntry struct {
	schema    *TableSchema
	expiresAt time.Time
}

// Introspector resolves and caches table descriptions per data source. The
// cache is read-mostly: entries are replaced wholesale on refresh and the
// whole data source is dropped on invalidation, never partially mutated.
type Introspector struct {
	provider ReaderProvider
	ttl      time.Duration
	logger   *zap.Logger

	mu           sync.RWMutex
	cache        map[uuid.UUID]map[string]cacheEntry
	materialized map[uuid.UUID]map[string]*TableSchema
}

// NewIntrospector creates an introspector with the given cache TTL.
func NewIntrospector(provider ReaderProvider, ttl time.Duration, logger *zap.Logger) *Introspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{
		provider:     provider,
		ttl:          ttl,
		logger:       logger.Named("schema"),
		cache:        make(map[uuid.UUID]map[string]cacheEntry),
		materialized: make(map[uuid.UUID]map[string]*TableSchema),
	}
}

// SetMaterialized registers an already-known table description for a data
// source, used for file-backed sources whose schema is derived once at
// upload time. Materialized schemas never expire; they are removed only by
// Invalidate.
func (in *Introspector) SetMaterialized(dataSourceID uuid.UUID, ts *TableSchema) {
	in.mu.Lock()
	defer in.mu.Unlock()
	tables := in.materialized[dataSourceID]
	if tables == nil {
		tables = make(map[string]*TableSchema)
		in.materialized[dataSourceID] = tables
	}
	tables[ts.Table] = ts
}

// Describe returns the column description of one table, from the
// materialized set, the cache, or a live read in that order.
func (in *Introspector) Describe(ctx context.Context, dataSourceID uuid.UUID, table string) (*TableSchema, error) {
	in.mu.RLock()
	if tables, ok := in.materialized[dataSourceID]; ok {
		if ts, ok := tables[table]; ok {
			in.mu.RUnlock()
			return ts, nil
		}
	}
	if entries, ok := in.cache[dataSourceID]; ok {
		if entry, ok := entries[table]; ok && time.Now().Before(entry.expiresAt) {
			in.mu.RUnlock()
			return entry.schema, nil
		}
	}
	in.mu.RUnlock()

	return in.refresh(ctx, dataSourceID, table)
}

func (in *Introspector) refresh(ctx context.Context, dataSourceID uuid.UUID, table string) (*TableSchema, error) {
	reader, err := in.provider.SchemaReader(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	columns, err := reader.Columns(ctx, table)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindExecution, err,
			"introspect table %q: %s", table, logging.SanitizeError(err))
	}
	if len(columns) == 0 {
		return nil, apperrors.Validation("table %q does not exist or has no columns", table)
	}

	ts := NewTableSchema(table, columns)

	in.mu.Lock()
	entries := in.cache[dataSourceID]
	if entries == nil {
		entries = make(map[string]cacheEntry)
		in.cache[dataSourceID] = entries
	}
	entries[table] = cacheEntry{schema: ts, expiresAt: time.Now().Add(in.ttl)}
	in.mu.Unlock()

	in.logger.Debug("schema refreshed",
		zap.String("datasource_id", dataSourceID.String()),
		zap.String("table", table),
		zap.Int("columns", len(columns)))

	return ts, nil
}

// Tables lists table names for a data source: materialized names for
// file-backed sources, a live read otherwise.
func (in *Introspector) Tables(ctx context.Context, dataSourceID uuid.UUID) ([]string, error) {
	in.mu.RLock()
	if tables, ok := in.materialized[dataSourceID]; ok && len(tables) > 0 {
		names := make([]string, 0, len(tables))
		for name := range tables {
			names = append(names, name)
		}
		in.mu.RUnlock()
		// Stable order: these names feed prompts and API responses.
		sort.Strings(names)
		return names, nil
	}
	in.mu.RUnlock()

	reader, err := in.provider.SchemaReader(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	return reader.Tables(ctx)
}

// Invalidate drops all cached and materialized descriptions for a data
// source. Wired to the connection manager's invalidation path.
func (in *Introspector) Invalidate(dataSourceID uuid.UUID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.cache, dataSourceID)
	delete(in.materialized, dataSourceID)
}
