package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/audit"
	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/config"
	"github.com/intellibi/analytics-engine/pkg/crypto"
	"github.com/intellibi/analytics-engine/pkg/datasource"
	"github.com/intellibi/analytics-engine/pkg/history"
	"github.com/intellibi/analytics-engine/pkg/llm"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/schema"
	"github.com/intellibi/analytics-engine/pkg/session"
	"github.com/intellibi/analytics-engine/pkg/translator"
)

// stubConn serves the test fixture schema and scripted query results.
type stubConn struct {
	queryFn func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error)
	queries []string
}

func (c *stubConn) Tables(ctx context.Context) ([]string, error) {
	return []string{"sales"}, nil
}

func (c *stubConn) Columns(ctx context.Context, table string) ([]schema.Column, error) {
	if table != "sales" {
		return nil, nil
	}
	return []schema.Column{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "region", Type: schema.TypeText},
		{Name: "amount", Type: schema.TypeDecimal},
		{Name: "created_at", Type: schema.TypeTimestamp},
	}, nil
}

func (c *stubConn) Query(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
	c.queries = append(c.queries, sqlText)
	if c.queryFn != nil {
		return c.queryFn(ctx, sqlText, args)
	}
	return &datasource.QueryResult{Rows: []map[string]any{}}, nil
}

func (c *stubConn) Ping(ctx context.Context) error { return nil }
func (c *stubConn) Close()                         {}

type stubConnector struct{ conn *stubConn }

func (s *stubConnector) Dialect() compiler.Dialect { return compiler.DialectPostgres }

func (s *stubConnector) Open(ctx context.Context, cfg map[string]any, opts datasource.PoolOptions) (datasource.Conn, error) {
	return s.conn, nil
}

type fixture struct {
	svc          AnalyticsService
	conn         *stubConn
	mock         *llm.MockClient
	hist         *history.Store
	dataSourceID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := &stubConn{}
	datasource.Register(&stubConnector{conn: conn})

	enc, err := crypto.NewCredentialEncryptor("test-key")
	require.NoError(t, err)
	store := datasource.NewStore(enc)

	ds := &datasource.DataSource{Name: "warehouse", Dialect: compiler.DialectPostgres, Config: map[string]any{}}
	require.NoError(t, store.Add(ds))

	manager := datasource.NewManager(store, datasource.ManagerConfig{
		PoolOptions: datasource.PoolOptions{MaxConns: 4, MinConns: 1, IdleTTL: time.Hour},
		LeaseWait:   100 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Close() })

	introspector := schema.NewIntrospector(manager, time.Minute, zap.NewNop())
	manager.OnInvalidate(introspector.Invalidate)

	mock := llm.NewMockClient()
	trans := translator.New(mock, introspector, config.ModelConfig{
		Temperature: 0.1, MaxRetries: 1, TimeoutSeconds: 5,
	}, zap.NewNop())

	sessions := session.NewStore(session.Config{InactivityWindow: time.Hour, MaxTurns: 10}, zap.NewNop())
	t.Cleanup(sessions.Close)

	hist := history.NewStore(100)

	svc := NewAnalyticsService(
		store, manager, introspector, compiler.New(1000), trans,
		sessions, hist, audit.NewSecurityAuditor(zap.NewNop()),
		5*time.Second, zap.NewNop())

	return &fixture{svc: svc, conn: conn, mock: mock, hist: hist, dataSourceID: ds.ID}
}

func TestExecuteSpec(t *testing.T) {
	f := newFixture(t)
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		if strings.HasPrefix(sqlText, "SELECT COUNT(*)") {
			return &datasource.QueryResult{
				Columns: []datasource.ColumnInfo{{Name: "count"}},
				Rows:    []map[string]any{{"count": int64(42)}},
			}, nil
		}
		return &datasource.QueryResult{
			Columns: []datasource.ColumnInfo{{Name: "id"}, {Name: "amount"}},
			Rows: []map[string]any{
				{"id": int64(1), "amount": 9.5},
				{"id": int64(2), "amount": 4.0},
			},
		}, nil
	}

	res, err := f.svc.ExecuteSpec(context.Background(), f.dataSourceID, &queryspec.QuerySpec{
		Table:   "sales",
		Columns: []string{"id", "amount"},
		Limit:   2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.RowCount)
	assert.Equal(t, 42, res.TotalRows)
	assert.True(t, res.Truncated)

	// Data query plus count companion.
	require.Len(t, f.conn.queries, 2)
	assert.Contains(t, f.conn.queries[0], `FROM "sales"`)
	assert.Contains(t, f.conn.queries[1], "COUNT(*)")

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindSpec, recs[0].Kind)
	assert.Equal(t, history.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, 2, recs[0].RowCount)
	assert.NotEmpty(t, recs[0].Digest)
}

func TestExecuteSpec_ValidationFailureRecorded(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ExecuteSpec(context.Background(), f.dataSourceID, &queryspec.QuerySpec{
		Table:   "sales",
		Columns: []string{"no_such_column"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Empty(t, f.conn.queries, "invalid spec must not reach the connection")

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeError, recs[0].Outcome)
	assert.Equal(t, string(apperrors.KindValidation), recs[0].ErrorKind)
}

func TestExecuteSpec_InjectionFilterRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ExecuteSpec(context.Background(), f.dataSourceID, &queryspec.QuerySpec{
		Table: "sales",
		Filters: []queryspec.Filter{
			{Column: "region", Operator: queryspec.OpEq, Value: "1' OR '1'='1"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGuardrail, apperrors.KindOf(err))
	assert.Empty(t, f.conn.queries)
}

func TestExecuteSpec_ExecutionError(t *testing.T) {
	f := newFixture(t)
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return nil, errors.New("relation does not exist")
	}

	_, err := f.svc.ExecuteSpec(context.Background(), f.dataSourceID, &queryspec.QuerySpec{Table: "sales"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindExecution, apperrors.KindOf(err))

	// The database's diagnostic reaches the caller, not a bare
	// "execute query".
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Contains(t, appErr.Message, "relation does not exist")
}

func TestExecuteTimeSeries_ZeroFills(t *testing.T) {
	f := newFixture(t)
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return &datasource.QueryResult{
			Columns: []datasource.ColumnInfo{{Name: "bucket"}, {Name: "sum_amount"}},
			Rows: []map[string]any{
				{"bucket": time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "sum_amount": 10.0},
				{"bucket": time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), "sum_amount": 30.0},
			},
		}, nil
	}

	res, err := f.svc.ExecuteTimeSeries(context.Background(), f.dataSourceID, &queryspec.TimeSeriesSpec{
		QuerySpec: queryspec.QuerySpec{
			Table:        "sales",
			Aggregations: map[string][]queryspec.AggFunc{"amount": {queryspec.AggSum}},
		},
		TimeColumn: "created_at",
		Interval:   queryspec.IntervalMonth,
		Start:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, res.Series.Points, 3)
	assert.False(t, res.Series.Points[0].Filled)
	assert.True(t, res.Series.Points[1].Filled, "February has no data and must be zero-filled")
	assert.Equal(t, 0, res.Series.Points[1].Values["sum_amount"])
	assert.Contains(t, res.SQL, "date_trunc")

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindTimeSeries, recs[0].Kind)
}

func TestExecuteTimeSeries_GroupedSkipsZeroFill(t *testing.T) {
	f := newFixture(t)
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return &datasource.QueryResult{
			Rows: []map[string]any{
				{"bucket": time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "region": "emea", "sum_amount": 1.0},
				{"bucket": time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "region": "apac", "sum_amount": 2.0},
			},
		}, nil
	}

	res, err := f.svc.ExecuteTimeSeries(context.Background(), f.dataSourceID, &queryspec.TimeSeriesSpec{
		QuerySpec: queryspec.QuerySpec{
			Table:        "sales",
			GroupBy:      []string{"region"},
			Aggregations: map[string][]queryspec.AggFunc{"amount": {queryspec.AggSum}},
		},
		TimeColumn: "created_at",
		Interval:   queryspec.IntervalMonth,
		Start:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Len(t, res.Series.Points, 2, "grouped rows pass through unresampled")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "zero-fill skipped")
}

func TestExecuteRaw(t *testing.T) {
	f := newFixture(t)
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return &datasource.QueryResult{
			Columns: []datasource.ColumnInfo{{Name: "n"}},
			Rows:    []map[string]any{{"n": int64(1)}},
		}, nil
	}

	res, err := f.svc.ExecuteRaw(context.Background(), f.dataSourceID, "SELECT 1 AS n;")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)

	// The statement runs wrapped with the row cap.
	require.Len(t, f.conn.queries, 1)
	assert.Contains(t, f.conn.queries[0], "LIMIT 1000")
	assert.Contains(t, f.conn.queries[0], "SELECT 1 AS n")

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindRaw, recs[0].Kind)
}

func TestExecuteRaw_GuardrailRejectsAndRecords(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ExecuteRaw(context.Background(), f.dataSourceID, "DROP TABLE sales")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindGuardrail, apperrors.KindOf(err))
	assert.Empty(t, f.conn.queries, "rejected SQL must never reach the connection")

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeError, recs[0].Outcome)
	assert.Equal(t, string(apperrors.KindGuardrail), recs[0].ErrorKind)
}

func TestAsk_ExecutesTranslatedSpec(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		if strings.Contains(req.System, "summarize") {
			return &llm.Completion{Content: "EMEA leads with 10."}, nil
		}
		return &llm.Completion{Content: `{
			"query": {
				"table_name": "sales",
				"group_by": ["region"],
				"aggregations": {"amount": ["sum"]}
			}
		}`}, nil
	}
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return &datasource.QueryResult{
			Columns: []datasource.ColumnInfo{{Name: "region"}, {Name: "sum_amount"}},
			Rows:    []map[string]any{{"region": "emea", "sum_amount": 10.0}},
		}, nil
	}

	sessionID := uuid.New()
	resp, err := f.svc.Ask(context.Background(), f.dataSourceID, sessionID, "total sales by region")
	require.NoError(t, err)

	assert.Equal(t, sessionID, resp.SessionID)
	assert.Empty(t, resp.Clarification)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.RowCount)
	assert.Contains(t, resp.SQL, "GROUP BY")
	assert.Equal(t, "EMEA leads with 10.", resp.Summary)

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindNL, recs[0].Kind)
	assert.Equal(t, "total sales by region", recs[0].Question)
}

func TestAsk_ClarificationShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Content: `{"clarification": "Which year do you mean?"}`}, nil
	}

	resp, err := f.svc.Ask(context.Background(), f.dataSourceID, uuid.New(), "sales trend")
	require.NoError(t, err)
	assert.Equal(t, "Which year do you mean?", resp.Clarification)
	assert.Nil(t, resp.Result)
	assert.Empty(t, f.conn.queries)

	// Clarifications are a conversation step, not an execution.
	assert.Equal(t, 0, f.hist.Len())
}

func TestAsk_FollowUpCarriesContext(t *testing.T) {
	f := newFixture(t)
	call := 0
	f.mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		if strings.Contains(req.System, "summarize") {
			return &llm.Completion{Content: "Summary."}, nil
		}
		call++
		if call == 1 {
			return &llm.Completion{Content: `{
				"query": {
					"table_name": "sales",
					"aggregations": {"amount": ["sum"]},
					"time_column": "created_at",
					"interval": "month",
					"start": "2025-01-01",
					"end": "2025-06-30"
				}
			}`}, nil
		}
		// Follow-up: the model omits the time column and range.
		return &llm.Completion{Content: `{
			"query": {
				"table_name": "sales",
				"aggregations": {"amount": ["sum"]},
				"interval": "week"
			}
		}`}, nil
	}
	f.conn.queryFn = func(ctx context.Context, sqlText string, args []any) (*datasource.QueryResult, error) {
		return &datasource.QueryResult{Rows: []map[string]any{}}, nil
	}

	sessionID := uuid.New()
	ctx := context.Background()

	first, err := f.svc.Ask(ctx, f.dataSourceID, sessionID, "monthly sales jan through june")
	require.NoError(t, err)
	require.NotNil(t, first.Series)

	second, err := f.svc.Ask(ctx, f.dataSourceID, sessionID, "weekly instead")
	require.NoError(t, err)
	require.NotNil(t, second.Series, "carried entities should supply the omitted range")
	assert.Equal(t, queryspec.IntervalWeek, second.Series.Interval)
}

func TestAsk_TranslationErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Content: `{"query": {"table_name": "no_such_table"}}`}, nil
	}

	_, err := f.svc.Ask(context.Background(), f.dataSourceID, uuid.New(), "whatever")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAmbiguous, apperrors.KindOf(err))

	recs := f.hist.List(history.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, history.OutcomeError, recs[0].Outcome)
}
