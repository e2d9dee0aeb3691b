package translator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/config"
	"github.com/intellibi/analytics-engine/pkg/llm"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/schema"
	"github.com/intellibi/analytics-engine/pkg/session"
)

type staticReader struct {
	tables  []string
	columns map[string][]schema.Column
}

func (s *staticReader) Tables(ctx context.Context) ([]string, error) { return s.tables, nil }

func (s *staticReader) Columns(ctx context.Context, table string) ([]schema.Column, error) {
	return s.columns[table], nil
}

type staticProvider struct{ reader *staticReader }

func (s *staticProvider) SchemaReader(ctx context.Context, id uuid.UUID) (schema.Reader, error) {
	return s.reader, nil
}

func newTranslator(t *testing.T, client llm.Client) *Translator {
	t.Helper()
	provider := &staticProvider{reader: &staticReader{
		tables: []string{"sales"},
		columns: map[string][]schema.Column{
			"sales": {
				{Name: "id", Type: schema.TypeInteger},
				{Name: "region", Type: schema.TypeText},
				{Name: "amount", Type: schema.TypeDecimal},
				{Name: "created_at", Type: schema.TypeTimestamp},
			},
		},
	}}
	introspector := schema.NewIntrospector(provider, time.Minute, zap.NewNop())
	cfg := config.ModelConfig{Temperature: 0.1, MaxRetries: 2, TimeoutSeconds: 5}
	return New(client, introspector, cfg, zap.NewNop())
}

func respondWith(content string) *llm.MockClient {
	mock := llm.NewMockClient()
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Content: content}, nil
	}
	return mock
}

func TestTranslate_ValidSpec(t *testing.T) {
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"filters": [{"column": "region", "operator": "eq", "value": "emea"}],
			"group_by": ["region"],
			"aggregations": {"amount": ["sum"]},
			"limit": 100
		}
	}`)
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "total sales in emea by region")
	require.NoError(t, err)
	require.False(t, res.NeedsClarification())
	require.NotNil(t, res.Spec)

	assert.Equal(t, "sales", res.Spec.Table)
	assert.Equal(t, queryspec.OpEq, res.Spec.Filters[0].Operator)
	assert.Equal(t, []queryspec.AggFunc{queryspec.AggSum}, res.Spec.Aggregations["amount"])
	assert.Equal(t, 100, res.Spec.Limit)
	assert.Equal(t, "sales", res.Entities.Table)
	assert.NotEmpty(t, res.SpecJSON)
	assert.Equal(t, 1, mock.CompleteCalls)
}

func TestTranslate_Clarification(t *testing.T) {
	mock := respondWith(`{"clarification": "Do you mean gross or net revenue?"}`)
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "show revenue")
	require.NoError(t, err)
	assert.True(t, res.NeedsClarification())
	assert.Equal(t, "Do you mean gross or net revenue?", res.Clarification)
	assert.Nil(t, res.Spec)
}

func TestTranslate_HallucinatedTable(t *testing.T) {
	mock := respondWith(`{"query": {"table_name": "revenue_cube"}}`)
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "revenue please")
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
	assert.Contains(t, appErr.Clarification, `"revenue_cube"`)
}

func TestTranslate_HallucinatedColumn(t *testing.T) {
	mock := respondWith(`{"query": {"table_name": "sales", "group_by": ["territory"]}}`)
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "sales by territory")
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
	assert.Contains(t, appErr.Clarification, `"territory"`)
}

func TestTranslate_HallucinatedSortColumn(t *testing.T) {
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"group_by": ["region"],
			"aggregations": {"amount": ["sum"]},
			"sort_by": [{"column": "territory", "ascending": false}]
		}
	}`)
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "sales by region, biggest territory first")
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
	assert.Contains(t, appErr.Clarification, `"territory"`)
}

func TestTranslate_SortByAggregateAlias(t *testing.T) {
	// Sorting on the output alias of an aggregation is valid even though no
	// physical column carries that name.
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"group_by": ["region"],
			"aggregations": {"amount": ["sum"]},
			"sort_by": [{"column": "sum_amount", "ascending": false}]
		}
	}`)
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "regions by total sales")
	require.NoError(t, err)
	require.NotNil(t, res.Spec)
	require.Len(t, res.Spec.SortBy, 1)
	assert.Equal(t, "sum_amount", res.Spec.SortBy[0].Column)
}

func TestTranslate_UnparseableResponse(t *testing.T) {
	mock := respondWith("I think you want the sales table, roughly.")
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "sales?")
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
}

func TestTranslate_TimeSeries(t *testing.T) {
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"aggregations": {"amount": ["sum"]},
			"time_column": "created_at",
			"interval": "month",
			"start": "2025-01-01",
			"end": "2025-06-30"
		}
	}`)
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "monthly sales this year")
	require.NoError(t, err)
	require.NotNil(t, res.TimeSeries)

	assert.Equal(t, "created_at", res.TimeSeries.TimeColumn)
	assert.Equal(t, queryspec.IntervalMonth, res.TimeSeries.Interval)
	assert.Equal(t, 2025, res.TimeSeries.Start.Year())
	assert.Equal(t, "created_at", res.Entities.TimeColumn)
	assert.NotEmpty(t, res.Entities.Start)
}

func TestTranslate_TimeSeriesCarriedEntities(t *testing.T) {
	// Follow-up turn: the model names only the interval; table, time column
	// and range come from carried context.
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"aggregations": {"amount": ["sum"]},
			"interval": "week"
		}
	}`)
	tr := newTranslator(t, mock)

	entities := session.Entities{
		Table:      "sales",
		TimeColumn: "created_at",
		Start:      "2025-01-01T00:00:00Z",
		End:        "2025-03-31T00:00:00Z",
	}
	res, err := tr.Translate(context.Background(), uuid.New(), entities, nil, "now weekly")
	require.NoError(t, err)
	require.NotNil(t, res.TimeSeries)

	assert.Equal(t, "created_at", res.TimeSeries.TimeColumn)
	assert.Equal(t, queryspec.IntervalWeek, res.TimeSeries.Interval)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), res.TimeSeries.Start)
}

func TestTranslate_TimeSeriesMissingRange(t *testing.T) {
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"aggregations": {"amount": ["sum"]},
			"time_column": "created_at",
			"interval": "day"
		}
	}`)
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "daily sales")
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
	assert.Contains(t, appErr.Clarification, "time range")
}

func TestTranslate_NonTemporalTimeColumn(t *testing.T) {
	mock := respondWith(`{
		"query": {
			"table_name": "sales",
			"aggregations": {"amount": ["sum"]},
			"time_column": "region",
			"interval": "day",
			"start": "2025-01-01",
			"end": "2025-01-31"
		}
	}`)
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "daily sales by region")
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindAmbiguous, appErr.Kind)
	assert.Contains(t, appErr.Clarification, `"region"`)
}

func TestTranslate_RetriesTransportFailures(t *testing.T) {
	calls := 0
	mock := llm.NewMockClient()
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		calls++
		if calls < 2 {
			return nil, llm.NewError(llm.ErrorTypeEndpoint, "connection failed", true, errors.New("dial tcp: connection refused"))
		}
		return &llm.Completion{Content: `{"query": {"table_name": "sales"}}`}, nil
	}
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "everything")
	require.NoError(t, err)
	assert.NotNil(t, res.Spec)
	assert.Equal(t, 2, calls)
}

func TestTranslate_AuthFailureNotRetried(t *testing.T) {
	calls := 0
	mock := llm.NewMockClient()
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		calls++
		return nil, llm.NewError(llm.ErrorTypeAuth, "authentication failed", false, nil)
	}
	tr := newTranslator(t, mock)

	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "everything")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTranslate_FlexibleLimit(t *testing.T) {
	// Models sometimes return numeric fields as strings.
	mock := respondWith(`{"query": {"table_name": "sales", "limit": "25"}}`)
	tr := newTranslator(t, mock)

	res, err := tr.Translate(context.Background(), uuid.New(), session.Entities{}, nil, "top 25 sales")
	require.NoError(t, err)
	assert.Equal(t, 25, res.Spec.Limit)
}

func TestTranslate_ConversationInPrompt(t *testing.T) {
	mock := respondWith(`{"query": {"table_name": "sales"}}`)
	tr := newTranslator(t, mock)

	turns := []session.Turn{
		{Question: "total sales by region", SpecJSON: `{"table_name":"sales"}`},
	}
	_, err := tr.Translate(context.Background(), uuid.New(), session.Entities{Table: "sales"}, turns, "just emea")
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	assert.Contains(t, mock.Requests[0].Prompt, "total sales by region")
	assert.Contains(t, mock.Requests[0].Prompt, "just emea")
}
