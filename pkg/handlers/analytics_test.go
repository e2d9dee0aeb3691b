package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/results"
	"github.com/intellibi/analytics-engine/pkg/services"
)

// stubAnalytics lets each test script the service behind the handler.
type stubAnalytics struct {
	executeSpec       func(ctx context.Context, id uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error)
	executeTimeSeries func(ctx context.Context, id uuid.UUID, spec *queryspec.TimeSeriesSpec) (*services.TimeSeriesResult, error)
	executeRaw        func(ctx context.Context, id uuid.UUID, sqlText string) (*results.ExecutionResult, error)
	ask               func(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*services.AskResponse, error)
}

func (s *stubAnalytics) ExecuteSpec(ctx context.Context, id uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error) {
	return s.executeSpec(ctx, id, spec)
}

func (s *stubAnalytics) ExecuteTimeSeries(ctx context.Context, id uuid.UUID, spec *queryspec.TimeSeriesSpec) (*services.TimeSeriesResult, error) {
	return s.executeTimeSeries(ctx, id, spec)
}

func (s *stubAnalytics) ExecuteRaw(ctx context.Context, id uuid.UUID, sqlText string) (*results.ExecutionResult, error) {
	return s.executeRaw(ctx, id, sqlText)
}

func (s *stubAnalytics) Ask(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*services.AskResponse, error) {
	return s.ask(ctx, dataSourceID, sessionID, question)
}

func newAnalyticsMux(stub *stubAnalytics) *http.ServeMux {
	mux := http.NewServeMux()
	NewAnalyticsHandler(stub, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ApiResponse {
	t.Helper()
	var resp ApiResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestAnalyticsHandler_Query(t *testing.T) {
	dsID := uuid.New()
	var gotSpec *queryspec.QuerySpec
	stub := &stubAnalytics{
		executeSpec: func(ctx context.Context, id uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error) {
			if id != dsID {
				t.Errorf("expected datasource %s, got %s", dsID, id)
			}
			gotSpec = spec
			return &results.ExecutionResult{
				Columns:  []string{"region"},
				Rows:     []map[string]any{{"region": "emea"}},
				RowCount: 1,
			}, nil
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+dsID.String()+"/query",
		`{"table_name": "sales", "group_by": ["region"], "aggregations": {"amount": ["sum"]}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if !resp.Success {
		t.Error("expected success=true")
	}
	if gotSpec == nil || gotSpec.Table != "sales" {
		t.Fatalf("expected decoded spec for table 'sales', got %+v", gotSpec)
	}
	if len(gotSpec.GroupBy) != 1 || gotSpec.GroupBy[0] != "region" {
		t.Errorf("expected group_by [region], got %v", gotSpec.GroupBy)
	}
}

func TestAnalyticsHandler_Query_InvalidID(t *testing.T) {
	mux := newAnalyticsMux(&stubAnalytics{})

	rec := postJSON(t, mux, "/api/datasources/not-a-uuid/query", `{"table_name": "sales"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error != "invalid_datasource_id" {
		t.Errorf("expected error 'invalid_datasource_id', got %q", resp.Error)
	}
}

func TestAnalyticsHandler_Query_MalformedBody(t *testing.T) {
	mux := newAnalyticsMux(&stubAnalytics{})

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/query", `{"table_name":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestAnalyticsHandler_Query_GuardrailError(t *testing.T) {
	stub := &stubAnalytics{
		executeSpec: func(ctx context.Context, id uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error) {
			return nil, apperrors.Guardrail("filter value matched an injection signature")
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/query", `{"table_name": "sales"}`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error != string(apperrors.KindGuardrail) {
		t.Errorf("expected error %q, got %q", apperrors.KindGuardrail, resp.Error)
	}
}

func TestAnalyticsHandler_TimeSeries(t *testing.T) {
	var gotSpec *queryspec.TimeSeriesSpec
	stub := &stubAnalytics{
		executeTimeSeries: func(ctx context.Context, id uuid.UUID, spec *queryspec.TimeSeriesSpec) (*services.TimeSeriesResult, error) {
			gotSpec = spec
			return &services.TimeSeriesResult{SQL: "SELECT 1"}, nil
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/query/timeseries", `{
		"table_name": "sales",
		"aggregations": {"amount": ["sum"]},
		"time_column": "created_at",
		"interval": "month",
		"timezone": "Europe/London",
		"start": "2025-01-01T00:00:00Z",
		"end": "2025-06-30T00:00:00Z"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotSpec == nil {
		t.Fatal("expected the service to receive a spec")
	}
	if gotSpec.TimeColumn != "created_at" {
		t.Errorf("expected time column 'created_at', got %q", gotSpec.TimeColumn)
	}
	if gotSpec.Interval != queryspec.IntervalMonth {
		t.Errorf("expected interval month, got %q", gotSpec.Interval)
	}
	if gotSpec.Timezone != "Europe/London" {
		t.Errorf("expected timezone Europe/London, got %q", gotSpec.Timezone)
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !gotSpec.Start.Equal(want) {
		t.Errorf("expected start %v, got %v", want, gotSpec.Start)
	}
	if gotSpec.Table != "sales" {
		t.Errorf("expected embedded spec table 'sales', got %q", gotSpec.Table)
	}
}

func TestAnalyticsHandler_Raw(t *testing.T) {
	var gotSQL string
	stub := &stubAnalytics{
		executeRaw: func(ctx context.Context, id uuid.UUID, sqlText string) (*results.ExecutionResult, error) {
			gotSQL = sqlText
			return &results.ExecutionResult{RowCount: 0, Rows: []map[string]any{}}, nil
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/query/raw",
		`{"sql": "SELECT region FROM sales"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotSQL != "SELECT region FROM sales" {
		t.Errorf("expected SQL passthrough, got %q", gotSQL)
	}
}

func TestAnalyticsHandler_Raw_MissingSQL(t *testing.T) {
	mux := newAnalyticsMux(&stubAnalytics{})

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/query/raw", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error != "missing_sql" {
		t.Errorf("expected error 'missing_sql', got %q", resp.Error)
	}
}

func TestAnalyticsHandler_Ask_AssignsSessionID(t *testing.T) {
	var gotSession uuid.UUID
	stub := &stubAnalytics{
		ask: func(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*services.AskResponse, error) {
			gotSession = sessionID
			return &services.AskResponse{SessionID: sessionID, Question: question}, nil
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/ask",
		`{"question": "total sales by region"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotSession == uuid.Nil {
		t.Error("expected a session ID to be assigned when the request omits one")
	}
}

func TestAnalyticsHandler_Ask_KeepsProvidedSessionID(t *testing.T) {
	sessionID := uuid.New()
	var gotSession uuid.UUID
	stub := &stubAnalytics{
		ask: func(ctx context.Context, dataSourceID, sid uuid.UUID, question string) (*services.AskResponse, error) {
			gotSession = sid
			return &services.AskResponse{SessionID: sid, Question: question}, nil
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/ask",
		`{"session_id": "`+sessionID.String()+`", "question": "and weekly?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotSession != sessionID {
		t.Errorf("expected session %s, got %s", sessionID, gotSession)
	}
}

func TestAnalyticsHandler_Ask_MissingQuestion(t *testing.T) {
	mux := newAnalyticsMux(&stubAnalytics{})

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/ask", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error != "missing_question" {
		t.Errorf("expected error 'missing_question', got %q", resp.Error)
	}
}

func TestAnalyticsHandler_Ask_AmbiguousMapsTo422(t *testing.T) {
	stub := &stubAnalytics{
		ask: func(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*services.AskResponse, error) {
			return nil, apperrors.Ambiguous("Which table holds orders?", "model named unknown table")
		},
	}
	mux := newAnalyticsMux(stub)

	rec := postJSON(t, mux, "/api/datasources/"+uuid.NewString()+"/ask",
		`{"question": "orders last week"}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Message != "Which table holds orders?" {
		t.Errorf("expected the clarification as message, got %q", resp.Message)
	}
}
