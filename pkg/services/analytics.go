// Package services wires the query pipeline together: validate, compile,
// lease, execute, shape, record. Handlers talk to these interfaces only.
package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/audit"
	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
	"github.com/intellibi/analytics-engine/pkg/guardrail"
	"github.com/intellibi/analytics-engine/pkg/history"
	"github.com/intellibi/analytics-engine/pkg/logging"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/results"
	"github.com/intellibi/analytics-engine/pkg/schema"
	"github.com/intellibi/analytics-engine/pkg/session"
	"github.com/intellibi/analytics-engine/pkg/timeseries"
	"github.com/intellibi/analytics-engine/pkg/translator"
)

// TimeSeriesResult is the shaped output of a time-series execution: a
// gap-free series plus execution metadata.
type TimeSeriesResult struct {
	Series    *timeseries.Series `json:"series"`
	SQL       string             `json:"sql"`
	Truncated bool               `json:"truncated"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// AskResponse is the outcome of a natural-language question: either a
// clarification request or an executed result.
type AskResponse struct {
	SessionID     uuid.UUID                 `json:"session_id"`
	Question      string                    `json:"question"`
	Clarification string                    `json:"clarification,omitempty"`
	SQL           string                    `json:"sql,omitempty"`
	Result        *results.ExecutionResult  `json:"result,omitempty"`
	Series        *timeseries.Series        `json:"series,omitempty"`
	Summary       string                    `json:"summary,omitempty"`
	Model         string                    `json:"model,omitempty"`
}

// AnalyticsService executes the four query paths.
type AnalyticsService interface {
	ExecuteSpec(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error)
	ExecuteTimeSeries(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.TimeSeriesSpec) (*TimeSeriesResult, error)
	ExecuteRaw(ctx context.Context, dataSourceID uuid.UUID, sqlText string) (*results.ExecutionResult, error)
	Ask(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*AskResponse, error)
}

type analyticsService struct {
	store        *datasource.Store
	manager      *datasource.Manager
	introspector *schema.Introspector
	compiler     *compiler.Compiler
	translator   *translator.Translator
	sessions     *session.Store
	history      *history.Store
	auditor      *audit.SecurityAuditor
	queryTimeout time.Duration
	logger       *zap.Logger
}

// NewAnalyticsService creates the orchestrating service.
func NewAnalyticsService(
	store *datasource.Store,
	manager *datasource.Manager,
	introspector *schema.Introspector,
	comp *compiler.Compiler,
	trans *translator.Translator,
	sessions *session.Store,
	hist *history.Store,
	auditor *audit.SecurityAuditor,
	queryTimeout time.Duration,
	logger *zap.Logger,
) AnalyticsService {
	return &analyticsService{
		store:        store,
		manager:      manager,
		introspector: introspector,
		compiler:     comp,
		translator:   trans,
		sessions:     sessions,
		history:      hist,
		auditor:      auditor,
		queryTimeout: queryTimeout,
		logger:       logger.Named("analytics"),
	}
}

// ExecuteSpec compiles and runs a structured query.
func (s *analyticsService) ExecuteSpec(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, error) {
	start := time.Now()

	res, stmt, err := s.runSpec(ctx, dataSourceID, spec)
	s.record(dataSourceID, history.KindSpec, stmt, "", res, start, err)
	return res, err
}

func (s *analyticsService) runSpec(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.QuerySpec) (*results.ExecutionResult, *compiler.CompiledStatement, error) {
	if err := s.checkFilters(dataSourceID, spec.Filters); err != nil {
		return nil, nil, err
	}

	renderer, ts, err := s.prepare(ctx, dataSourceID, spec.Table)
	if err != nil {
		return nil, nil, err
	}

	stmt, err := s.compiler.Compile(spec, ts, renderer)
	if err != nil {
		return nil, nil, err
	}

	handle, err := s.manager.Lease(ctx, dataSourceID)
	if err != nil {
		return nil, stmt, err
	}
	defer handle.Release()

	qr, err := s.query(ctx, handle.Conn, stmt.SQL, stmt.Args)
	if err != nil {
		return nil, stmt, err
	}

	res := results.Normalize(qr)
	s.fillTotals(ctx, handle.Conn, stmt, spec, res)
	res.ChartHint = results.SuggestChart(res, "")
	return res, stmt, nil
}

// ExecuteTimeSeries compiles a bucketed aggregate, runs it, and resamples
// the rows onto the full calendar bucket sequence.
func (s *analyticsService) ExecuteTimeSeries(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.TimeSeriesSpec) (*TimeSeriesResult, error) {
	start := time.Now()

	res, err := s.runTimeSeries(ctx, dataSourceID, spec)
	var rec *results.ExecutionResult
	var stmt *compiler.CompiledStatement
	if res != nil {
		rec = &results.ExecutionResult{RowCount: len(res.Series.Points)}
		stmt = &compiler.CompiledStatement{SQL: res.SQL}
	}
	s.record(dataSourceID, history.KindTimeSeries, stmt, "", rec, start, err)
	return res, err
}

func (s *analyticsService) runTimeSeries(ctx context.Context, dataSourceID uuid.UUID, spec *queryspec.TimeSeriesSpec) (*TimeSeriesResult, error) {
	if err := s.checkFilters(dataSourceID, spec.Filters); err != nil {
		return nil, err
	}

	renderer, ts, err := s.prepare(ctx, dataSourceID, spec.Table)
	if err != nil {
		return nil, err
	}

	stmt, err := s.compiler.CompileTimeSeries(spec, ts, renderer)
	if err != nil {
		return nil, err
	}

	handle, err := s.manager.Lease(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	qr, err := s.query(ctx, handle.Conn, stmt.SQL, stmt.Args)
	if err != nil {
		return nil, err
	}

	result := &TimeSeriesResult{SQL: stmt.SQL}
	if len(qr.Rows) >= s.compiler.EffectiveLimit(spec.Limit) {
		result.Truncated = true
	}

	// Grouped series have one row per (bucket, group) pair; zero-filling
	// them needs the full group domain, which the rows alone do not carry.
	if len(spec.GroupBy) > 0 {
		result.Warnings = append(result.Warnings, "zero-fill skipped for grouped series")
		result.Series = rawSeries(spec, qr)
		return result, nil
	}

	series, err := timeseries.Resample(spec, qr.Rows, aggregateAliases(spec.Aggregations))
	if err != nil {
		return nil, err
	}
	result.Series = series
	return result, nil
}

// rawSeries shapes grouped rows without resampling.
func rawSeries(spec *queryspec.TimeSeriesSpec, qr *datasource.QueryResult) *timeseries.Series {
	tz := spec.Timezone
	if tz == "" {
		tz = "UTC"
	}
	points := make([]timeseries.Point, 0, len(qr.Rows))
	for _, row := range qr.Rows {
		p := timeseries.Point{Values: make(map[string]any, len(row))}
		for k, v := range row {
			if k == compiler.BucketColumn {
				if t, ok := v.(time.Time); ok {
					p.Bucket = t
					continue
				}
			}
			p.Values[k] = v
		}
		points = append(points, p)
	}
	return &timeseries.Series{Interval: spec.Interval, Timezone: tz, Points: points}
}

// ExecuteRaw validates a raw statement against the guardrails, wraps it
// with the row cap, and runs it.
func (s *analyticsService) ExecuteRaw(ctx context.Context, dataSourceID uuid.UUID, sqlText string) (*results.ExecutionResult, error) {
	start := time.Now()

	res, stmt, err := s.runRaw(ctx, dataSourceID, sqlText)
	s.record(dataSourceID, history.KindRaw, stmt, "", res, start, err)
	return res, err
}

func (s *analyticsService) runRaw(ctx context.Context, dataSourceID uuid.UUID, sqlText string) (*results.ExecutionResult, *compiler.CompiledStatement, error) {
	normalized, err := guardrail.ValidateRaw(sqlText)
	if err != nil {
		s.auditor.LogGuardrailViolation(dataSourceID, err.Error())
		s.logger.Warn("raw SQL rejected",
			zap.String("datasource_id", dataSourceID.String()),
			zap.String("sql", logging.SanitizeQuery(sqlText)),
			zap.Error(err))
		return nil, nil, err
	}

	ds, err := s.store.Get(dataSourceID)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := compiler.RendererFor(ds.Dialect)
	if err != nil {
		return nil, nil, err
	}

	bounded := renderer.WrapBounded(normalized, s.compiler.MaxRows())
	stmt := &compiler.CompiledStatement{SQL: bounded}

	handle, err := s.manager.Lease(ctx, dataSourceID)
	if err != nil {
		return nil, stmt, err
	}
	defer handle.Release()

	qr, err := s.query(ctx, handle.Conn, bounded, nil)
	if err != nil {
		return nil, stmt, err
	}

	res := results.Normalize(qr)
	if res.RowCount >= s.compiler.MaxRows() {
		res.Truncated = true
		res.Warnings = append(res.Warnings, "result capped at row limit")
	}
	res.ChartHint = results.SuggestChart(res, "")
	return res, stmt, nil
}

// Ask answers a natural-language question within a session. Concurrent
// questions on one session serialize; turns append in completion order.
func (s *analyticsService) Ask(ctx context.Context, dataSourceID, sessionID uuid.UUID, question string) (*AskResponse, error) {
	start := time.Now()

	var resp *AskResponse
	err := s.sessions.WithSession(sessionID, func(sess *session.Session) error {
		translated, err := s.translator.Translate(ctx, dataSourceID, sess.Entities, sess.RecentTurns(5), question)
		if err != nil {
			return err
		}

		if translated.NeedsClarification() {
			resp = &AskResponse{
				SessionID:     sessionID,
				Question:      question,
				Clarification: translated.Clarification,
				Model:         translated.Model,
			}
			return nil
		}

		resp = &AskResponse{
			SessionID: sessionID,
			Question:  question,
			Model:     translated.Model,
		}

		if translated.TimeSeries != nil {
			tsResult, err := s.runTimeSeries(ctx, dataSourceID, translated.TimeSeries)
			if err != nil {
				return err
			}
			resp.Series = tsResult.Series
			resp.SQL = tsResult.SQL
		} else {
			res, stmt, err := s.runSpec(ctx, dataSourceID, translated.Spec)
			if err != nil {
				return err
			}
			resp.Result = res
			resp.SQL = stmt.SQL
		}

		// Narration is best effort; a summary failure never fails the ask.
		if resp.Result != nil {
			if summary, err := s.translator.Summarize(ctx, question, resp.Result); err == nil {
				resp.Result.Summary = summary
				resp.Summary = summary
			} else {
				s.logger.Debug("summary skipped", zap.Error(err))
			}
		}

		s.sessions.Append(sess, session.Turn{
			Question: question,
			SpecJSON: translated.SpecJSON,
			SQL:      resp.SQL,
		}, translated.Entities)
		return nil
	})

	var rec *results.ExecutionResult
	var stmt *compiler.CompiledStatement
	if resp != nil && resp.Clarification == "" {
		rec = resp.Result
		stmt = &compiler.CompiledStatement{SQL: resp.SQL}
	}
	if resp == nil || resp.Clarification == "" {
		s.record(dataSourceID, history.KindNL, stmt, question, rec, start, err)
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// prepare resolves the renderer and table description for one execution.
func (s *analyticsService) prepare(ctx context.Context, dataSourceID uuid.UUID, table string) (compiler.Renderer, *schema.TableSchema, error) {
	ds, err := s.store.Get(dataSourceID)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := compiler.RendererFor(ds.Dialect)
	if err != nil {
		return nil, nil, err
	}
	ts, err := s.introspector.Describe(ctx, dataSourceID, table)
	if err != nil {
		return nil, nil, err
	}
	return renderer, ts, nil
}

// checkFilters rejects requests whose string filter values match injection
// signatures. Values bind as parameters regardless; a match is audited and
// refused as probing.
func (s *analyticsService) checkFilters(dataSourceID uuid.UUID, filters []queryspec.Filter) error {
	findings := guardrail.CheckFilterValues(filters)
	if len(findings) == 0 {
		return nil
	}
	for _, f := range findings {
		s.auditor.LogInjectionAttempt(dataSourceID, audit.InjectionDetails{
			Column:      f.Column,
			Value:       f.Value,
			Fingerprint: f.Fingerprint,
		})
	}
	return apperrors.Guardrail("filter value on column %q matched an injection signature", findings[0].Column)
}

// query runs one statement under the per-query timeout and classifies
// failures: deadline hits become QueryTimeout, everything else
// QueryExecutionError.
func (s *analyticsService) query(ctx context.Context, conn datasource.Conn, sqlText string, args []any) (*datasource.QueryResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	qr, err := conn.Query(execCtx, sqlText, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.KindTimeout, err,
				"query exceeded %s", s.queryTimeout)
		}
		s.logger.Error("query failed",
			zap.String("sql", logging.SanitizeQuery(sqlText)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, apperrors.Wrap(apperrors.KindExecution, err,
			"execute query: %s", logging.SanitizeError(err))
	}
	return qr, nil
}

// fillTotals computes total_rows: a COUNT(*) companion for plain row
// selections, the result row count for aggregates.
func (s *analyticsService) fillTotals(ctx context.Context, conn datasource.Conn, stmt *compiler.CompiledStatement, spec *queryspec.QuerySpec, res *results.ExecutionResult) {
	if stmt.CountSQL == "" {
		return
	}

	qr, err := s.query(ctx, conn, stmt.CountSQL, stmt.Args)
	if err != nil || len(qr.Rows) == 0 {
		res.Warnings = append(res.Warnings, "total row count unavailable")
		return
	}
	for _, v := range qr.Rows[0] {
		if total, ok := asInt(v); ok {
			res.TotalRows = total
			res.Truncated = total > res.RowCount
			return
		}
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case int32:
		return int(t), true
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// aggregateAliases returns aggregate output column names in the compiler's
// deterministic order.
func aggregateAliases(aggs map[string][]queryspec.AggFunc) []string {
	cols := make([]string, 0, len(aggs))
	for col := range aggs {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var aliases []string
	for _, col := range cols {
		for _, fn := range aggs[col] {
			aliases = append(aliases, compiler.AggAlias(fn, col))
		}
	}
	return aliases
}

// record appends a history entry for every execution, success or failure.
func (s *analyticsService) record(dataSourceID uuid.UUID, kind history.Kind, stmt *compiler.CompiledStatement, question string, res *results.ExecutionResult, start time.Time, err error) {
	rec := history.Record{
		DataSourceID: dataSourceID,
		Kind:         kind,
		Question:     question,
		DurationMs:   time.Since(start).Milliseconds(),
		Outcome:      history.OutcomeSuccess,
	}
	if stmt != nil {
		rec.SQL = stmt.SQL
		rec.Digest = stmt.Digest()
	}
	if res != nil {
		rec.RowCount = res.RowCount
	}
	if err != nil {
		rec.Outcome = history.OutcomeError
		rec.ErrorKind = string(apperrors.KindOf(err))
	}
	s.history.Append(rec)
}
