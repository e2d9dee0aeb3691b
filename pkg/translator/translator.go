// Package translator turns natural-language questions into query specs via
// an external completion model. The model proposes; everything it returns
// is re-validated against the introspected schema before compilation, so a
// hallucinated column becomes a clarification request, not a SQL error.
package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/config"
	"github.com/intellibi/analytics-engine/pkg/jsonutil"
	"github.com/intellibi/analytics-engine/pkg/llm"
	"github.com/intellibi/analytics-engine/pkg/prompts"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/results"
	"github.com/intellibi/analytics-engine/pkg/retry"
	"github.com/intellibi/analytics-engine/pkg/schema"
	"github.com/intellibi/analytics-engine/pkg/session"
)

// maxSchemaTables caps how many table descriptions go into the prompt.
const maxSchemaTables = 25

// Result is a completed translation: either a validated spec or a
// clarification request, never both.
type Result struct {
	Spec          *queryspec.QuerySpec
	TimeSeries    *queryspec.TimeSeriesSpec
	Clarification string
	SpecJSON      string
	Model         string
	Entities      session.Entities
}

// NeedsClarification reports whether the model asked the user a question
// instead of producing a spec.
func (r *Result) NeedsClarification() bool {
	return r.Clarification != ""
}

// Translator drives the translation pipeline. Stateless between calls;
// conversation context comes in from the session store.
type Translator struct {
	client       llm.Client
	introspector *schema.Introspector
	temperature  float64
	maxRetries   int
	timeout      time.Duration
	logger       *zap.Logger
}

// New creates a translator on the given model client.
func New(client llm.Client, introspector *schema.Introspector, cfg config.ModelConfig, logger *zap.Logger) *Translator {
	return &Translator{
		client:       client,
		introspector: introspector,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		timeout:      cfg.ModelTimeout(),
		logger:       logger.Named("translator"),
	}
}

// Translate resolves schema, prompts the model, and validates its answer.
// Ambiguity at any stage surfaces as a Result with a clarification or an
// AmbiguousQuery error; a question is never silently coerced into a guess.
func (t *Translator) Translate(ctx context.Context, dataSourceID uuid.UUID, entities session.Entities, turns []session.Turn, question string) (*Result, error) {
	tables, err := t.resolveSchema(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("schema resolved",
		zap.String("datasource_id", dataSourceID.String()),
		zap.Int("tables", len(tables)))

	prompt := prompts.BuildQuerySpecPrompt(tables, prompts.Entities{
		Table:      entities.Table,
		TimeColumn: entities.TimeColumn,
		Start:      entities.Start,
		End:        entities.End,
	}, promptTurns(turns), question)

	completion, err := t.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("model answered",
		zap.String("model", t.client.Model()),
		zap.Int("completion_tokens", completion.CompletionTokens))

	wire, err := llm.ParseJSONResponse[wireResponse](completion.Content)
	if err != nil {
		return nil, apperrors.Ambiguous(
			"Could you rephrase the question?",
			"model response was not parseable: %v", err)
	}

	if wire.Clarification != "" {
		return &Result{Clarification: wire.Clarification, Model: t.client.Model()}, nil
	}
	if wire.Query == nil {
		return nil, apperrors.Ambiguous(
			"Could you rephrase the question?",
			"model returned neither a query nor a clarification")
	}

	return t.validate(ctx, dataSourceID, wire.Query, entities)
}

// Summarize narrates a result in one or two sentences. Best effort: the
// caller treats an error as "no summary", never as a failed request.
func (t *Translator) Summarize(ctx context.Context, question string, res *results.ExecutionResult) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	completion, err := t.client.Complete(callCtx, llm.CompletionRequest{
		System:      prompts.SummarySystemPrompt,
		Prompt:      prompts.BuildSummaryPrompt(question, res.Columns, res.Rows, res.RowCount),
		Temperature: t.temperature,
	})
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

func (t *Translator) resolveSchema(ctx context.Context, dataSourceID uuid.UUID) ([]*schema.TableSchema, error) {
	names, err := t.introspector.Tables(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, apperrors.Validation("data source %s has no tables", dataSourceID)
	}
	if len(names) > maxSchemaTables {
		names = names[:maxSchemaTables]
	}

	tables := make([]*schema.TableSchema, 0, len(names))
	for _, name := range names {
		ts, err := t.introspector.Describe(ctx, dataSourceID, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, ts)
	}
	return tables, nil
}

func (t *Translator) complete(ctx context.Context, prompt string) (*llm.Completion, error) {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = t.maxRetries

	return retry.DoWithResult(ctx, cfg, func() (*llm.Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		return t.client.Complete(callCtx, llm.CompletionRequest{
			System:      prompts.TranslatorSystemPrompt,
			Prompt:      prompt,
			Temperature: t.temperature,
		})
	})
}

func promptTurns(turns []session.Turn) []prompts.ConversationTurn {
	out := make([]prompts.ConversationTurn, len(turns))
	for i, turn := range turns {
		out[i] = prompts.ConversationTurn{Question: turn.Question, SpecJSON: turn.SpecJSON}
	}
	return out
}

// wireResponse is the model's answer shape. Tolerant field types absorb the
// usual model sloppiness (numbers where strings belong).
type wireResponse struct {
	Query         *wireSpec `json:"query"`
	Clarification string    `json:"clarification"`
}

type wireSpec struct {
	TableName    string              `json:"table_name"`
	Columns      []string            `json:"columns"`
	Filters      []wireFilter        `json:"filters"`
	GroupBy      []string            `json:"group_by"`
	Aggregations map[string][]string `json:"aggregations"`
	SortBy       []wireSort          `json:"sort_by"`
	Limit        json.RawMessage     `json:"limit"`
	TimeColumn   string              `json:"time_column"`
	Interval     string              `json:"interval"`
	Timezone     string              `json:"timezone"`
	Start        json.RawMessage     `json:"start"`
	End          json.RawMessage     `json:"end"`
}

type wireFilter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type wireSort struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// validate turns the wire spec into a validated QuerySpec. Every failure
// becomes AmbiguousQuery with a clarification the caller can return to the
// user; the model's guess never reaches the compiler unchecked.
func (t *Translator) validate(ctx context.Context, dataSourceID uuid.UUID, wire *wireSpec, entities session.Entities) (*Result, error) {
	table := wire.TableName
	if table == "" {
		table = entities.Table
	}
	if table == "" {
		return nil, apperrors.Ambiguous(
			"Which table should I query?",
			"model omitted the table and no context carries one")
	}

	ts, err := t.introspector.Describe(ctx, dataSourceID, table)
	if err != nil {
		return nil, apperrors.Ambiguous(
			fmt.Sprintf("I could not find a table named %q. Which table did you mean?", table),
			"model referenced unknown table %q", table)
	}

	spec := &queryspec.QuerySpec{
		Table:   table,
		Columns: wire.Columns,
		GroupBy: wire.GroupBy,
		Limit:   jsonutil.FlexibleIntValue(wire.Limit),
	}
	for _, f := range wire.Filters {
		spec.Filters = append(spec.Filters, queryspec.Filter{
			Column:   f.Column,
			Operator: queryspec.Operator(f.Operator),
			Value:    f.Value,
		})
	}
	if len(wire.Aggregations) > 0 {
		spec.Aggregations = make(map[string][]queryspec.AggFunc, len(wire.Aggregations))
		for col, fns := range wire.Aggregations {
			for _, fn := range fns {
				spec.Aggregations[col] = append(spec.Aggregations[col], queryspec.AggFunc(fn))
			}
		}
	}
	for _, s := range wire.SortBy {
		spec.SortBy = append(spec.SortBy, queryspec.Sort{Column: s.Column, Ascending: s.Ascending})
	}

	if err := spec.Validate(); err != nil {
		return nil, apperrors.Ambiguous(
			"Could you rephrase the question?",
			"model spec failed validation: %v", err)
	}
	if col, ok := unknownColumn(spec, ts); ok {
		return nil, apperrors.Ambiguous(
			fmt.Sprintf("Table %q has no column %q. Which column did you mean?", table, col),
			"model referenced unknown column %q", col)
	}

	result := &Result{
		Spec:  spec,
		Model: t.client.Model(),
		Entities: session.Entities{
			Table: table,
		},
	}

	if wire.Interval != "" {
		tsSpec, err := t.buildTimeSeries(spec, wire, ts, entities)
		if err != nil {
			return nil, err
		}
		result.TimeSeries = tsSpec
		result.Entities.TimeColumn = tsSpec.TimeColumn
		result.Entities.Start = tsSpec.Start.Format(time.RFC3339)
		result.Entities.End = tsSpec.End.Format(time.RFC3339)
	}

	specJSON, err := json.Marshal(wire)
	if err == nil {
		result.SpecJSON = string(specJSON)
	}
	return result, nil
}

func (t *Translator) buildTimeSeries(spec *queryspec.QuerySpec, wire *wireSpec, ts *schema.TableSchema, entities session.Entities) (*queryspec.TimeSeriesSpec, error) {
	timeColumn := wire.TimeColumn
	if timeColumn == "" {
		timeColumn = entities.TimeColumn
	}
	if timeColumn == "" {
		return nil, apperrors.Ambiguous(
			"Which timestamp column should the trend use?",
			"model requested a time series without a time column")
	}
	colType, ok := ts.ColumnType(timeColumn)
	if !ok || !colType.IsTemporal() {
		return nil, apperrors.Ambiguous(
			fmt.Sprintf("Column %q is not a timestamp. Which time column should I use?", timeColumn),
			"model chose non-temporal time column %q", timeColumn)
	}

	start, err := parseWireTime(wire.Start, entities.Start)
	if err != nil {
		return nil, apperrors.Ambiguous(
			"What time range should the trend cover?",
			"unparseable start time: %v", err)
	}
	end, err := parseWireTime(wire.End, entities.End)
	if err != nil {
		return nil, apperrors.Ambiguous(
			"What time range should the trend cover?",
			"unparseable end time: %v", err)
	}
	if start.IsZero() || end.IsZero() {
		return nil, apperrors.Ambiguous(
			"What time range should the trend cover?",
			"model omitted the time range and no context carries one")
	}

	return &queryspec.TimeSeriesSpec{
		QuerySpec:  *spec,
		TimeColumn: timeColumn,
		Interval:   queryspec.Interval(wire.Interval),
		Timezone:   wire.Timezone,
		Start:      start,
		End:        end,
	}, nil
}

func unknownColumn(spec *queryspec.QuerySpec, ts *schema.TableSchema) (string, bool) {
	for _, col := range spec.Columns {
		if !ts.HasColumn(col) {
			return col, true
		}
	}
	for _, f := range spec.Filters {
		if !ts.HasColumn(f.Column) {
			return f.Column, true
		}
	}
	for _, col := range spec.GroupBy {
		if !ts.HasColumn(col) {
			return col, true
		}
	}
	for col := range spec.Aggregations {
		if !ts.HasColumn(col) {
			return col, true
		}
	}
	for _, s := range spec.SortBy {
		if ts.HasColumn(s.Column) || isAggAlias(s.Column, spec.Aggregations) {
			continue
		}
		return s.Column, true
	}
	return "", false
}

// isAggAlias reports whether name is the output alias of one of the spec's
// aggregations, which the compiler accepts as a sort key.
func isAggAlias(name string, aggs map[string][]queryspec.AggFunc) bool {
	for col, funcs := range aggs {
		for _, fn := range funcs {
			if name == compiler.AggAlias(fn, col) {
				return true
			}
		}
	}
	return false
}

// parseWireTime reads a model-supplied timestamp, falling back to the
// carried session value when the model omitted it.
func parseWireTime(raw json.RawMessage, carried string) (time.Time, error) {
	s := jsonutil.FlexibleStringValue(raw)
	if s == "" {
		s = carried
	}
	if s == "" {
		return time.Time{}, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
