package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/schema"
)

// CompiledStatement is an immutable pair of templated SQL and ordered bound
// parameter values. It is never built by interpolating user values.
type CompiledStatement struct {
	SQL  string
	Args []any

	// CountSQL, when non-empty, counts rows matching the filters pre-limit
	// with the same Args. Only produced for non-aggregate specs, where the
	// count is cheaply computable.
	CountSQL string
}

// Digest returns a stable fingerprint of the SQL text for history records.
func (c *CompiledStatement) Digest() string {
	sum := sha256.Sum256([]byte(c.SQL))
	return hex.EncodeToString(sum[:])
}

// Compiler compiles query specs against a row cap. It holds no per-request
// state; Compile is safe for concurrent use.
type Compiler struct {
	maxRows int
}

// New creates a compiler with the hard row cap applied to every statement.
func New(maxRows int) *Compiler {
	return &Compiler{maxRows: maxRows}
}

// MaxRows returns the configured cap.
func (c *Compiler) MaxRows() int { return c.maxRows }

// EffectiveLimit clamps a requested limit to the row cap. Absent (zero or
// negative) limits get the full cap.
func (c *Compiler) EffectiveLimit(requested int) int {
	if requested <= 0 || requested > c.maxRows {
		return c.maxRows
	}
	return requested
}

// Compile renders spec into a parameterized statement for the renderer's
// dialect. Every column reference is validated against ts first; unknown
// columns, non-whitelisted operators, and aggregate/type mismatches fail
// here with ValidationError, before any SQL reaches a connection.
func (c *Compiler) Compile(spec *queryspec.QuerySpec, ts *schema.TableSchema, r Renderer) (*CompiledStatement, error) {
	return c.compile(spec, nil, ts, r)
}

// CompileTimeSeries renders a time-series spec: the bucket expression is the
// dialect's date-truncation of the time column, selected and grouped as
// "bucket" ahead of any other group-by columns.
func (c *Compiler) CompileTimeSeries(spec *queryspec.TimeSeriesSpec, ts *schema.TableSchema, r Renderer) (*CompiledStatement, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	colType, ok := ts.ColumnType(spec.TimeColumn)
	if !ok {
		return nil, apperrors.Validation("unknown time column %q in table %q", spec.TimeColumn, ts.Table)
	}
	if !colType.IsTemporal() {
		return nil, apperrors.Validation("time column %q has non-temporal type %s", spec.TimeColumn, colType)
	}

	tz, err := r.NormalizeZone(timezoneOrUTC(spec.Timezone))
	if err != nil {
		return nil, err
	}

	return c.compile(&spec.QuerySpec, &bucketClause{
		column:   spec.TimeColumn,
		interval: spec.Interval,
		timezone: tz,
	}, ts, r)
}

type bucketClause struct {
	column   string
	interval queryspec.Interval
	timezone string
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

// BucketColumn is the alias of the time-series bucket expression in
// compiled output.
const BucketColumn = "bucket"

func (c *Compiler) compile(spec *queryspec.QuerySpec, bucket *bucketClause, ts *schema.TableSchema, r Renderer) (*CompiledStatement, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := validateColumnRefs(spec, ts); err != nil {
		return nil, err
	}
	if err := validateAggregates(spec, ts); err != nil {
		return nil, err
	}

	var b strings.Builder
	var args []any

	selectList, err := buildSelectList(spec, bucket, r)
	if err != nil {
		return nil, err
	}

	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectList, ", "))
	b.WriteString(" FROM ")
	b.WriteString(r.QuoteIdent(spec.Table))

	whereSQL, whereArgs, err := renderFilters(spec.Filters, r, 1)
	if err != nil {
		return nil, err
	}
	if whereSQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}

	groupCols := groupByList(spec, bucket, r)
	if len(groupCols) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groupCols, ", "))
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(orderByList(spec, bucket, r))

	limit := c.EffectiveLimit(spec.Limit)
	b.WriteString(" ")
	b.WriteString(r.LimitOffset(limit, spec.Offset))

	stmt := &CompiledStatement{SQL: b.String(), Args: args}

	if !spec.HasAggregation() && bucket == nil {
		count := "SELECT COUNT(*) FROM " + r.QuoteIdent(spec.Table)
		if whereSQL != "" {
			count += " WHERE " + whereSQL
		}
		stmt.CountSQL = count
	}

	return stmt, nil
}

// sortedAggColumns returns aggregation map keys in lexical order so that
// identical specs always compile to identical SQL.
func sortedAggColumns(aggs map[string][]queryspec.AggFunc) []string {
	cols := make([]string, 0, len(aggs))
	for col := range aggs {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// AggAlias names an aggregate output column, e.g. sum_amount.
func AggAlias(fn queryspec.AggFunc, column string) string {
	return string(fn) + "_" + column
}

func buildSelectList(spec *queryspec.QuerySpec, bucket *bucketClause, r Renderer) ([]string, error) {
	var list []string

	if bucket != nil {
		expr := r.DateTrunc(bucket.interval, r.QuoteIdent(bucket.column), bucket.timezone)
		list = append(list, expr+" AS "+r.QuoteIdent(BucketColumn))
	}

	for _, col := range spec.GroupBy {
		list = append(list, r.QuoteIdent(col))
	}

	for _, col := range sortedAggColumns(spec.Aggregations) {
		for _, fn := range spec.Aggregations[col] {
			list = append(list, renderAggregate(fn, col, r))
		}
	}

	if len(list) > 0 {
		return list, nil
	}

	// Plain row selection: explicit columns or all of them.
	if len(spec.Columns) > 0 {
		for _, col := range spec.Columns {
			list = append(list, r.QuoteIdent(col))
		}
		return list, nil
	}
	return []string{"*"}, nil
}

func renderAggregate(fn queryspec.AggFunc, col string, r Renderer) string {
	quoted := r.QuoteIdent(col)
	alias := r.QuoteIdent(AggAlias(fn, col))
	if fn == queryspec.AggCountDistinct {
		return fmt.Sprintf("COUNT(DISTINCT %s) AS %s", quoted, alias)
	}
	return fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(fn)), quoted, alias)
}

func groupByList(spec *queryspec.QuerySpec, bucket *bucketClause, r Renderer) []string {
	var cols []string
	if bucket != nil {
		cols = append(cols, r.DateTrunc(bucket.interval, r.QuoteIdent(bucket.column), bucket.timezone))
	}
	for _, col := range spec.GroupBy {
		cols = append(cols, r.QuoteIdent(col))
	}
	// An aggregation without group-by collapses to a single row; no GROUP BY.
	if bucket == nil && len(spec.GroupBy) == 0 {
		return nil
	}
	return cols
}

// orderByList renders explicit sorts, or a deterministic fallback on the
// first output column. The fallback keeps paging stable on every dialect
// (SQL Server's OFFSET/FETCH additionally requires an ORDER BY).
func orderByList(spec *queryspec.QuerySpec, bucket *bucketClause, r Renderer) string {
	if len(spec.SortBy) > 0 {
		parts := make([]string, len(spec.SortBy))
		for i, s := range spec.SortBy {
			dir := "DESC"
			if s.Ascending {
				dir = "ASC"
			}
			parts[i] = r.QuoteIdent(s.Column) + " " + dir
		}
		return strings.Join(parts, ", ")
	}
	if bucket != nil {
		return r.QuoteIdent(BucketColumn) + " ASC"
	}
	return "1 ASC"
}

// renderFilters renders WHERE predicates joined with AND. Placeholders are
// numbered from firstParam; args are appended in filter declaration order.
func renderFilters(filters []queryspec.Filter, r Renderer, firstParam int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var conds []string
	var args []any
	n := firstParam

	for _, f := range filters {
		quoted := r.QuoteIdent(f.Column)
		switch f.Operator {
		case queryspec.OpEq, queryspec.OpNeq, queryspec.OpGt, queryspec.OpGte,
			queryspec.OpLt, queryspec.OpLte, queryspec.OpLike:
			conds = append(conds, fmt.Sprintf("%s %s %s", quoted, comparison(f.Operator), r.Placeholder(n)))
			args = append(args, f.Value)
			n++

		case queryspec.OpIn, queryspec.OpNotIn:
			values, ok := asSlice(f.Value)
			if !ok || len(values) == 0 {
				return "", nil, apperrors.Validation("operator %s on column %q requires a non-empty list", f.Operator, f.Column)
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = r.Placeholder(n)
				args = append(args, v)
				n++
			}
			neg := ""
			if f.Operator == queryspec.OpNotIn {
				neg = "NOT "
			}
			conds = append(conds, fmt.Sprintf("%s %sIN (%s)", quoted, neg, strings.Join(placeholders, ", ")))

		case queryspec.OpBetween:
			values, ok := asSlice(f.Value)
			if !ok || len(values) != 2 {
				return "", nil, apperrors.Validation("operator between on column %q requires exactly two values", f.Column)
			}
			conds = append(conds, fmt.Sprintf("%s BETWEEN %s AND %s", quoted, r.Placeholder(n), r.Placeholder(n+1)))
			args = append(args, values[0], values[1])
			n += 2

		case queryspec.OpIsNull:
			conds = append(conds, quoted+" IS NULL")
		case queryspec.OpIsNotNull:
			conds = append(conds, quoted+" IS NOT NULL")

		default:
			return "", nil, apperrors.Validation("unsupported filter operator %q on column %q", f.Operator, f.Column)
		}
	}

	return strings.Join(conds, " AND "), args, nil
}

func comparison(op queryspec.Operator) string {
	switch op {
	case queryspec.OpEq:
		return "="
	case queryspec.OpNeq:
		return "<>"
	case queryspec.OpGt:
		return ">"
	case queryspec.OpGte:
		return ">="
	case queryspec.OpLt:
		return "<"
	case queryspec.OpLte:
		return "<="
	case queryspec.OpLike:
		return "LIKE"
	default:
		return "="
	}
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func validateColumnRefs(spec *queryspec.QuerySpec, ts *schema.TableSchema) error {
	for _, col := range spec.Columns {
		if !ts.HasColumn(col) {
			return unknownColumn(col, ts)
		}
	}
	for _, f := range spec.Filters {
		if !ts.HasColumn(f.Column) {
			return unknownColumn(f.Column, ts)
		}
	}
	for _, col := range spec.GroupBy {
		if !ts.HasColumn(col) {
			return unknownColumn(col, ts)
		}
	}
	for col := range spec.Aggregations {
		if !ts.HasColumn(col) {
			return unknownColumn(col, ts)
		}
	}
	for _, s := range spec.SortBy {
		if ts.HasColumn(s.Column) {
			continue
		}
		// Sorting by an aggregate alias is allowed.
		if isAggAlias(s.Column, spec.Aggregations) {
			continue
		}
		return unknownColumn(s.Column, ts)
	}
	return nil
}

func isAggAlias(name string, aggs map[string][]queryspec.AggFunc) bool {
	for col, funcs := range aggs {
		for _, fn := range funcs {
			if name == AggAlias(fn, col) {
				return true
			}
		}
	}
	return false
}

func unknownColumn(col string, ts *schema.TableSchema) error {
	return apperrors.Validation("unknown column %q in table %q", col, ts.Table)
}

// validateAggregates type-checks aggregate functions against introspected
// column types: sum/avg require numeric columns.
func validateAggregates(spec *queryspec.QuerySpec, ts *schema.TableSchema) error {
	for _, col := range sortedAggColumns(spec.Aggregations) {
		colType, _ := ts.ColumnType(col)
		for _, fn := range spec.Aggregations[col] {
			if fn.RequiresNumeric() && !colType.IsNumeric() {
				return apperrors.Validation("aggregate %s requires a numeric column, but %q has type %s", fn, col, colType)
			}
		}
	}
	return nil
}
