// Package queryspec defines the declarative, dialect-agnostic description of
// an analytics query. A QuerySpec is what the API accepts directly and what
// the natural-language translator produces; the compiler turns it into a
// parameterized statement.
package queryspec

import (
	"time"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
)

// Operator is a whitelisted filter comparison. Anything outside this set is
// rejected at validation time, before compilation.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpLike      Operator = "like"
	OpBetween   Operator = "between"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

var operators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNotIn: true, OpLike: true, OpBetween: true,
	OpIsNull: true, OpIsNotNull: true,
}

// Valid reports whether the operator is whitelisted.
func (o Operator) Valid() bool { return operators[o] }

// AggFunc is a supported aggregate function.
type AggFunc string

const (
	AggSum           AggFunc = "sum"
	AggAvg           AggFunc = "avg"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
)

var aggFuncs = map[AggFunc]bool{
	AggSum: true, AggAvg: true, AggMin: true, AggMax: true,
	AggCount: true, AggCountDistinct: true,
}

// Valid reports whether the aggregate function is supported.
func (f AggFunc) Valid() bool { return aggFuncs[f] }

// RequiresNumeric reports whether the function only applies to numeric
// columns. Violations are compile-time errors, never runtime SQL errors.
func (f AggFunc) RequiresNumeric() bool { return f == AggSum || f == AggAvg }

// Interval is a calendar bucketing granularity for time-series requests.
type Interval string

const (
	IntervalHour    Interval = "hour"
	IntervalDay     Interval = "day"
	IntervalWeek    Interval = "week"
	IntervalMonth   Interval = "month"
	IntervalQuarter Interval = "quarter"
	IntervalYear    Interval = "year"
)

var intervals = map[Interval]bool{
	IntervalHour: true, IntervalDay: true, IntervalWeek: true,
	IntervalMonth: true, IntervalQuarter: true, IntervalYear: true,
}

// Valid reports whether the interval is supported.
func (i Interval) Valid() bool { return intervals[i] }

// Filter is one WHERE predicate. Value is never interpolated into SQL; it
// travels as a bound parameter (two for between, one per element for in).
type Filter struct {
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Sort orders results by one column.
type Sort struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

// QuerySpec is the declarative query description.
type QuerySpec struct {
	Table        string               `json:"table_name"`
	Columns      []string             `json:"columns,omitempty"`
	Filters      []Filter             `json:"filters,omitempty"`
	GroupBy      []string             `json:"group_by,omitempty"`
	Aggregations map[string][]AggFunc `json:"aggregations,omitempty"`
	SortBy       []Sort               `json:"sort_by,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// TimeSeriesSpec extends QuerySpec with calendar bucketing.
type TimeSeriesSpec struct {
	QuerySpec
	TimeColumn string    `json:"time_column"`
	Interval   Interval  `json:"interval"`
	Timezone   string    `json:"timezone,omitempty"` // IANA name, default UTC
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// HasAggregation reports whether the spec requests grouped or aggregate
// output, which changes how total_rows is computed.
func (s *QuerySpec) HasAggregation() bool {
	return len(s.GroupBy) > 0 || len(s.Aggregations) > 0
}

// Validate checks structural rules that do not need schema knowledge:
// operator and aggregate membership, offset sign, table presence. Schema
// checks (column existence, aggregate typing) happen at compile time.
func (s *QuerySpec) Validate() error {
	if s.Table == "" {
		return apperrors.Validation("table_name is required")
	}
	if s.Offset < 0 {
		return apperrors.Validation("offset must not be negative, got %d", s.Offset)
	}
	for _, f := range s.Filters {
		if f.Column == "" {
			return apperrors.Validation("filter column is required")
		}
		if !f.Operator.Valid() {
			return apperrors.Validation("unsupported filter operator %q on column %q", f.Operator, f.Column)
		}
	}
	for col, funcs := range s.Aggregations {
		if len(funcs) == 0 {
			return apperrors.Validation("aggregation on column %q names no functions", col)
		}
		for _, fn := range funcs {
			if !fn.Valid() {
				return apperrors.Validation("unsupported aggregate function %q on column %q", fn, col)
			}
		}
	}
	for _, srt := range s.SortBy {
		if srt.Column == "" {
			return apperrors.Validation("sort column is required")
		}
	}
	return nil
}

// Validate additionally checks the time-series fields.
func (s *TimeSeriesSpec) Validate() error {
	if err := s.QuerySpec.Validate(); err != nil {
		return err
	}
	if s.TimeColumn == "" {
		return apperrors.Validation("time_column is required")
	}
	if !s.Interval.Valid() {
		return apperrors.Validation("unsupported interval %q", s.Interval)
	}
	if !s.End.IsZero() && !s.Start.IsZero() && s.End.Before(s.Start) {
		return apperrors.Validation("time range end precedes start")
	}
	return nil
}
