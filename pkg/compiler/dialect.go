// Package compiler turns a QuerySpec into a parameterized SQL statement for
// a target dialect. Compilation is pure and deterministic: the same spec and
// schema always produce byte-identical SQL and parameter ordering, and
// user-supplied values never appear in the SQL text.
package compiler

import (
	"fmt"
	"strings"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
)

// Dialect tags the SQL rendering variant of a data source.
type Dialect string

const (
	DialectPostgres  Dialect = "postgres"
	DialectMySQL     Dialect = "mysql"
	DialectSQLServer Dialect = "sqlserver"
	// DialectFile is the rendering variant for file-backed tabular sources,
	// which are materialized into an embedded DuckDB database at upload.
	DialectFile Dialect = "file"
)

// Renderer isolates every dialect difference behind a fixed capability set.
// Adding a dialect means adding one Renderer implementation; the compiler's
// control flow never branches on the dialect tag.
type Renderer interface {
	// Dialect returns the tag this renderer serves.
	Dialect() Dialect

	// QuoteIdent quotes one identifier, doubling embedded quote characters.
	QuoteIdent(name string) string

	// Placeholder renders the 1-based n-th bound parameter.
	Placeholder(n int) string

	// LimitOffset renders the paging clause for an already-capped limit.
	// offset is zero or positive.
	LimitOffset(limit, offset int) string

	// NormalizeZone validates an IANA zone name and converts it to the
	// form the dialect's zone-conversion expression accepts. tz is never
	// empty; UTC is passed explicitly.
	NormalizeZone(tz string) (string, error)

	// DateTrunc renders the calendar-truncation expression over a column,
	// converting from UTC storage into tz before truncating. tz has
	// already passed NormalizeZone.
	DateTrunc(interval queryspec.Interval, column string, tz string) string

	// WrapBounded wraps an arbitrary SELECT so it can never return more
	// than limit rows. Used by the raw-SQL executor path.
	WrapBounded(sql string, limit int) string
}

// RendererFor returns the renderer for a dialect tag.
func RendererFor(d Dialect) (Renderer, error) {
	switch d {
	case DialectPostgres:
		return postgresRenderer{}, nil
	case DialectMySQL:
		return mysqlRenderer{}, nil
	case DialectSQLServer:
		return sqlserverRenderer{}, nil
	case DialectFile:
		return duckdbRenderer{}, nil
	default:
		return nil, apperrors.Validation("unsupported dialect %q", d)
	}
}

// quoteWith doubles the quote character inside name and wraps it.
func quoteWith(name string, q byte) string {
	escaped := strings.ReplaceAll(name, string(q), string(q)+string(q))
	return string(q) + escaped + string(q)
}

type postgresRenderer struct{}

func (postgresRenderer) Dialect() Dialect            { return DialectPostgres }
func (postgresRenderer) QuoteIdent(name string) string { return quoteWith(name, '"') }
func (postgresRenderer) Placeholder(n int) string    { return fmt.Sprintf("$%d", n) }

func (postgresRenderer) LimitOffset(limit, offset int) string {
	if offset > 0 {
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

func (postgresRenderer) NormalizeZone(tz string) (string, error) { return tz, nil }

func (r postgresRenderer) DateTrunc(interval queryspec.Interval, column, tz string) string {
	expr := column
	if tz != "UTC" {
		expr = fmt.Sprintf("(%s AT TIME ZONE 'UTC' AT TIME ZONE '%s')", column, tz)
	}
	return fmt.Sprintf("date_trunc('%s', %s)", interval, expr)
}

func (postgresRenderer) WrapBounded(sql string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _bounded LIMIT %d", sql, limit)
}

// duckdbRenderer serves file-backed sources. DuckDB follows Postgres syntax
// for everything the compiler emits except parameter placeholders.
type duckdbRenderer struct{}

func (duckdbRenderer) Dialect() Dialect              { return DialectFile }
func (duckdbRenderer) QuoteIdent(name string) string { return quoteWith(name, '"') }
func (duckdbRenderer) Placeholder(int) string        { return "?" }

func (duckdbRenderer) LimitOffset(limit, offset int) string {
	return postgresRenderer{}.LimitOffset(limit, offset)
}

func (duckdbRenderer) NormalizeZone(tz string) (string, error) { return tz, nil }

func (duckdbRenderer) DateTrunc(interval queryspec.Interval, column, tz string) string {
	expr := column
	if tz != "UTC" {
		expr = fmt.Sprintf("timezone('%s', %s)", tz, column)
	}
	return fmt.Sprintf("date_trunc('%s', %s)", interval, expr)
}

func (duckdbRenderer) WrapBounded(sql string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _bounded LIMIT %d", sql, limit)
}

type mysqlRenderer struct{}

func (mysqlRenderer) Dialect() Dialect              { return DialectMySQL }
func (mysqlRenderer) QuoteIdent(name string) string { return quoteWith(name, '`') }
func (mysqlRenderer) Placeholder(int) string        { return "?" }

func (mysqlRenderer) LimitOffset(limit, offset int) string {
	if offset > 0 {
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

func (mysqlRenderer) NormalizeZone(tz string) (string, error) { return tz, nil }

// DateTrunc has no MySQL primitive; each interval maps to an expression that
// yields the bucket's starting instant.
func (mysqlRenderer) DateTrunc(interval queryspec.Interval, column, tz string) string {
	expr := column
	if tz != "UTC" {
		expr = fmt.Sprintf("CONVERT_TZ(%s, 'UTC', '%s')", column, tz)
	}
	switch interval {
	case queryspec.IntervalHour:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d %%H:00:00')", expr)
	case queryspec.IntervalDay:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d')", expr)
	case queryspec.IntervalWeek:
		// Monday-based week start.
		return fmt.Sprintf("DATE_SUB(DATE(%s), INTERVAL WEEKDAY(%s) DAY)", expr, expr)
	case queryspec.IntervalMonth:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-01')", expr)
	case queryspec.IntervalQuarter:
		return fmt.Sprintf("MAKEDATE(YEAR(%s), 1) + INTERVAL (QUARTER(%s) - 1) QUARTER", expr, expr)
	case queryspec.IntervalYear:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-01-01')", expr)
	default:
		return fmt.Sprintf("DATE_FORMAT(%s, '%%Y-%%m-%%d')", expr)
	}
}

func (mysqlRenderer) WrapBounded(sql string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _bounded LIMIT %d", sql, limit)
}

type sqlserverRenderer struct{}

func (sqlserverRenderer) Dialect() Dialect { return DialectSQLServer }

func (sqlserverRenderer) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (sqlserverRenderer) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

// LimitOffset uses OFFSET/FETCH, which SQL Server only accepts after an
// ORDER BY; the compiler guarantees one is present for this dialect.
func (sqlserverRenderer) LimitOffset(limit, offset int) string {
	return fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

// windowsZones maps the IANA names the API accepts to the Windows time zone
// names AT TIME ZONE understands. SQL Server has no IANA zone support, so a
// zone outside this table cannot be rendered for this dialect.
var windowsZones = map[string]string{
	"UTC":                 "UTC",
	"America/New_York":    "Eastern Standard Time",
	"America/Chicago":     "Central Standard Time",
	"America/Denver":      "Mountain Standard Time",
	"America/Phoenix":     "US Mountain Standard Time",
	"America/Los_Angeles": "Pacific Standard Time",
	"America/Anchorage":   "Alaskan Standard Time",
	"America/Toronto":     "Eastern Standard Time",
	"America/Mexico_City": "Central Standard Time (Mexico)",
	"America/Sao_Paulo":   "E. South America Standard Time",
	"Europe/London":       "GMT Standard Time",
	"Europe/Dublin":       "GMT Standard Time",
	"Europe/Paris":        "Romance Standard Time",
	"Europe/Madrid":       "Romance Standard Time",
	"Europe/Berlin":       "W. Europe Standard Time",
	"Europe/Amsterdam":    "W. Europe Standard Time",
	"Europe/Rome":         "W. Europe Standard Time",
	"Europe/Stockholm":    "W. Europe Standard Time",
	"Europe/Warsaw":       "Central European Standard Time",
	"Europe/Moscow":       "Russian Standard Time",
	"Asia/Jerusalem":      "Israel Standard Time",
	"Asia/Dubai":          "Arabian Standard Time",
	"Asia/Kolkata":        "India Standard Time",
	"Asia/Singapore":      "Singapore Standard Time",
	"Asia/Hong_Kong":      "China Standard Time",
	"Asia/Shanghai":       "China Standard Time",
	"Asia/Tokyo":          "Tokyo Standard Time",
	"Asia/Seoul":          "Korea Standard Time",
	"Australia/Sydney":    "AUS Eastern Standard Time",
	"Australia/Perth":     "W. Australia Standard Time",
	"Pacific/Auckland":    "New Zealand Standard Time",
}

func (sqlserverRenderer) NormalizeZone(tz string) (string, error) {
	if win, ok := windowsZones[tz]; ok {
		return win, nil
	}
	return "", apperrors.Validation(
		"timezone %q has no SQL Server zone mapping; use UTC or a mapped zone", tz)
}

func (sqlserverRenderer) DateTrunc(interval queryspec.Interval, column, tz string) string {
	expr := column
	if tz != "UTC" {
		expr = fmt.Sprintf("(%s AT TIME ZONE 'UTC' AT TIME ZONE '%s')", column, tz)
	}
	return fmt.Sprintf("DATETRUNC(%s, %s)", interval, expr)
}

func (sqlserverRenderer) WrapBounded(sql string, limit int) string {
	return fmt.Sprintf("SELECT TOP (%d) * FROM (%s) AS _bounded", limit, sql)
}
