// Package guardrail validates raw SQL before it is allowed near a
// connection. Checks are static: a statement that passes here still runs
// with a timeout and a row cap downstream.
package guardrail

import (
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
	"github.com/intellibi/analytics-engine/pkg/queryspec"
)

// allowedLeadingKeywords are the only verbs a raw statement may start with.
var allowedLeadingKeywords = []string{"select", "with"}

// ValidateRaw normalizes a raw statement and rejects anything that is not a
// single read-only query. It returns the normalized SQL (trailing semicolon
// and surrounding whitespace stripped) or a GuardrailError. Rejection
// happens before execution; nothing is sent to the data source first.
func ValidateRaw(sqlText string) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(sqlText))
	if normalized == "" {
		return "", apperrors.Guardrail("empty statement")
	}

	if hasSemicolonOutsideStrings(normalized) {
		return "", apperrors.Guardrail("multiple statements are not allowed")
	}

	keyword := leadingKeyword(normalized)
	for _, allowed := range allowedLeadingKeywords {
		if keyword == allowed {
			return normalized, nil
		}
	}
	return "", apperrors.Guardrail("statement must begin with SELECT or WITH, got %q", strings.ToUpper(keyword))
}

// leadingKeyword returns the first word of the statement, lowercased,
// skipping leading line and block comments.
func leadingKeyword(sqlText string) string {
	rest := sqlText
	for {
		rest = strings.TrimLeft(rest, " \t\n\r")
		switch {
		case strings.HasPrefix(rest, "--"):
			idx := strings.IndexByte(rest, '\n')
			if idx < 0 {
				return ""
			}
			rest = rest[idx+1:]
		case strings.HasPrefix(rest, "/*"):
			idx := strings.Index(rest, "*/")
			if idx < 0 {
				return ""
			}
			rest = rest[idx+2:]
		default:
			end := strings.IndexFunc(rest, func(r rune) bool {
				return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';'
			})
			if end < 0 {
				return strings.ToLower(rest)
			}
			return strings.ToLower(rest[:end])
		}
	}
}

// hasSemicolonOutsideStrings scans for statement separators, tracking
// single- and double-quoted regions so semicolons inside literals do not
// trip the check. Only the SQL standard doubled-quote escape is honored: a
// backslash is an ordinary character under standard_conforming_strings, and
// treating it as an escape would let '\'; smuggle a real separator through
// as apparent literal content.
func hasSemicolonOutsideStrings(sqlText string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal

	for _, ch := range sqlText {
		switch state {
		case stateNormal:
			switch ch {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			// A doubled quote ('') exits and immediately re-enters, which
			// keeps the scan inside the literal.
			if ch == '\'' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if ch == '"' {
				state = stateNormal
			}
		}
	}
	return false
}

func stripTrailingSemicolon(sqlText string) string {
	sqlText = strings.TrimRight(sqlText, " \t\n\r")
	if strings.HasSuffix(sqlText, ";") {
		sqlText = strings.TrimRight(strings.TrimSuffix(sqlText, ";"), " \t\n\r")
	}
	return sqlText
}

// InjectionFinding describes a filter value that matched a SQL injection
// signature.
type InjectionFinding struct {
	Column      string
	Value       string
	Fingerprint string
}

// CheckFilterValues runs libinjection over every string filter value.
// Values travel as bound parameters either way; a finding signals probing
// worth auditing and rejecting rather than a bypassed defense.
func CheckFilterValues(filters []queryspec.Filter) []InjectionFinding {
	var findings []InjectionFinding
	for _, f := range filters {
		for _, v := range stringValues(f.Value) {
			if isSQLi, fingerprint := libinjection.IsSQLi(v); isSQLi {
				findings = append(findings, InjectionFinding{
					Column:      f.Column,
					Value:       v,
					Fingerprint: string(fingerprint),
				})
			}
		}
	}
	return findings
}

func stringValues(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		var out []string
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	default:
		return nil
	}
}
