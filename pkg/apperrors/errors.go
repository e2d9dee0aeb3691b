// Package apperrors defines the typed error taxonomy of the query engine.
// Every failure is converted to an *Error at the boundary of the component
// that detected it; callers branch on Kind rather than string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. The string values are stable and appear
// verbatim in API responses as error_kind.
type Kind string

const (
	// KindValidation covers unknown columns, operators, or aggregates.
	// Always recoverable by the caller, never retried.
	KindValidation Kind = "validation_error"

	// KindPoolExhausted means a connection lease could not be acquired
	// within the bounded wait.
	KindPoolExhausted Kind = "pool_exhausted"

	// KindConnection means the data source could not be reached after
	// bounded retries.
	KindConnection Kind = "connection_error"

	// KindGuardrail means caller-supplied SQL failed a pre-execution
	// safety check and was never sent to the connection.
	KindGuardrail Kind = "guardrail_violation"

	// KindTimeout means statement execution exceeded the per-query budget
	// and was cancelled server-side.
	KindTimeout Kind = "query_timeout"

	// KindAmbiguous means the translator could not produce a valid spec
	// from a natural-language question.
	KindAmbiguous Kind = "ambiguous_query"

	// KindExecution means the underlying engine rejected the statement;
	// the diagnostic is surfaced in sanitized form.
	KindExecution Kind = "query_execution_error"
)

// Error is a classified engine failure.
type Error struct {
	Kind    Kind
	Message string

	// Clarification carries the model's own follow-up question for
	// KindAmbiguous errors, when one is available.
	Clarification string

	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable implements the retry.RetryableError interface. Only pool and
// connection failures are worth retrying; everything else is deterministic.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindPoolExhausted || e.Kind == KindConnection
}

// New creates an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Guardrail(format string, args ...any) *Error {
	return New(KindGuardrail, format, args...)
}

// Ambiguous creates an ambiguous-query error carrying optional model
// clarification text.
func Ambiguous(clarification string, format string, args ...any) *Error {
	e := New(KindAmbiguous, format, args...)
	e.Clarification = clarification
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// KindExecution so no failure ever leaves the engine untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecution
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
