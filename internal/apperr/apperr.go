// Package apperr defines the error kinds surfaced by the ingestion pipeline,
// the ranking service and the request throttle.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it (stage
// fallbacks, batch counters, HTTP status mapping).
type Kind string

const (
	KindDownload              Kind = "download_error"
	KindStorage               Kind = "storage_error"
	KindExtractionUnavailable Kind = "extraction_unavailable"
	KindExtractionFailed      Kind = "extraction_failed"
	KindSchemaViolation       Kind = "schema_violation"
	KindPersistence           Kind = "persistence_error"
	KindRateLimited           Kind = "rate_limit_exceeded"
	KindValidation            Kind = "validation_error"
	KindNotFound              Kind = "not_found"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
