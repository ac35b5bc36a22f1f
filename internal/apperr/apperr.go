// Package apperr defines the error kinds surfaced by the discovery pipeline.
//
// Components wrap causes with a Kind so callers (and the HTTP layer) can decide
// how to react without string matching. Wrapping survives fmt.Errorf("%w").
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnknown Kind = "UNKNOWN"

	// InvalidInput is returned before any network call; no side effects happened.
	InvalidInput Kind = "INVALID_INPUT"
	// StoreUnavailable means the authoritative store could not be reached.
	StoreUnavailable Kind = "STORE_UNAVAILABLE"
	// ProviderUnavailable covers AI, OCR and catalog timeouts or errors.
	ProviderUnavailable Kind = "PROVIDER_UNAVAILABLE"
	// RecognitionUnavailable means every recognition provider in the chain failed.
	RecognitionUnavailable Kind = "RECOGNITION_UNAVAILABLE"
	NotFound               Kind = "NOT_FOUND"
	Conflict               Kind = "CONFLICT"
	// Expired is returned for sessions in a terminal state.
	Expired Kind = "EXPIRED"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with kind. A nil err still produces an error of that kind.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an error of the given kind from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
