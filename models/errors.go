package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies fetch and storage failures so the aggregator can
// apply fallback policy uniformly.
type ErrorKind string

const (
	// KindNetwork marks transient transport failures (timeouts included);
	// eligible for fallback sources or stale cache.
	KindNetwork ErrorKind = "network"
	// KindFormat marks resources whose structure no longer matches the
	// expected pattern; eligible for fallback, but signals a maintenance
	// need rather than an outage.
	KindFormat ErrorKind = "unexpected_format"
	// KindNotFound marks legitimate absence (market holiday, no
	// deliveries). Not an error condition; never triggers fallback.
	KindNotFound ErrorKind = "not_found"
	// KindStorage marks local persistence failures; logged and degraded
	// to no-ops, never propagated to snapshot callers.
	KindStorage ErrorKind = "storage"
)

// SourceError is a typed failure from one source fetch. All fetcher
// failure modes are returned values; none may escape as a panic.
type SourceError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewNetworkError wraps a transport failure.
func NewNetworkError(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindNetwork, Err: err}
}

// NewFormatError wraps a layout/shape mismatch.
func NewFormatError(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindFormat, Err: err}
}

// NewNotFoundError wraps legitimate absence.
func NewNotFoundError(source string, err error) *SourceError {
	return &SourceError{Source: source, Kind: KindNotFound, Err: err}
}

// Kind extracts the ErrorKind from an error chain, or "" when the error is
// untyped. Untyped errors are treated as network failures by callers since
// that is the conservative fallback-eligible interpretation.
func Kind(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// FallbackEligible reports whether a failure should advance the aggregator
// to the next configured source. Legitimate absence never does.
func FallbackEligible(err error) bool {
	switch Kind(err) {
	case KindNotFound:
		return false
	case KindNetwork, KindFormat:
		return true
	default:
		// Untyped errors behave like transient network failures.
		return err != nil
	}
}

// IsNotFound reports whether the error chain marks legitimate absence.
func IsNotFound(err error) bool {
	return Kind(err) == KindNotFound
}
