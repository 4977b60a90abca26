package contrib

import (
	"errors"
	"fmt"
)

// UserMessage is the only failure text shown to viewers. Causes stay in
// the logs.
const UserMessage = "Failed to load contribution data"

var (
	ErrUnsupportedYear = errors.New("year is not selectable")
	ErrSessionClosed   = errors.New("session closed")
	// ErrSuperseded is returned by a Session operation whose result was
	// dropped because a newer intent replaced it.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	// KindNetwork: the request could not be completed (offline, DNS, timeout).
	KindNetwork ErrorKind = "network"
	// KindUpstream: the provider answered with a non-success status.
	KindUpstream ErrorKind = "upstream"
	// KindParse: the body did not match the expected shape.
	KindParse ErrorKind = "parse"
)

// FetchError is the single error type crossing the fetch boundary.
type FetchError struct {
	Kind       ErrorKind
	Year       int
	StatusCode int // set for KindUpstream
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindUpstream:
		return fmt.Sprintf("contributions %d: upstream status %d", e.Year, e.StatusCode)
	default:
		return fmt.Sprintf("contributions %d: %s error: %v", e.Year, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// UserMessage returns the generic viewer-facing text.
func (e *FetchError) UserMessage() string { return UserMessage }

// Retryable reports whether an automatic retry may help. Parse errors are
// deterministic for a given payload and are left to manual retry.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindUpstream
}

func isRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}
