// Package fault defines the error taxonomy shared by the decision pipeline,
// the background workers, and the operator API. Every non-success surfaced to
// a caller carries a stable machine-readable kind plus a human message;
// background workers use the kind to decide between retry and give-up.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	// KindInvalidInput - caller contract violated. Never retried.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindTransient - transaction timeout, pool wait, transient network.
	// Retried with backoff; surfaced only once retries are exhausted.
	KindTransient Kind = "TRANSIENT"
	// KindConflict - idempotency hit or concurrent claim. Treated as success
	// by the delayed-reward enqueue path.
	KindConflict Kind = "CONFLICT"
	// KindTimeout - local deadline exceeded.
	KindTimeout Kind = "TIMEOUT"
	// KindDependency - store unavailable beyond retries. Fatal for the
	// request, not for the process.
	KindDependency Kind = "DEPENDENCY"
	// KindInternal - invariant violation. Logged with full context, opaque
	// to the caller.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified error with a stable code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the worker retry discipline applies to err.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}
