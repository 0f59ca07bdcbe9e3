// Package runtimeerr defines the error taxonomy shared across the
// cooperative compute runtime. Every component wraps failures in a Kind so
// callers can branch on propagation policy (retry, surface, fail-fast)
// without parsing diagnostic strings.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories propagated up the runtime stack.
type Kind string

const (
	// InvalidInput marks a malformed DID, CID, spec, or message.
	InvalidInput Kind = "invalid_input"
	// CryptoError marks a signature verification failure. Never retried
	// automatically.
	CryptoError Kind = "crypto_error"
	// InsufficientCredit marks a rejected mana debit. Surfaced verbatim, no
	// retry.
	InsufficientCredit Kind = "insufficient_credit"
	// PolicyDenied marks an operation blocked by governance or a policy
	// parameter.
	PolicyDenied Kind = "policy_denied"
	// NotFound marks an unknown CID or principal.
	NotFound Kind = "not_found"
	// ResourceExceeded marks a module that exceeded fuel/memory/time/stack.
	ResourceExceeded Kind = "resource_exceeded"
	// NetworkError marks a transport failure. Upper layers may retry with
	// capped exponential backoff and jitter.
	NetworkError Kind = "network_error"
	// StorageError marks a backend I/O failure. Fatal for the affected
	// operation, non-fatal for the node.
	StorageError Kind = "storage_error"
	// Timeout marks an elapsed bidding or execution window.
	Timeout Kind = "timeout"
	// InternalError marks an invariant violation.
	InternalError Kind = "internal_error"
)

// Error is the concrete error type carrying a Kind, a short diagnostic, and
// an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

// New constructs an Error of the given kind with the supplied diagnostic.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind, annotating the supplied cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, runtimeerr.New(runtimeerr.NotFound, "")) style checks when
// target carries no message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Msg != "" {
		return e.Kind == other.Kind && e.Msg == other.Msg
	}
	return e.Kind == other.Kind
}

// Sentinel returns a matchable zero-message error of the given kind, for use
// with errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err, defaulting to InternalError when err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Retryable reports whether the propagation policy allows a bounded
// retry: network errors only.
func Retryable(err error) bool {
	return KindOf(err) == NetworkError
}
