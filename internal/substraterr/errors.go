// Package substraterr defines the error taxonomy shared by every component
// of the session substrate (connection pool, SFTP engine, transfer engine,
// back-pressure controller). Every exported operation returns either nil or
// an *Error so callers can branch on Kind without parsing strings.
package substraterr

import (
	"errors"
	"fmt"
)

// Kind is one leaf of the taxonomy from the error-handling design.
type Kind string

const (
	AuthFailed       Kind = "AuthFailed"
	BadCredentials   Kind = "BadCredentials"
	HostUnreachable  Kind = "HostUnreachable"
	TimeoutConnect   Kind = "Timeout.Connect"
	TimeoutRead      Kind = "Timeout.Read"
	TimeoutOp        Kind = "Timeout.Op"
	ProxyRefused     Kind = "ProxyRefused"
	ProxyAuth        Kind = "ProxyAuth"
	ProxyTimeout     Kind = "ProxyTimeout"
	PoolExhausted    Kind = "PoolExhausted"
	Shutdown         Kind = "Shutdown"
	Overloaded       Kind = "Overloaded"
	QueueFull        Kind = "QueueFull"
	TransportNotReady Kind = "TransportNotReady"
	TransportLost    Kind = "TransportLost"
	CancelledUser    Kind = "Cancelled.User"
	CancelledClose   Kind = "Cancelled.Close"
	NotFound         Kind = "NotFound"
	PermissionDenied Kind = "PermissionDenied"
	TransferFailed   Kind = "TransferFailed"
	Unknown          Kind = "Unknown"
)

// Error is the structured error type returned across every component
// boundary. Message is a single clean leading sentence; Cause (if any) is
// kept for %w unwrapping but is never concatenated into Message so nested
// wrapping never leaks into user-visible text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause, flattening any nested *Error in
// cause down to its Message so the returned error has exactly one leading
// sentence regardless of how many layers wrapped it below.
func Wrap(kind Kind, message string, cause error) *Error {
	var inner *Error
	if errors.As(cause, &inner) {
		cause = errors.New(inner.Message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is one the propagation policy
// handles locally (C5 for transports, C7 for SFTP ops) rather than
// surfacing immediately to the caller.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case TimeoutConnect, TimeoutRead, TimeoutOp, TransportLost:
		return true
	default:
		return false
	}
}
