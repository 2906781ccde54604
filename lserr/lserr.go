// Package lserr defines the typed error kinds the core raises, and their
// mapping onto HTTP status codes and IPC error envelopes. The pattern
// mirrors device.IPCError in the teacher lineage: a small wrapper type
// queryable with errors.As, rather than a family of sentinel values
// compared with errors.Is alone.
package lserr

import "fmt"

// Kind enumerates the error kinds named in spec.md §7.
type Kind string

const (
	InvalidParameters Kind = "invalid-parameters"
	InvalidPin        Kind = "invalid-pin"
	PinRequired       Kind = "pin-required"
	SessionBlocked    Kind = "session-blocked"
	TooManyRequests   Kind = "too-many-requests"
	SessionNotFound   Kind = "session-not-found"
	InvalidToken      Kind = "invalid-token"
	NotAFile          Kind = "not-a-file"
	PortBound         Kind = "port-bound"
	IO                Kind = "io"
	JSON              Kind = "json"
	Unknown           Kind = "unknown"
)

// Error wraps a Kind with an optional human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New constructs an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps a Kind onto the status codes of spec.md §6.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidParameters, InvalidPin, JSON:
		return 400
	case PinRequired, InvalidToken, SessionBlocked, SessionNotFound:
		// spec.md §8 scenario 7 pins an expired/unknown session to 403,
		// not 404: a missing session is indistinguishable from a
		// forbidden one to an unauthenticated caller.
		return 403
	case NotAFile:
		return 404
	case TooManyRequests:
		return 429
	case PortBound, IO, Unknown:
		return 500
	default:
		return 500
	}
}
