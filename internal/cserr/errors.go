// Package cserr defines the error taxonomy shared across the cloudsync
// engine, per the error handling design in SPEC_FULL.md §A.3.
package cserr

import "fmt"

// Kind classifies why an operation failed, independent of its message text,
// so callers can branch on errors.As instead of matching strings.
type Kind int

const (
	// Misuse covers invalid arguments, unknown tables, failed sanity
	// checks, and protocol violations such as UPDATE/DELETE against a
	// read-only relation.
	Misuse Kind = iota
	// Resource covers allocation failures (out of memory, exhausted
	// statement cache).
	Resource
	// Storage covers the underlying store returning a non-OK result for a
	// prepared statement.
	Storage
	// Policy covers a row rejected by an access-policy callback during
	// payload apply; not fatal for the rest of the batch.
	Policy
	// Network covers failures reported by the HTTP collaborator.
	Network
)

func (k Kind) String() string {
	switch k {
	case Misuse:
		return "misuse"
	case Resource:
		return "resource"
	case Storage:
		return "storage"
	case Policy:
		return "policy"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by engine operations. Code is an
// optional stable machine-readable identifier (used by Network errors for
// the device-limit case, see SPEC_FULL.md §C.2); Msg is the human text.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a plain *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithCode attaches a stable machine-readable code to an error (see
// SPEC_FULL.md §C.2, the device-limit mapping Open Question).
func WithCode(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// ErrCodeDeviceLimit is the stable code for the network device-limit case;
// the human message mirrors the server's literal 403 text per spec §7.
const ErrCodeDeviceLimit = "device_limit_exceeded"

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Kind == kind {
				return true
			}
			err = ce.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
