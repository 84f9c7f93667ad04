// Package errs defines the tagged error kinds the hub surfaces to callers.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of hub error.
type Kind string

const (
	ConfigInvalid     Kind = "CONFIG_INVALID"
	PersistenceFailed Kind = "PERSISTENCE_FAILED"
	ConnectFailed     Kind = "CONNECT_FAILED"
	ListToolsFailed   Kind = "LIST_TOOLS_FAILED"
	CallFailed        Kind = "CALL_FAILED"
	Timeout           Kind = "TIMEOUT"
	NotFound          Kind = "NOT_FOUND"
	Forbidden         Kind = "FORBIDDEN"
	ServerRemoved     Kind = "SERVER_REMOVED"
	SessionClosed     Kind = "SESSION_CLOSED"
)

// Error is a tagged error carrying the raw cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or the empty kind for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
