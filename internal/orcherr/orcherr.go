// Package orcherr defines the error kinds of the orchestration scheduler's
// error handling design: Transient, Configuration, LockHeld, StateConflict,
// NotFound, SessionUnavailable, Exhausted, and Fatal. Kinds are not Go types
// in the usual sense but a Kind field on one *Error type that wraps a cause, so
// callers use Is or KindOf (both built on errors.As) to branch on kind and
// errors.Unwrap to get the cause.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds from the error handling design.
type Kind string

const (
	// Transient errors are retry eligible; loops log and back off.
	Transient Kind = "transient"
	// Configuration errors are fatal at boot.
	Configuration Kind = "configuration"
	// LockHeld is fatal at boot: another daemon owns the lock.
	LockHeld Kind = "lock_held"
	// StateConflict is caller-visible and never retried internally.
	StateConflict Kind = "state_conflict"
	// NotFound is caller-visible.
	NotFound Kind = "not_found"
	// SessionUnavailable is a Transient special case used by the Messenger.
	SessionUnavailable Kind = "session_unavailable"
	// Exhausted means the retry cap was reached; terminal for the item.
	Exhausted Kind = "exhausted"
	// Fatal kills the daemon after logging and releasing the lock.
	Fatal Kind = "fatal"
)

// Error wraps a cause with one of the kinds above.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
