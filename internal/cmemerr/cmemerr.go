// Package cmemerr defines the typed error kinds from the engine's error
// handling design: callers type-switch (via errors.Is/As) on these sentinels
// instead of parsing error strings.
package cmemerr

import "errors"

// Kind classifies an error for propagation-policy decisions (retry, surface,
// self-repair, refuse writes).
type Kind int

const (
	// KindInputInvalid marks missing required fields, negative limits, or a
	// bad enum value. Returned straight to the caller.
	KindInputInvalid Kind = iota
	// KindConflict marks a dedupe hit or unique-constraint collision. This
	// is not an error condition for callers: append() surfaces it as
	// is_duplicate=true rather than returning a Conflict error, but the
	// kind exists for internal bookkeeping and logging.
	KindConflict
	// KindNotFound marks an unknown id; callers typically see a nil result
	// rather than this error, but it is available for call sites that need
	// to distinguish "not found" from "lookup failed".
	KindNotFound
	// KindTransient marks a remote timeout or lock contention. Retried with
	// backoff; in a worker this routes failed -> pending.
	KindTransient
	// KindCorruption marks an FTS virtual-table inconsistency or schema
	// mismatch. The engine attempts self-repair (rebuild FTS) before
	// escalating.
	KindCorruption
	// KindFatal marks a DB-open failure or disk-full condition. The engine
	// refuses new writes; reads may still degrade gracefully.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "input_invalid"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so propagation policy can
// dispatch on it without string matching.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a *Error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or any error it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for the most common NotFound cases, so callers can use
// errors.Is directly where a Kind-level check is overkill.
var (
	ErrEventNotFound   = New(KindNotFound, "event not found")
	ErrSessionNotFound = New(KindNotFound, "session not found")
	ErrJobNotFound     = New(KindNotFound, "outbox job not found")
)
