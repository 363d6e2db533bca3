// Package errors defines the error taxonomy of the orchestration core: the
// scheduler and the OTA engine classify failures into one of a small set of
// kinds so callers can decide whether to retry, degrade, or just log and
// move on. The codec and the store do not use it; they report malformed
// input as ok=false and return plain errors.
package errors

import "fmt"

// Kind classifies a failure the way the orchestration core needs to react
// to it, not the way the underlying library reported it.
type Kind int

const (
	// Malformed covers bad wire input: short frames, wrong magic, bad
	// version, out-of-range fields. The event is still recorded for
	// forensics; processing continues.
	Malformed Kind = iota
	// Dependency covers timeouts or 5xx from the store, object store,
	// carbon API or transport. Bubbles up so the trigger platform retries.
	Dependency
	// AuthExpiry covers a 401 from an external API. Handled with one
	// silent re-auth attempt before degrading.
	AuthExpiry
	// Protocol covers a non-zero device ACK status. Counted against
	// per-session retry/restart caps.
	Protocol
	// Invariant covers a violated internal invariant, e.g. an OTA
	// COMPLETE with no active session. Logged, state cleared, no downlink.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Dependency:
		return "dependency"
	case AuthExpiry:
		return "auth_expiry"
	case Protocol:
		return "protocol"
	case Invariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a classified error wrapping an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == kind
	}
	return false
}
