package session

import "fmt"

// Kind categorizes a session error so the API layer can translate it to
// the right HTTP status without string matching.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindNotFound
	KindConflict
	KindIO
	KindBackpressure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIO:
		return "io"
	case KindBackpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every exported Session/Manager
// operation. It always carries the session id it concerns, even when
// that id turned out not to exist.
type Error struct {
	Kind      Kind
	SessionID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Msg, e.Err)
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, sessionID, msg string, err error) *Error {
	return &Error{Kind: kind, SessionID: sessionID, Msg: msg, Err: err}
}

func errInvalidArgument(sessionID, msg string) *Error {
	return newError(KindInvalidArgument, sessionID, msg, nil)
}

func errNotFound(sessionID string) *Error {
	return newError(KindNotFound, sessionID, "session not found", nil)
}

func errConflict(sessionID, msg string) *Error {
	return newError(KindConflict, sessionID, msg, nil)
}

func errIO(sessionID, msg string, err error) *Error {
	return newError(KindIO, sessionID, msg, err)
}

func errBackpressure(sessionID string) *Error {
	return newError(KindBackpressure, sessionID, "input queue more than half full", nil)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}
