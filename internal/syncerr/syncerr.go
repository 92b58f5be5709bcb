// Package syncerr is the error taxonomy shared by the dispatcher, the
// reconciler and the connection supervisor.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBusy
	KindNetwork
	KindServerRejection
	KindStreamDesync
	KindConnection
	KindFatalAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusy:
		return "busy"
	case KindNetwork:
		return "network"
	case KindServerRejection:
		return "server_rejection"
	case KindStreamDesync:
		return "stream_desync"
	case KindConnection:
		return "connection"
	case KindFatalAuth:
		return "fatal_auth"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus an optional server code. Retryable is set for
// failures the caller may simply resubmit.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, syncerr.Busy)
// style comparisons work against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	Validation      = &Error{Kind: KindValidation}
	Busy            = &Error{Kind: KindBusy}
	Network         = &Error{Kind: KindNetwork}
	ServerRejection = &Error{Kind: KindServerRejection}
	StreamDesync    = &Error{Kind: KindStreamDesync}
	Connection      = &Error{Kind: KindConnection}
	FatalAuth       = &Error{Kind: KindFatalAuth}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retryable: kind.retryable()}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err, Retryable: kind.retryable()}
}

func Rejected(code, msg string) *Error {
	return &Error{Kind: KindServerRejection, Code: code, Message: msg}
}

func (k Kind) retryable() bool {
	switch k {
	case KindNetwork, KindConnection, KindBusy:
		return true
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
