package errors

import (
	"fmt"
	"strings"
)

// Op identifies the socket operation that produced the error
type Op string

const (
	OpCreate     Op = "create"
	OpBind       Op = "bind"
	OpListen     Op = "listen"
	OpConnect    Op = "connect"
	OpAccept     Op = "accept"
	OpSend       Op = "send"
	OpReceive    Op = "receive"
	OpAvailable  Op = "available"
	OpShutdown   Op = "shutdown"
	OpOption     Op = "option"
	OpDisconnect Op = "disconnect"
	OpClose      Op = "close"
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindAlreadyClosed   Kind = "already_closed"
	KindConnectFailed   Kind = "connect_failed"
	KindTimeout         Kind = "timeout"
	KindConnectionReset Kind = "connection_reset"
	KindUnreachable     Kind = "unreachable"
	KindInvalidState    Kind = "invalid_state"
	KindUnsupported     Kind = "unsupported"
	KindBindFailed      Kind = "bind_failed"
	KindSystem          Kind = "system"
)

// ErrClosed is returned by every operation on a socket whose close has been
// initiated. It is shared so the closed path never allocates.
var ErrClosed = &Error{Kind: KindAlreadyClosed, Detail: "socket closed"}

// Error is the structured error type used throughout netsock
type Error struct {
	Value  any
	Cause  error
	Op     Op
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Op))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without an Op
// matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Timeout reports whether the error is a timeout, for net.Error-style checks.
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(op Op, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Op:   op,
			Kind: kind,
		},
	}
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// InvalidArgument creates a validation error. It never wraps an OS failure.
func InvalidArgument(op Op, value any, detail string, args ...any) *Error {
	return New(op, KindInvalidArgument).Value(value).Detail(detail, args...).Build()
}

// InvalidState creates an error for an operation not valid in the current state
func InvalidState(op Op, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindInvalidState,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(op Op, what string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// ConnectFailed wraps an OS connect failure
func ConnectFailed(cause error) *Error {
	return &Error{
		Op:     OpConnect,
		Kind:   KindConnectFailed,
		Detail: "connect",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(op Op, kind Kind, cause error, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
