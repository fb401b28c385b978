package errors

import (
	stderrors "errors"
	"os"

	"golang.org/x/sys/unix"
)

// FromOS translates an OS-level failure into the taxonomy. A nil err yields
// nil. Errors already in the taxonomy are returned unchanged.
func FromOS(op Op, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if stderrors.As(err, &e) {
		return err
	}

	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return &Error{Op: op, Kind: kindForErrno(op, errno), Cause: err}
	}

	if os.IsTimeout(err) {
		return &Error{Op: op, Kind: KindTimeout, Cause: err}
	}

	return &Error{Op: op, Kind: KindSystem, Cause: err}
}

// kindForErrno collapses errno values to the categories callers act on.
// Every connect failure is connect_failed.
func kindForErrno(op Op, errno unix.Errno) Kind {
	switch errno {
	case unix.EAGAIN, unix.ETIMEDOUT:
		if op == OpConnect {
			return KindConnectFailed
		}
		return KindTimeout
	case unix.ECONNRESET:
		return KindConnectionReset
	case unix.ECONNREFUSED:
		if op == OpConnect {
			return KindConnectFailed
		}
		return KindUnreachable
	case unix.EHOSTUNREACH, unix.ENETUNREACH:
		if op == OpConnect {
			return KindConnectFailed
		}
		return KindUnreachable
	case unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.EACCES:
		if op == OpBind {
			return KindBindFailed
		}
	case unix.ENOPROTOOPT, unix.EOPNOTSUPP:
		return KindUnsupported
	case unix.EISCONN, unix.ENOTCONN, unix.EALREADY:
		return KindInvalidState
	}
	if op == OpConnect {
		return KindConnectFailed
	}
	return KindSystem
}
