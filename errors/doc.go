// Package errors provides the structured error taxonomy for netsock.
//
// Errors are categorized by Op (the socket operation that failed) and Kind
// (the error category callers branch on). The underlying OS error, when
// there is one, stays reachable through Unwrap.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.OpOption, errors.KindInvalidArgument).
//		Detail("SO_TIMEOUT must not be negative").
//		Value(-1).
//		Build()
//
// Or translate an OS failure:
//
//	err := errors.FromOS(errors.OpReceive, unix.ECONNRESET)
//
// Matching works on kind alone, or on kind and operation:
//
//	errors.Is(err, errors.ErrClosed)                         // any op
//	errors.Is(err, &errors.Error{Op: errors.OpReceive, Kind: errors.KindTimeout})
package errors
