package errors

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Op:     OpOption,
				Kind:   KindInvalidArgument,
				Detail: "SO_TIMEOUT must not be negative",
				Value:  -1,
			},
			contains: []string{"[option]", "invalid_argument", "SO_TIMEOUT"},
		},
		{
			name:     "minimal error",
			err:      &Error{Kind: KindAlreadyClosed},
			contains: []string{"already_closed"},
		},
		{
			name: "error with cause",
			err: &Error{
				Op:    OpReceive,
				Kind:  KindConnectionReset,
				Cause: unix.ECONNRESET,
			},
			contains: []string{"[receive]", "connection_reset", "caused by", "reset"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := FromOS(OpConnect, unix.ECONNREFUSED)
	if !errors.Is(err, unix.ECONNREFUSED) {
		t.Error("errno not reachable through Unwrap")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{Op: OpAccept, Kind: KindTimeout}

	if !errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("Is should match kind without op")
	}
	if !errors.Is(err, &Error{Op: OpAccept, Kind: KindTimeout}) {
		t.Error("Is should match same op and kind")
	}
	if errors.Is(err, &Error{Op: OpReceive, Kind: KindTimeout}) {
		t.Error("Is should not match different op")
	}
	if errors.Is(err, ErrClosed) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(&Error{Op: OpSend, Kind: KindAlreadyClosed}, ErrClosed) {
		t.Error("any already_closed error should match ErrClosed")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(OpOption, KindInvalidArgument).
		Value(42).
		Cause(cause).
		Detail("bad value %d", 42).
		Build()

	if err.Op != OpOption {
		t.Errorf("Op = %v, want %v", err.Op, OpOption)
	}
	if err.Kind != KindInvalidArgument {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidArgument)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "bad value 42" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestFromOS(t *testing.T) {
	tests := []struct {
		op   Op
		err  error
		want Kind
	}{
		{OpReceive, unix.ECONNRESET, KindConnectionReset},
		{OpAvailable, unix.ECONNRESET, KindConnectionReset},
		{OpReceive, unix.EAGAIN, KindTimeout},
		{OpAccept, unix.ETIMEDOUT, KindTimeout},
		{OpConnect, unix.ETIMEDOUT, KindConnectFailed},
		{OpConnect, unix.ECONNREFUSED, KindConnectFailed},
		{OpReceive, unix.ECONNREFUSED, KindUnreachable},
		{OpSend, unix.EHOSTUNREACH, KindUnreachable},
		{OpBind, unix.EADDRINUSE, KindBindFailed},
		{OpOption, unix.ENOPROTOOPT, KindUnsupported},
		{OpSend, unix.ENOTCONN, KindInvalidState},
		{OpSend, unix.EPIPE, KindSystem},
		{OpConnect, unix.EPIPE, KindConnectFailed},
		{OpReceive, errors.New("opaque"), KindSystem},
	}

	for _, tt := range tests {
		t.Run(string(tt.op)+"/"+tt.err.Error(), func(t *testing.T) {
			if got := KindOf(FromOS(tt.op, tt.err)); got != tt.want {
				t.Errorf("FromOS(%s, %v) kind = %s, want %s", tt.op, tt.err, got, tt.want)
			}
		})
	}
}

func TestFromOS_Passthrough(t *testing.T) {
	if FromOS(OpSend, nil) != nil {
		t.Error("nil error should stay nil")
	}
	if got := FromOS(OpSend, ErrClosed); got != error(ErrClosed) {
		t.Errorf("taxonomy errors should pass through, got %v", got)
	}
}

func TestTimeout(t *testing.T) {
	err := FromOS(OpReceive, unix.EAGAIN)
	var te interface{ Timeout() bool }
	if !errors.As(err, &te) || !te.Timeout() {
		t.Error("timeout errors should report Timeout()")
	}
}

func TestIs_OpAndKind(t *testing.T) {
	recvTimeout := FromOS(OpReceive, unix.EAGAIN)
	if !errors.Is(recvTimeout, &Error{Op: OpReceive, Kind: KindTimeout}) {
		t.Errorf("%v does not match receive timeout", recvTimeout)
	}
	if errors.Is(recvTimeout, &Error{Op: OpAccept, Kind: KindTimeout}) {
		t.Error("receive timeout matched accept")
	}

	connTimeout := FromOS(OpConnect, unix.ETIMEDOUT)
	if KindOf(connTimeout) != KindConnectFailed {
		t.Errorf("connect timeout kind = %s, want connect_failed", KindOf(connTimeout))
	}
}
