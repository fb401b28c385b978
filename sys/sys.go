// Package sys defines the operating-system capability consumed by the socket
// core and provides its linux implementation.
//
// The core never issues system calls directly. Everything it needs from the
// kernel goes through the Sockets interface, which keeps the lifecycle and
// filtering logic testable against the instrumented fake in sys/systest.
package sys

import (
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// FD is a native socket descriptor.
type FD int

// InvalidFD is the descriptor of a handle that has been torn down.
const InvalidFD FD = -1

// Valid reports whether fd refers to an open descriptor.
func (fd FD) Valid() bool { return fd >= 0 }

// ShutdownHow selects the direction passed to shutdown(2).
type ShutdownHow uint8

const (
	ShutRead ShutdownHow = iota
	ShutWrite
	ShutBoth
)

// SockOpt identifies a kernel-level socket option.
type SockOpt uint8

const (
	SockOptReuseAddr SockOpt = iota + 1
	SockOptReusePort
	SockOptKeepAlive
	SockOptOOBInline
	SockOptBroadcast
	SockOptTCPNoDelay
	SockOptLinger
	SockOptSendBuffer
	SockOptReceiveBuffer
	SockOptTOS
	SockOptTTL
)

var sockOptNames = [...]string{
	SockOptReuseAddr:     "SO_REUSEADDR",
	SockOptReusePort:     "SO_REUSEPORT",
	SockOptKeepAlive:     "SO_KEEPALIVE",
	SockOptOOBInline:     "SO_OOBINLINE",
	SockOptBroadcast:     "SO_BROADCAST",
	SockOptTCPNoDelay:    "TCP_NODELAY",
	SockOptLinger:        "SO_LINGER",
	SockOptSendBuffer:    "SO_SNDBUF",
	SockOptReceiveBuffer: "SO_RCVBUF",
	SockOptTOS:           "IP_TOS",
	SockOptTTL:           "IP_TTL",
}

func (o SockOpt) String() string {
	if int(o) < len(sockOptNames) && sockOptNames[o] != "" {
		return sockOptNames[o]
	}
	return "SockOpt(?)"
}

// ErrTimedOut is returned by blocking calls whose timeout elapsed.
const ErrTimedOut = unix.EAGAIN

// Sockets is the per-OS capability the socket core is parameterized by.
// Blocking calls take a timeout; zero means wait indefinitely. Implementations
// return raw errno values; translation into the error taxonomy is the
// caller's job.
type Sockets interface {
	// Socket creates a stream (TCP) or datagram (UDP) socket.
	Socket(stream bool) (FD, error)
	Bind(fd FD, addr netip.AddrPort) error
	Listen(fd FD, backlog int) error
	Connect(fd FD, addr netip.AddrPort, timeout time.Duration) error
	// Disconnect dissolves a datagram association.
	Disconnect(fd FD) error
	Accept(fd FD, timeout time.Duration) (FD, netip.AddrPort, error)
	// Send writes to a connected socket.
	Send(fd FD, p []byte) (int, error)
	SendTo(fd FD, p []byte, to netip.AddrPort) (int, error)
	// Recv reads from a connected stream. Zero bytes with a nil error is EOF.
	Recv(fd FD, p []byte, timeout time.Duration) (int, error)
	// RecvFrom reads one datagram, leaving it queued when peek is set.
	RecvFrom(fd FD, p []byte, peek bool, timeout time.Duration) (int, netip.AddrPort, error)
	// Available reports the bytes that can be read without blocking.
	Available(fd FD) (int, error)
	Shutdown(fd FD, how ShutdownHow) error
	LocalAddr(fd FD) (netip.AddrPort, error)
	SetOption(fd FD, opt SockOpt, value int) error
	GetOption(fd FD, opt SockOpt) (int, error)
	// PreClose detaches fd from blocking use so that in-flight calls return,
	// without releasing the descriptor number.
	PreClose(fd FD) error
	Close(fd FD) error
}
