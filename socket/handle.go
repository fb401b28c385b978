package socket

import (
	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// Kind distinguishes stream and datagram sockets.
type Kind string

const (
	KindStream   Kind = "stream"
	KindDatagram Kind = "datagram"
)

// Handle owns a native descriptor. It becomes invalid exactly once, when the
// owning FdLifecycle completes its close, and is never reused.
type Handle struct {
	fd     sys.FD
	stream bool
}

// Create asks the OS for a new socket.
func Create(os sys.Sockets, stream bool) (Handle, error) {
	fd, err := os.Socket(stream)
	if err != nil {
		return Handle{fd: sys.InvalidFD, stream: stream}, errors.FromOS(errors.OpCreate, err)
	}
	return Handle{fd: fd, stream: stream}, nil
}

// IsValid reports whether the handle still refers to an open descriptor.
func (h Handle) IsValid() bool { return h.fd.Valid() }

// FD returns the descriptor, sys.InvalidFD once torn down.
func (h Handle) FD() sys.FD { return h.fd }

// Stream reports whether the handle is a stream socket.
func (h Handle) Stream() bool { return h.stream }

// Kind returns the socket kind.
func (h Handle) Kind() Kind {
	if h.stream {
		return KindStream
	}
	return KindDatagram
}
