package netsock

import (
	"context"
	"io"
	"net/netip"
	"time"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/resource"
	"github.com/wippyai/netsock/socket"
)

// Socket is a connected stream socket. It implements io.ReadWriteCloser.
type Socket struct {
	nw     *Network
	s      *socket.Stream
	handle resource.Handle
}

// Dial connects a new stream socket to addr. A zero timeout waits for the
// OS. A failed connect closes the socket.
func (n *Network) Dial(addr netip.AddrPort, timeout time.Duration) (*Socket, error) {
	sock, err := n.newSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.s.Connect(addr, timeout); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

// DialContext is like Dial but closes the socket when ctx is done before
// the connect completes.
func (n *Network) DialContext(ctx context.Context, addr netip.AddrPort) (*Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sock, err := n.newSocket()
	if err != nil {
		return nil, err
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			sock.Close()
			return nil, context.DeadlineExceeded
		}
	}

	stop := closeOnDone(ctx, sock.s)
	err = sock.s.Connect(addr, timeout)
	if !stop() && err == nil {
		err = errors.ErrClosed
	}
	if err != nil {
		sock.Close()
		return nil, ctxErr(ctx, err)
	}
	return sock, nil
}

func (n *Network) newSocket() (*Socket, error) {
	s, err := socket.NewStream(n.os, n.cfg)
	if err != nil {
		return nil, err
	}
	return n.wrapStream(s)
}

func (n *Network) wrapStream(s *socket.Stream) (*Socket, error) {
	h, err := n.register(KindSocket, s)
	if err != nil {
		return nil, err
	}
	return &Socket{nw: n, s: s, handle: h}, nil
}

// Read receives into p. It returns io.EOF at the end of the stream and a
// connection_reset error once the peer reset is confirmed.
func (s *Socket) Read(p []byte) (int, error) {
	return s.s.Receive(p)
}

// ReadContext is like Read but closes the socket when ctx is done first.
func (s *Socket) ReadContext(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stop := closeOnDone(ctx, s.s)
	n, err := s.s.Receive(p)
	stop()
	return n, ctxErr(ctx, err)
}

// Write sends all of p.
func (s *Socket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.s.Send(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Available returns the number of bytes that can be read without blocking.
func (s *Socket) Available() (int, error) { return s.s.Available() }

// CloseRead shuts down the input side.
func (s *Socket) CloseRead() error { return s.s.ShutdownInput() }

// CloseWrite shuts down the output side.
func (s *Socket) CloseWrite() error { return s.s.ShutdownOutput() }

func (s *Socket) SetOption(opt socket.Option, value any) error { return s.s.SetOption(opt, value) }

func (s *Socket) GetOption(opt socket.Option) (any, error) { return s.s.GetOption(opt) }

// SetTimeout bounds Read. Zero waits forever.
func (s *Socket) SetTimeout(d time.Duration) error { return s.s.SetOption(socket.Timeout, d) }

func (s *Socket) LocalAddr() netip.AddrPort  { return s.s.LocalAddr() }
func (s *Socket) RemoteAddr() netip.AddrPort { return s.s.RemoteAddr() }

// ResetState reports whether the peer has reset the connection.
func (s *Socket) ResetState() socket.ResetState { return s.s.ResetState() }

// Close closes the socket and removes it from its Network. It is
// idempotent and always returns nil.
func (s *Socket) Close() error {
	s.nw.table.Release(s.handle)
	s.s.Close()
	return nil
}

// ServerSocket is a listening stream socket.
type ServerSocket struct {
	nw     *Network
	s      *socket.Stream
	handle resource.Handle
}

// Listen binds a stream socket to addr and starts listening. A backlog
// below one selects the configured default.
func (n *Network) Listen(addr netip.AddrPort, backlog int) (*ServerSocket, error) {
	s, err := socket.NewStream(n.os, n.cfg)
	if err != nil {
		return nil, err
	}
	h, err := n.register(KindServer, s)
	if err != nil {
		return nil, err
	}
	srv := &ServerSocket{nw: n, s: s, handle: h}

	if err := s.Bind(addr); err != nil {
		srv.Close()
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

// Accept waits for a connection. It is bounded by SetTimeout; a timeout
// leaves the server usable.
func (s *ServerSocket) Accept() (*Socket, error) {
	c, err := s.s.Accept()
	if err != nil {
		return nil, err
	}
	return s.nw.wrapStream(c)
}

// AcceptContext is like Accept but closes the server when ctx is done
// first.
func (s *ServerSocket) AcceptContext(ctx context.Context) (*Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := closeOnDone(ctx, s.s)
	c, err := s.s.Accept()
	stop()
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return s.nw.wrapStream(c)
}

// SetTimeout bounds Accept. Zero waits forever.
func (s *ServerSocket) SetTimeout(d time.Duration) error { return s.s.SetOption(socket.Timeout, d) }

func (s *ServerSocket) SetOption(opt socket.Option, value any) error { return s.s.SetOption(opt, value) }

func (s *ServerSocket) GetOption(opt socket.Option) (any, error) { return s.s.GetOption(opt) }

// Addr returns the bound address.
func (s *ServerSocket) Addr() netip.AddrPort { return s.s.LocalAddr() }

// Close stops listening. Blocked Accept calls return errors.ErrClosed.
func (s *ServerSocket) Close() error {
	s.nw.table.Release(s.handle)
	s.s.Close()
	return nil
}
