package socket

import (
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// Stream is the connection controller of a TCP socket. It is safe for
// concurrent use: one goroutine may block in Accept or Receive while others
// send, change options, or close.
type Stream struct {
	core
	reset *ResetDetector

	// guarded by core.mu
	listening bool
	connected bool
	shutRead  bool
	shutWrite bool
	eof       bool
	remote    netip.AddrPort
}

// NewStream creates an unbound stream socket.
func NewStream(os sys.Sockets, cfg Config) (*Stream, error) {
	h, err := Create(os, true)
	if err != nil {
		return nil, err
	}
	return newStream(os, h, cfg), nil
}

func newStream(os sys.Sockets, h Handle, cfg Config) *Stream {
	cfg = cfg.normalize()
	s := &Stream{reset: newResetDetector(cfg)}
	s.init(os, h, cfg)
	return s
}

// Bind assigns the local address. Rebinding is rejected.
func (s *Stream) Bind(addr netip.AddrPort) error {
	return s.bind(addr)
}

// Listen marks a bound socket as accepting connections. A backlog below one
// uses the configured default.
func (s *Stream) Listen(backlog int) error {
	if s.lc.Closed() {
		return errors.ErrClosed
	}

	s.mu.Lock()
	switch {
	case !s.bound:
		s.mu.Unlock()
		return errors.InvalidState(errors.OpListen, "not bound")
	case s.connected:
		s.mu.Unlock()
		return errors.InvalidState(errors.OpListen, "already connected")
	}
	s.mu.Unlock()

	if backlog < 1 {
		backlog = s.cfg.ListenBacklog
	}

	fd, err := s.lc.Acquire()
	if err != nil {
		return err
	}
	err = s.os.Listen(fd, backlog)
	s.lc.Release()
	if err != nil {
		return s.fail(errors.OpListen, err)
	}

	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	return nil
}

// Connect connects to addr, waiting at most timeout (zero waits forever).
// Any failure closes the socket so the caller never holds a half-open
// handle.
func (s *Stream) Connect(addr netip.AddrPort, timeout time.Duration) error {
	if timeout < 0 {
		return errors.InvalidArgument(errors.OpConnect, timeout, "timeout must not be negative")
	}
	if !addr.IsValid() || addr.Port() == 0 {
		return errors.InvalidArgument(errors.OpConnect, addr, "invalid address %s", addr)
	}
	if s.lc.Closed() {
		return errors.ErrClosed
	}

	s.mu.Lock()
	switch {
	case s.connected:
		s.mu.Unlock()
		return errors.InvalidState(errors.OpConnect, "already connected")
	case s.listening:
		s.mu.Unlock()
		return errors.InvalidState(errors.OpConnect, "socket is listening")
	}
	s.mu.Unlock()

	err := s.connect(addr, timeout)
	if err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *Stream) connect(addr netip.AddrPort, timeout time.Duration) error {
	fd, err := s.lc.Acquire()
	if err != nil {
		return err
	}
	defer s.lc.Release()

	if err := s.os.Connect(fd, addr, timeout); err != nil {
		if s.lc.Closed() {
			return errors.ErrClosed
		}
		return errors.ConnectFailed(err)
	}
	if s.lc.Closed() {
		return errors.ErrClosed
	}

	s.refreshLocal(fd)
	s.mu.Lock()
	s.connected = true
	s.remote = addr
	s.mu.Unlock()
	return nil
}

// Accept waits for an incoming connection, bounded by the Timeout option. A
// timeout leaves the listener usable. If Close is called while Accept is
// blocked, any connection accepted in the meantime is discarded and
// ErrClosed is returned.
func (s *Stream) Accept() (*Stream, error) {
	if s.lc.Closed() {
		return nil, errors.ErrClosed
	}

	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return nil, errors.InvalidState(errors.OpAccept, "not listening")
	}

	fd, err := s.lc.Acquire()
	if err != nil {
		return nil, err
	}
	nfd, remote, err := s.os.Accept(fd, s.opts.Timeout())
	s.lc.Release()

	if err != nil {
		return nil, s.fail(errors.OpAccept, err)
	}
	if s.lc.Closed() {
		if cerr := closeNow(s.os, nfd); cerr != nil {
			s.log.Debug("discarding accepted socket", zap.Error(cerr))
		}
		return nil, errors.ErrClosed
	}

	c := newStream(s.os, Handle{fd: nfd, stream: true}, s.cfg)
	local := s.LocalAddr()
	if l, err := s.os.LocalAddr(nfd); err == nil {
		local = l
	}
	c.bound = true
	c.local = local
	c.connected = true
	c.remote = remote
	return c, nil
}

// Send writes all of p.
func (s *Stream) Send(p []byte) (int, error) {
	if s.lc.Closed() {
		return 0, errors.ErrClosed
	}

	s.mu.Lock()
	connected, shut := s.connected, s.shutWrite
	s.mu.Unlock()
	switch {
	case !connected:
		return 0, errors.InvalidState(errors.OpSend, "not connected")
	case shut:
		return 0, errors.InvalidState(errors.OpSend, "output is shut down")
	}

	fd, err := s.lc.Acquire()
	if err != nil {
		return 0, err
	}
	n, err := s.os.Send(fd, p)
	s.lc.Release()
	return n, s.fail(errors.OpSend, err)
}

// Receive reads into p, bounded by the Timeout option. It returns io.EOF at
// the end of the stream or after ShutdownInput.
//
// A reset reported while bytes may still be buffered marks the connection
// ResetPending and reads once more. Only when that read comes back empty
// does the reset become final and surface as a connection_reset error.
func (s *Stream) Receive(p []byte) (int, error) {
	if s.lc.Closed() {
		return 0, errors.ErrClosed
	}

	s.mu.Lock()
	connected, shut, eof := s.connected, s.shutRead, s.eof
	s.mu.Unlock()
	switch {
	case !connected:
		return 0, errors.InvalidState(errors.OpReceive, "not connected")
	case shut || eof:
		return 0, io.EOF
	}
	if s.reset.State() == Reset {
		return 0, errors.New(errors.OpReceive, errors.KindConnectionReset).Detail("connection reset").Build()
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := s.recv(p)
	if err == nil && n > 0 {
		return n, nil
	}
	if err != nil {
		if errors.KindOf(err) != errors.KindConnectionReset {
			return 0, err
		}
		s.reset.MarkPending()
		n, err = s.recv(p)
		if err == nil && n > 0 {
			return n, nil
		}
		if err != nil && errors.KindOf(err) != errors.KindConnectionReset {
			return 0, err
		}
	}

	if s.lc.Closed() {
		return 0, errors.ErrClosed
	}
	s.reset.Confirm()
	if s.reset.State() == Reset {
		return 0, errors.New(errors.OpReceive, errors.KindConnectionReset).Detail("connection reset").Build()
	}

	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	return 0, io.EOF
}

func (s *Stream) recv(p []byte) (int, error) {
	fd, err := s.lc.Acquire()
	if err != nil {
		return 0, err
	}
	n, err := s.os.Recv(fd, p, s.opts.Timeout())
	s.lc.Release()
	return n, s.fail(errors.OpReceive, err)
}

// Available returns the number of bytes readable without blocking. It
// returns zero once the connection is reset or input is shut down.
func (s *Stream) Available() (int, error) {
	if s.lc.Closed() {
		return 0, errors.ErrClosed
	}

	s.mu.Lock()
	shut := s.shutRead
	s.mu.Unlock()

	return s.reset.Available(shut, func() (int, error) {
		fd, err := s.lc.Acquire()
		if err != nil {
			return 0, err
		}
		n, err := s.os.Available(fd)
		s.lc.Release()
		return n, s.fail(errors.OpAvailable, err)
	})
}

// ShutdownInput disables reads. Later calls are no-ops.
func (s *Stream) ShutdownInput() error {
	return s.shutdown(sys.ShutRead)
}

// ShutdownOutput disables writes. Later calls are no-ops.
func (s *Stream) ShutdownOutput() error {
	return s.shutdown(sys.ShutWrite)
}

func (s *Stream) shutdown(how sys.ShutdownHow) error {
	if s.lc.Closed() {
		return errors.ErrClosed
	}

	s.mu.Lock()
	connected := s.connected
	latched := s.shutRead
	if how == sys.ShutWrite {
		latched = s.shutWrite
	}
	s.mu.Unlock()

	if !connected {
		return errors.InvalidState(errors.OpShutdown, "not connected")
	}
	if latched {
		return nil
	}

	fd, err := s.lc.Acquire()
	if err != nil {
		return err
	}
	err = s.os.Shutdown(fd, how)
	s.lc.Release()
	if err != nil {
		return s.fail(errors.OpShutdown, err)
	}

	s.mu.Lock()
	if how == sys.ShutRead {
		s.shutRead = true
	} else {
		s.shutWrite = true
	}
	s.mu.Unlock()
	return nil
}

// RemoteAddr returns the peer address, invalid when not connected.
func (s *Stream) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// IsConnected reports whether Connect or Accept established the connection.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsListening reports whether Listen succeeded.
func (s *Stream) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// IsInputShutdown reports whether ShutdownInput succeeded.
func (s *Stream) IsInputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutRead
}

// IsOutputShutdown reports whether ShutdownOutput succeeded.
func (s *Stream) IsOutputShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutWrite
}

// ResetState returns the connection reset state.
func (s *Stream) ResetState() ResetState {
	return s.reset.State()
}
