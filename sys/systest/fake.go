// Package systest provides an instrumented in-memory implementation of
// sys.Sockets for exercising the socket core without touching the kernel.
//
// The fake routes datagrams between its own sockets, connects streams to
// its own listeners, counts every call that reaches it, and lets tests
// inject failures per descriptor. Blocking calls park on a condition
// variable and are released by data arrival, timeout, or PreClose.
package systest

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/netsock/sys"
)

// Loopback is the address the fake reports for sockets bound to a wildcard.
var Loopback = netip.MustParseAddr("127.0.0.1")

// DefaultReceiveBuffer is the SO_RCVBUF every fake socket starts with.
const DefaultReceiveBuffer = 8192

// Datagram is a queued packet.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// Stats counts calls that reached the fake.
type Stats struct {
	Socket     int
	Bind       int
	Connect    int
	Disconnect int
	Accept     int
	Send       int
	Recv       int
	Peek       int
	Available  int
	SetOption  int
	GetOption  int
	Shutdown   int
	PreClose   int
	Close      int
}

type socket struct {
	fd        sys.FD
	stream    bool
	local     netip.AddrPort
	peer      netip.AddrPort
	bound     bool
	listening bool
	connected bool
	preclosed bool
	closed    bool
	shutRead  bool
	shutWrite bool
	peerGone  bool

	queue   []Datagram
	data    []byte
	backlog []sys.FD
	remote  *socket
	opts    map[sys.SockOpt]int

	availErrs   []error
	recvErrs    []error
	connectErr  error
	optErrs     map[sys.SockOpt]error
	inAccept    int
	inReceiving int
}

// Fake implements sys.Sockets in memory.
type Fake struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nextFD   sys.FD
	nextPort uint16
	socks    map[sys.FD]*socket
	stats    Stats

	// DatagramConnectErr, when set, makes every datagram Connect fail the
	// way a stack without connected UDP support would.
	DatagramConnectErr error

	afterAccept  func(listener, accepted sys.FD)
	afterConnect func(fd sys.FD)
}

// New creates an empty fake.
func New() *Fake {
	f := &Fake{
		nextFD:   3,
		nextPort: 40000,
		socks:    make(map[sys.FD]*socket),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Stats returns a snapshot of the call counters.
func (f *Fake) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Fake) lookup(fd sys.FD) (*socket, error) {
	s, ok := f.socks[fd]
	if !ok || s.closed {
		return nil, unix.EBADF
	}
	return s, nil
}

// wait blocks until ready reports true, the deadline passes, or the socket
// is pre-closed. Called with f.mu held.
func (f *Fake) wait(s *socket, timeout time.Duration, ready func() bool) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		t := time.AfterFunc(timeout, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		})
		defer t.Stop()
	}
	for !ready() && !s.preclosed {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return sys.ErrTimedOut
		}
		f.cond.Wait()
	}
	return nil
}

func (f *Fake) Socket(stream bool) (sys.FD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Socket++
	fd := f.nextFD
	f.nextFD++
	f.socks[fd] = &socket{
		fd:     fd,
		stream: stream,
		opts:   map[sys.SockOpt]int{sys.SockOptReceiveBuffer: DefaultReceiveBuffer, sys.SockOptSendBuffer: DefaultReceiveBuffer, sys.SockOptLinger: -1},
	}
	return fd, nil
}

func (f *Fake) Bind(fd sys.FD, addr netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Bind++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	if s.bound {
		return unix.EINVAL
	}
	a := addr.Addr()
	if !a.IsValid() || a.IsUnspecified() {
		a = Loopback
	}
	port := addr.Port()
	if port == 0 {
		f.nextPort++
		port = f.nextPort
	}
	local := netip.AddrPortFrom(a, port)
	if f.boundAt(local, s.stream) != nil {
		return unix.EADDRINUSE
	}
	s.local = local
	s.bound = true
	return nil
}

func (f *Fake) boundAt(addr netip.AddrPort, stream bool) *socket {
	for _, s := range f.socks {
		if s.closed || !s.bound || s.stream != stream {
			continue
		}
		if s.local == addr {
			return s
		}
	}
	return nil
}

func (f *Fake) Listen(fd sys.FD, backlog int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	if !s.bound {
		return unix.EINVAL
	}
	s.listening = true
	return nil
}

func (f *Fake) autoBind(s *socket) {
	if !s.bound {
		f.nextPort++
		s.local = netip.AddrPortFrom(Loopback, f.nextPort)
		s.bound = true
	}
}

func (f *Fake) Connect(fd sys.FD, addr netip.AddrPort, timeout time.Duration) error {
	if err := f.connect(fd, addr); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.afterConnect
	f.mu.Unlock()
	if hook != nil {
		hook(fd)
	}
	return nil
}

func (f *Fake) connect(fd sys.FD, addr netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Connect++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	if s.connectErr != nil {
		return s.connectErr
	}

	if !s.stream {
		if f.DatagramConnectErr != nil {
			return f.DatagramConnectErr
		}
		f.autoBind(s)
		s.peer = addr
		s.connected = true
		return nil
	}

	l := f.boundAt(addr, true)
	if l == nil || !l.listening {
		return unix.ECONNREFUSED
	}
	f.autoBind(s)

	f.stats.Socket++
	afd := f.nextFD
	f.nextFD++
	server := &socket{
		fd:        afd,
		stream:    true,
		local:     l.local,
		peer:      s.local,
		bound:     true,
		connected: true,
		remote:    s,
		opts:      map[sys.SockOpt]int{sys.SockOptReceiveBuffer: DefaultReceiveBuffer, sys.SockOptSendBuffer: DefaultReceiveBuffer, sys.SockOptLinger: -1},
	}
	f.socks[afd] = server
	s.remote = server
	s.peer = addr
	s.connected = true
	l.backlog = append(l.backlog, afd)
	f.cond.Broadcast()
	return nil
}

func (f *Fake) Disconnect(fd sys.FD) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Disconnect++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	s.peer = netip.AddrPort{}
	s.connected = false
	return nil
}

func (f *Fake) Accept(fd sys.FD, timeout time.Duration) (sys.FD, netip.AddrPort, error) {
	afd, from, err := f.accept(fd, timeout)
	if err != nil {
		return afd, from, err
	}
	f.mu.Lock()
	hook := f.afterAccept
	f.mu.Unlock()
	if hook != nil {
		hook(fd, afd)
	}
	return afd, from, nil
}

func (f *Fake) accept(fd sys.FD, timeout time.Duration) (sys.FD, netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Accept++
	s, err := f.lookup(fd)
	if err != nil {
		return sys.InvalidFD, netip.AddrPort{}, err
	}
	if !s.listening {
		return sys.InvalidFD, netip.AddrPort{}, unix.EINVAL
	}

	s.inAccept++
	f.cond.Broadcast()
	err = f.wait(s, timeout, func() bool { return len(s.backlog) > 0 })
	s.inAccept--
	if err != nil {
		return sys.InvalidFD, netip.AddrPort{}, err
	}
	if s.preclosed {
		return sys.InvalidFD, netip.AddrPort{}, unix.EINVAL
	}

	afd := s.backlog[0]
	s.backlog = s.backlog[1:]
	return afd, f.socks[afd].peer, nil
}

func (f *Fake) Send(fd sys.FD, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Send++
	s, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}
	if s.preclosed || s.shutWrite {
		return 0, unix.EPIPE
	}
	if !s.connected {
		return 0, unix.ENOTCONN
	}
	if !s.stream {
		f.route(s, s.peer, p)
		return len(p), nil
	}
	if s.remote == nil || s.remote.closed {
		return 0, unix.ECONNRESET
	}
	s.remote.data = append(s.remote.data, p...)
	f.cond.Broadcast()
	return len(p), nil
}

func (f *Fake) SendTo(fd sys.FD, p []byte, to netip.AddrPort) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Send++
	s, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}
	if s.preclosed {
		return 0, unix.EPIPE
	}
	f.autoBind(s)
	f.route(s, to, p)
	return len(p), nil
}

// route delivers a datagram the way the kernel would: to the socket bound at
// the destination, dropped when that socket is connected to someone else.
func (f *Fake) route(from *socket, to netip.AddrPort, p []byte) {
	dst := f.boundAt(to, false)
	if dst == nil {
		return
	}
	if dst.connected && dst.peer != from.local {
		return
	}
	dst.queue = append(dst.queue, Datagram{From: from.local, Data: append([]byte(nil), p...)})
	f.cond.Broadcast()
}

func (f *Fake) Recv(fd sys.FD, p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Recv++
	s, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}
	if len(s.recvErrs) > 0 {
		err := s.recvErrs[0]
		s.recvErrs = s.recvErrs[1:]
		return 0, err
	}

	s.inReceiving++
	f.cond.Broadcast()
	err = f.wait(s, timeout, func() bool {
		return len(s.data) > 0 || s.shutRead || s.peerGone || (s.remote != nil && (s.remote.closed || s.remote.shutWrite))
	})
	s.inReceiving--
	if err != nil {
		return 0, err
	}
	if s.preclosed || s.shutRead {
		return 0, nil
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (f *Fake) RecvFrom(fd sys.FD, p []byte, peek bool, timeout time.Duration) (int, netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if peek {
		f.stats.Peek++
	} else {
		f.stats.Recv++
	}
	s, err := f.lookup(fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if len(s.recvErrs) > 0 {
		err := s.recvErrs[0]
		s.recvErrs = s.recvErrs[1:]
		return 0, netip.AddrPort{}, err
	}

	s.inReceiving++
	f.cond.Broadcast()
	err = f.wait(s, timeout, func() bool { return len(s.queue) > 0 })
	s.inReceiving--
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if s.preclosed {
		return 0, netip.AddrPort{}, nil
	}

	d := s.queue[0]
	if !peek {
		s.queue = s.queue[1:]
	}
	return copy(p, d.Data), d.From, nil
}

func (f *Fake) Available(fd sys.FD) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Available++
	s, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}
	if len(s.availErrs) > 0 {
		err := s.availErrs[0]
		s.availErrs = s.availErrs[1:]
		return 0, err
	}
	if s.stream {
		return len(s.data), nil
	}
	if len(s.queue) == 0 {
		return 0, nil
	}
	return len(s.queue[0].Data), nil
}

func (f *Fake) Shutdown(fd sys.FD, how sys.ShutdownHow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Shutdown++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	if how == sys.ShutRead || how == sys.ShutBoth {
		s.shutRead = true
	}
	if how == sys.ShutWrite || how == sys.ShutBoth {
		s.shutWrite = true
	}
	f.cond.Broadcast()
	return nil
}

func (f *Fake) LocalAddr(fd sys.FD) (netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.lookup(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return s.local, nil
}

func (f *Fake) SetOption(fd sys.FD, opt sys.SockOpt, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.SetOption++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	if err := s.optErrs[opt]; err != nil {
		return err
	}
	s.opts[opt] = value
	return nil
}

func (f *Fake) GetOption(fd sys.FD, opt sys.SockOpt) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.GetOption++
	s, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}
	if err := s.optErrs[opt]; err != nil {
		return 0, err
	}
	return s.opts[opt], nil
}

func (f *Fake) PreClose(fd sys.FD) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.PreClose++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	s.preclosed = true
	if s.remote != nil {
		s.remote.peerGone = true
	}
	f.cond.Broadcast()
	return nil
}

func (f *Fake) Close(fd sys.FD) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Close++
	s, err := f.lookup(fd)
	if err != nil {
		return err
	}
	s.closed = true
	s.bound = false
	if s.remote != nil {
		s.remote.peerGone = true
	}
	f.cond.Broadcast()
	return nil
}

var _ sys.Sockets = (*Fake)(nil)
