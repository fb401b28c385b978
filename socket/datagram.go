package socket

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// ConnState is the connect state of a datagram socket.
type ConnState uint8

const (
	NotConnected ConnState = iota
	// Connected means the kernel filters peers.
	Connected
	// ConnectedNoImpl means the association exists only in this layer and
	// every receive filters peers itself.
	ConnectedNoImpl
)

func (s ConnState) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connected:
		return "connected"
	case ConnectedNoImpl:
		return "connected-no-impl"
	}
	return "unknown"
}

// discardSize is the scratch buffer used to drop foreign datagrams.
const discardSize = 1024

// Datagram is the controller of a UDP socket, including the receive-time
// filter used while a connected socket may still hold datagrams from other
// senders.
type Datagram struct {
	core

	// guarded by core.mu
	state     ConnState
	peer      netip.AddrPort
	filter    bool
	bytesLeft int
	gen       uint64

	// recvMu serializes receivers so the peek and the read that follows
	// see the same datagram.
	recvMu  sync.Mutex
	peek    [1]byte
	scratch []byte
}

// NewDatagram creates an unbound datagram socket.
func NewDatagram(os sys.Sockets, cfg Config) (*Datagram, error) {
	h, err := Create(os, false)
	if err != nil {
		return nil, err
	}
	cfg = cfg.normalize()
	d := &Datagram{}
	d.init(os, h, cfg)
	return d, nil
}

// Bind assigns the local address. Rebinding is rejected.
func (d *Datagram) Bind(addr netip.AddrPort) error {
	return d.bind(addr)
}

// Connect associates the socket with addr. The socket is bound to the
// wildcard address first if needed.
//
// When the kernel accepts the association, datagrams from other senders may
// already be queued. If any bytes are pending the socket filters explicitly,
// with a budget equal to the receive buffer size, until the budget is spent
// or the queue drains. When the kernel refuses, or native connect is disabled
// by configuration, the association is emulated and every receive filters.
// Neither case is an error. The peer is recorded either way.
func (d *Datagram) Connect(addr netip.AddrPort) error {
	if !addr.IsValid() || addr.Port() == 0 {
		return errors.InvalidArgument(errors.OpConnect, addr, "invalid address %s", addr)
	}
	if d.lc.Closed() {
		return errors.ErrClosed
	}
	if err := d.ensureBound(); err != nil {
		return err
	}

	state, filter, budget := ConnectedNoImpl, false, 0
	if !d.cfg.NativeConnectDisabled {
		var err error
		state, filter, budget, err = d.connectKernel(addr)
		if err != nil {
			return err
		}
	}
	if state == ConnectedNoImpl {
		d.cfg.Recorder.ConnectFallback()
	}

	d.mu.Lock()
	d.state = state
	d.peer = addr
	d.filter = filter
	d.bytesLeft = budget
	d.gen++
	d.mu.Unlock()
	return nil
}

func (d *Datagram) connectKernel(addr netip.AddrPort) (ConnState, bool, int, error) {
	fd, err := d.lc.Acquire()
	if err != nil {
		return NotConnected, false, 0, err
	}
	defer d.lc.Release()

	if err := d.os.Connect(fd, addr, 0); err != nil {
		if d.lc.Closed() {
			return NotConnected, false, 0, errors.ErrClosed
		}
		d.log.Debug("kernel connect failed, emulating", zap.Stringer("peer", addr), zap.Error(err))
		return ConnectedNoImpl, false, 0, nil
	}
	d.refreshLocal(fd)

	pending, err := d.os.Available(fd)
	if err != nil {
		d.log.Debug("pending bytes unknown after connect, emulating", zap.Error(err))
		d.undoKernelConnect(fd)
		return ConnectedNoImpl, false, 0, nil
	}
	if pending == 0 {
		return Connected, false, 0, nil
	}

	budget, err := d.os.GetOption(fd, sys.SockOptReceiveBuffer)
	if err != nil {
		d.log.Debug("receive buffer size unknown after connect, emulating", zap.Error(err))
		d.undoKernelConnect(fd)
		return ConnectedNoImpl, false, 0, nil
	}
	return Connected, true, budget, nil
}

// undoKernelConnect keeps the kernel in step with an emulated association,
// since Disconnect only reaches the kernel from Connected.
func (d *Datagram) undoKernelConnect(fd sys.FD) {
	if err := d.os.Disconnect(fd); err != nil {
		d.log.Debug("kernel disconnect failed", zap.Error(err))
	}
}

// Disconnect dissolves the association. Only a kernel-level association
// reaches the OS.
func (d *Datagram) Disconnect() error {
	if d.lc.Closed() {
		return errors.ErrClosed
	}

	d.mu.Lock()
	state := d.state
	d.state = NotConnected
	d.peer = netip.AddrPort{}
	d.filter = false
	d.bytesLeft = 0
	d.gen++
	d.mu.Unlock()

	if state != Connected {
		return nil
	}

	fd, err := d.lc.Acquire()
	if err != nil {
		return err
	}
	err = d.os.Disconnect(fd)
	d.lc.Release()
	return d.fail(errors.OpDisconnect, err)
}

// Send transmits p. A connected socket fills in its peer when to is the
// zero value and rejects any other destination without touching the OS. An
// unconnected socket requires to.
func (d *Datagram) Send(p []byte, to netip.AddrPort) error {
	if d.lc.Closed() {
		return errors.ErrClosed
	}

	d.mu.Lock()
	state, peer := d.state, d.peer
	d.mu.Unlock()

	switch {
	case state != NotConnected && !to.IsValid():
		to = peer
	case state != NotConnected && !sameAddr(to, peer):
		return errors.InvalidArgument(errors.OpSend, to, "connected to %s, cannot send to %s", peer, to)
	case !to.IsValid():
		return errors.InvalidArgument(errors.OpSend, to, "destination required")
	}

	if err := d.ensureBound(); err != nil {
		return err
	}

	fd, err := d.lc.Acquire()
	if err != nil {
		return err
	}
	if state == Connected {
		_, err = d.os.Send(fd, p)
	} else {
		_, err = d.os.SendTo(fd, p, to)
	}
	d.lc.Release()
	return d.fail(errors.OpSend, err)
}

// Receive reads one datagram into p, truncating it when p is short, and
// returns its length and sender. It is bounded by the Timeout option.
//
// While the association is emulated, or explicit filtering is active,
// datagrams from senders other than the peer are peeked and discarded.
// Every datagram consumed under explicit filtering is charged against the
// budget, and filtering stops once the budget is spent or nothing more is
// queued.
func (d *Datagram) Receive(p []byte) (int, netip.AddrPort, error) {
	if d.lc.Closed() {
		return 0, netip.AddrPort{}, errors.ErrClosed
	}
	if err := d.ensureBound(); err != nil {
		return 0, netip.AddrPort{}, err
	}

	d.recvMu.Lock()
	defer d.recvMu.Unlock()

	timeout := d.opts.Timeout()
	discarded := false
	for {
		d.mu.Lock()
		state, peer, filter, gen := d.state, d.peer, d.filter, d.gen
		d.mu.Unlock()

		if state != ConnectedNoImpl && !filter {
			break
		}

		_, from, err := d.recvFrom(d.peek[:], true, timeout)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		if sameAddr(from, peer) {
			break
		}

		if d.scratch == nil {
			d.scratch = make([]byte, discardSize)
		}
		n, from, err := d.recvFrom(d.scratch, false, timeout)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		discarded = true
		d.cfg.Recorder.DatagramFiltered(n)
		d.log.Debug("filtered datagram", zap.Stringer("from", from), zap.Int("bytes", n))

		if filter && d.charge(gen, n) {
			break
		}
	}

	n, from, err := d.recvFrom(p, false, timeout)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	if !discarded {
		d.mu.Lock()
		filter, gen := d.filter, d.gen
		d.mu.Unlock()
		if filter {
			d.charge(gen, n)
		}
	}
	return n, from, nil
}

// charge subtracts n from the filter budget and ends filtering once the
// budget is spent or the queue is empty. It reports whether filtering ended.
// A connect or disconnect since gen was sampled leaves the state alone.
func (d *Datagram) charge(gen uint64, n int) bool {
	pending, err := d.available()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gen != gen || !d.filter {
		return true
	}
	d.bytesLeft -= n
	if d.bytesLeft <= 0 || err != nil || pending <= 0 {
		d.filter = false
		d.log.Debug("explicit filter off", zap.Int("bytes_left", d.bytesLeft))
		return true
	}
	return false
}

func (d *Datagram) recvFrom(p []byte, peek bool, timeout time.Duration) (int, netip.AddrPort, error) {
	fd, err := d.lc.Acquire()
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	n, from, err := d.os.RecvFrom(fd, p, peek, timeout)
	d.lc.Release()
	if err != nil {
		return 0, netip.AddrPort{}, d.fail(errors.OpReceive, err)
	}
	if d.lc.Closed() {
		return 0, netip.AddrPort{}, errors.ErrClosed
	}
	return n, from, nil
}

func (d *Datagram) available() (int, error) {
	fd, err := d.lc.Acquire()
	if err != nil {
		return 0, err
	}
	n, err := d.os.Available(fd)
	d.lc.Release()
	return n, d.fail(errors.OpAvailable, err)
}

// Available returns the size of the next queued datagram, zero when none.
func (d *Datagram) Available() (int, error) {
	if d.lc.Closed() {
		return 0, errors.ErrClosed
	}
	return d.available()
}

// State returns the connect state.
func (d *Datagram) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Peer returns the connected peer, invalid when not connected.
func (d *Datagram) Peer() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// FilterState reports whether explicit filtering is active and the
// remaining byte budget.
func (d *Datagram) FilterState() (active bool, bytesLeft int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter, d.bytesLeft
}

func sameAddr(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}
