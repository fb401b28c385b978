package netsock

import (
	"context"
	"net/netip"
	"time"

	"github.com/wippyai/netsock/resource"
	"github.com/wippyai/netsock/socket"
)

// DatagramSocket is a UDP socket.
type DatagramSocket struct {
	nw     *Network
	d      *socket.Datagram
	handle resource.Handle
}

// ListenDatagram creates a datagram socket bound to addr. The zero address
// leaves it unbound until the first Connect, Send or ReceiveFrom, which
// bind it to the wildcard address.
func (n *Network) ListenDatagram(addr netip.AddrPort) (*DatagramSocket, error) {
	d, err := socket.NewDatagram(n.os, n.cfg)
	if err != nil {
		return nil, err
	}
	h, err := n.register(KindDatagram, d)
	if err != nil {
		return nil, err
	}
	ds := &DatagramSocket{nw: n, d: d, handle: h}

	if addr.IsValid() {
		if err := d.Bind(addr); err != nil {
			ds.Close()
			return nil, err
		}
	}
	return ds, nil
}

// Connect restricts the socket to peer. Datagrams from other senders are
// never returned by ReceiveFrom afterwards, whether or not the kernel
// supports the association.
func (s *DatagramSocket) Connect(peer netip.AddrPort) error { return s.d.Connect(peer) }

// Disconnect removes the association.
func (s *DatagramSocket) Disconnect() error { return s.d.Disconnect() }

// Write sends p to the connected peer.
func (s *DatagramSocket) Write(p []byte) (int, error) {
	if err := s.d.Send(p, netip.AddrPort{}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendTo sends p to to. A connected socket only accepts its peer.
func (s *DatagramSocket) SendTo(p []byte, to netip.AddrPort) error { return s.d.Send(p, to) }

// ReceiveFrom reads one datagram into p, truncating it when p is short.
func (s *DatagramSocket) ReceiveFrom(p []byte) (int, netip.AddrPort, error) {
	return s.d.Receive(p)
}

// ReceiveContext is like ReceiveFrom but closes the socket when ctx is
// done first.
func (s *DatagramSocket) ReceiveContext(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	if err := ctx.Err(); err != nil {
		return 0, netip.AddrPort{}, err
	}
	stop := closeOnDone(ctx, s.d)
	n, from, err := s.d.Receive(p)
	stop()
	return n, from, ctxErr(ctx, err)
}

// Read implements io.Reader on top of ReceiveFrom.
func (s *DatagramSocket) Read(p []byte) (int, error) {
	n, _, err := s.d.Receive(p)
	return n, err
}

// Available returns the size of the next queued datagram.
func (s *DatagramSocket) Available() (int, error) { return s.d.Available() }

func (s *DatagramSocket) State() socket.ConnState { return s.d.State() }

// Peer returns the connected peer, the zero value when not connected.
func (s *DatagramSocket) Peer() netip.AddrPort { return s.d.Peer() }

func (s *DatagramSocket) LocalAddr() netip.AddrPort { return s.d.LocalAddr() }

// SetTimeout bounds ReceiveFrom. Zero waits forever.
func (s *DatagramSocket) SetTimeout(d time.Duration) error {
	return s.d.SetOption(socket.Timeout, d)
}

func (s *DatagramSocket) SetOption(opt socket.Option, value any) error {
	return s.d.SetOption(opt, value)
}

func (s *DatagramSocket) GetOption(opt socket.Option) (any, error) { return s.d.GetOption(opt) }

// Close closes the socket. Blocked receivers return errors.ErrClosed.
func (s *DatagramSocket) Close() error {
	s.nw.table.Release(s.handle)
	s.d.Close()
	return nil
}
