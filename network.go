package netsock

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/resource"
	"github.com/wippyai/netsock/socket"
	"github.com/wippyai/netsock/sys"
)

// Resource kinds used in the socket table.
const (
	KindSocket   = "socket"
	KindServer   = "server"
	KindDatagram = "datagram"
)

// Options configures a Network.
type Options struct {
	// Config is passed to every socket the Network creates.
	Config socket.Config

	// Observer, when set, receives table events for every socket.
	Observer resource.Observer

	// Resolver is used by Resolve. Nil means net.DefaultResolver.
	Resolver *net.Resolver

	// LeakDetection logs sockets still open at Close as warnings.
	LeakDetection bool
}

// Network creates sockets on one sys.Sockets implementation and tracks the
// ones that are still open.
type Network struct {
	os       sys.Sockets
	cfg      socket.Config
	log      *zap.Logger
	table    *resource.Table
	resolver *net.Resolver
}

// NewNetwork creates a Network on top of os.
func NewNetwork(os sys.Sockets, opts Options) *Network {
	log := opts.Config.Logger
	if log == nil {
		log = zap.NewNop()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	n := &Network{
		os:       os,
		cfg:      opts.Config,
		log:      log,
		table:    resource.NewTable(),
		resolver: resolver,
	}
	if opts.Observer != nil {
		n.table.Subscribe(opts.Observer)
	}
	if opts.LeakDetection {
		n.table.Subscribe(resource.ObserverFunc(n.reportLeak))
	}
	return n
}

func (n *Network) reportLeak(e resource.Event) {
	if e.Type != resource.EventLeaked {
		return
	}
	fields := []zap.Field{zap.String("kind", e.Kind), zap.Uint32("handle", uint32(e.Handle))}
	if a, ok := e.Value.(interface{ LocalAddr() netip.AddrPort }); ok {
		fields = append(fields, zap.Stringer("local", a.LocalAddr()))
	}
	n.log.Warn("socket leaked", fields...)
}

// register adds c to the table. It closes c and fails when the Network is
// already closed.
func (n *Network) register(kind string, c resource.Closer) (resource.Handle, error) {
	h := n.table.Register(kind, c)
	if h == 0 {
		c.Close()
		return 0, errors.ErrClosed
	}
	return h, nil
}

// Live returns the number of open sockets.
func (n *Network) Live() int {
	return n.table.Len()
}

// Close closes every socket still open. The returned error lists them; it
// is nil when every socket was closed by its owner.
func (n *Network) Close() error {
	var err error
	for _, e := range n.table.Close() {
		err = multierr.Append(err, fmt.Errorf("%s socket %d leaked", e.Kind, e.Handle))
	}
	return err
}

// Resolve looks up the addresses of host. Literal addresses are returned
// without a lookup. IPv4-mapped results are unmapped.
func (n *Network) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	addrs, err := n.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// ResolveAddrPort resolves a host:port string to its first address.
func (n *Network) ResolveAddrPort(ctx context.Context, hostport string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := n.resolver.LookupPort(ctx, "tcp", portStr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addrs, err := n.Resolve(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}
	return netip.AddrPortFrom(addrs[0], uint16(port)), nil
}

// closeOnDone closes c when ctx is done. The returned stop reports whether
// the close was prevented.
func closeOnDone(ctx context.Context, c resource.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, c.Close)
}

// ctxErr prefers the context error over the error a close-on-cancel caused.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && err != nil {
		return cerr
	}
	return err
}
