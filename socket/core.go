package socket

import (
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// wildcard is the address used for implicit binds.
var wildcard = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// core is the part shared by both controllers: the lifecycle, the option
// registry and the bind state guarded by the connection lock.
type core struct {
	os   sys.Sockets
	cfg  Config
	log  *zap.Logger
	lc   *FdLifecycle
	opts *Options

	mu      sync.Mutex
	bound   bool
	binding bool
	local   netip.AddrPort
}

func (c *core) init(os sys.Sockets, h Handle, cfg Config) {
	c.os = os
	c.cfg = cfg
	c.log = cfg.Logger.With(zap.String("kind", string(h.Kind())), zap.Int("fd", int(h.fd)))
	c.lc = NewFdLifecycle(os, h, cfg)
	c.opts = newOptions(os, c.lc, h.stream, cfg.DefaultTimeout)
	cfg.Recorder.SocketOpened(h.Kind())
}

// fail translates an OS error. Anything that fails while a close is pending
// lost the race to Close and reports ErrClosed.
func (c *core) fail(op errors.Op, err error) error {
	if err == nil {
		return nil
	}
	if c.lc.Closed() {
		return errors.ErrClosed
	}
	return errors.FromOS(op, err)
}

// bind reserves the bind under the connection lock, performs it without the
// lock held, then publishes the result.
func (c *core) bind(addr netip.AddrPort) error {
	if c.lc.Closed() {
		return errors.ErrClosed
	}

	c.mu.Lock()
	if c.bound || c.binding {
		c.mu.Unlock()
		return errors.InvalidState(errors.OpBind, "already bound")
	}
	c.binding = true
	c.mu.Unlock()

	local, err := c.bindOS(addr)

	c.mu.Lock()
	c.binding = false
	if err == nil {
		c.bound = true
		c.local = local
	}
	c.mu.Unlock()
	return err
}

func (c *core) bindOS(addr netip.AddrPort) (netip.AddrPort, error) {
	fd, err := c.lc.Acquire()
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer c.lc.Release()

	if err := c.os.Bind(fd, addr); err != nil {
		return netip.AddrPort{}, c.fail(errors.OpBind, err)
	}
	local, err := c.os.LocalAddr(fd)
	if err != nil {
		return addr, nil
	}
	return local, nil
}

// ensureBound binds to the wildcard address unless a bind already happened
// or is in progress.
func (c *core) ensureBound() error {
	c.mu.Lock()
	done := c.bound || c.binding
	c.mu.Unlock()
	if done {
		return nil
	}

	err := c.bind(wildcard)
	if errors.KindOf(err) == errors.KindInvalidState {
		return nil
	}
	return err
}

// refreshLocal records the kernel-chosen local address after an implicit bind.
func (c *core) refreshLocal(fd sys.FD) {
	local, err := c.os.LocalAddr(fd)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.bound = true
	c.local = local
	c.mu.Unlock()
}

// LocalAddr returns the bound address, invalid when unbound.
func (c *core) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// IsBound reports whether the socket has a local address.
func (c *core) IsBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// IsClosed reports whether Close has been called.
func (c *core) IsClosed() bool {
	return c.lc.Closed()
}

// Handle returns a copy of the socket's handle.
func (c *core) Handle() Handle {
	return c.lc.Handle()
}

// SetOption validates and applies a socket option.
func (c *core) SetOption(opt Option, value any) error {
	return c.opts.Set(opt, value)
}

// GetOption reads a socket option.
func (c *core) GetOption(opt Option) (any, error) {
	return c.opts.Get(opt)
}

// Close closes the socket. It is idempotent and never fails.
func (c *core) Close() {
	if c.lc != nil {
		c.lc.Close()
	}
}
