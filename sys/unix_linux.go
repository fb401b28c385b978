//go:build linux

package sys

import (
	"net/netip"
	"os"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Unix implements Sockets on top of blocking linux system calls. Sockets are
// created dual-stack (AF_INET6 with IPV6_V6ONLY off) when the host supports
// IPv6, so IPv4 addresses are carried as v4-mapped and unmapped on the way
// back out.
type Unix struct {
	mu    sync.Mutex
	files map[FD]fdInfo

	markerOnce sync.Once
	marker     int
	markerErr  error
}

type fdInfo struct {
	family int
	stream bool
}

// NewUnix creates the linux capability.
func NewUnix() *Unix {
	return &Unix{files: make(map[FD]fdInfo)}
}

func (u *Unix) info(fd FD) fdInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	if info, ok := u.files[fd]; ok {
		return info
	}
	return fdInfo{family: unix.AF_INET6}
}

func (u *Unix) track(fd FD, info fdInfo) {
	u.mu.Lock()
	u.files[fd] = info
	u.mu.Unlock()
}

func (u *Unix) Socket(stream bool) (FD, error) {
	typ, proto := unix.SOCK_DGRAM, unix.IPPROTO_UDP
	if stream {
		typ, proto = unix.SOCK_STREAM, unix.IPPROTO_TCP
	}

	family := unix.AF_INET6
	s, err := unix.Socket(family, typ|unix.SOCK_CLOEXEC, proto)
	if err == unix.EAFNOSUPPORT {
		family = unix.AF_INET
		s, err = unix.Socket(family, typ|unix.SOCK_CLOEXEC, proto)
	}
	if err != nil {
		return InvalidFD, os.NewSyscallError("socket", err)
	}

	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(s)
			return InvalidFD, os.NewSyscallError("setsockopt", err)
		}
	}

	u.track(FD(s), fdInfo{family: family, stream: stream})
	return FD(s), nil
}

func (u *Unix) sockaddr(fd FD, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	port := int(ap.Port())

	if u.info(fd).family == unix.AF_INET {
		if !addr.IsValid() {
			return &unix.SockaddrInet4{Port: port}, nil
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: port, Addr: addr.As4()}, nil
	}

	sa := &unix.SockaddrInet6{Port: port}
	// 0.0.0.0 on a dual-stack socket means the v6 wildcard, not ::ffff:0.0.0.0.
	if addr.IsValid() && !addr.IsUnspecified() {
		sa.Addr = addr.As16()
	}
	return sa, nil
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// poll waits for events on fd. It returns ErrTimedOut when timeout elapses.
func poll(fd FD, events int16, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms <= 0 {
			ms = 1
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			if !time.Now().Before(deadline) {
				return ErrTimedOut
			}
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return ErrTimedOut
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return os.NewSyscallError("poll", unix.EBADF)
		}
		return nil
	}
}

func (u *Unix) Bind(fd FD, addr netip.AddrPort) error {
	sa, err := u.sockaddr(fd, addr)
	if err != nil {
		return os.NewSyscallError("bind", err)
	}
	return os.NewSyscallError("bind", unix.Bind(int(fd), sa))
}

func (u *Unix) Listen(fd FD, backlog int) error {
	return os.NewSyscallError("listen", unix.Listen(int(fd), backlog))
}

func (u *Unix) Connect(fd FD, addr netip.AddrPort, timeout time.Duration) error {
	sa, err := u.sockaddr(fd, addr)
	if err != nil {
		return os.NewSyscallError("connect", err)
	}

	if timeout <= 0 {
		err := unix.Connect(int(fd), sa)
		if err == unix.EINTR {
			return u.finishConnect(fd, 0)
		}
		return os.NewSyscallError("connect", err)
	}

	if err := unix.SetNonblock(int(fd), true); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	defer unix.SetNonblock(int(fd), false)

	err = unix.Connect(int(fd), sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EINTR:
		return u.finishConnect(fd, timeout)
	default:
		return os.NewSyscallError("connect", err)
	}
}

func (u *Unix) finishConnect(fd FD, timeout time.Duration) error {
	if timeout > 0 {
		if err := poll(fd, unix.POLLOUT, timeout); err != nil {
			if err == ErrTimedOut {
				return os.NewSyscallError("connect", unix.ETIMEDOUT)
			}
			return err
		}
	} else {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		for {
			_, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return os.NewSyscallError("poll", err)
			}
			break
		}
	}

	soerr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soerr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soerr))
	}
	return nil
}

func (u *Unix) Disconnect(fd FD) error {
	// connect(2) with AF_UNSPEC dissolves the association; x/sys/unix has no
	// Sockaddr for it, so the zeroed raw address goes straight to the kernel.
	var sa unix.RawSockaddrInet6
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unix.SizeofSockaddrInet6)
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return os.NewSyscallError("connect", errno)
	}
	return nil
}

func (u *Unix) Accept(fd FD, timeout time.Duration) (FD, netip.AddrPort, error) {
	if timeout > 0 {
		if err := poll(fd, unix.POLLIN, timeout); err != nil {
			return InvalidFD, netip.AddrPort{}, err
		}
	}
	for {
		s, sa, err := unix.Accept4(int(fd), unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return InvalidFD, netip.AddrPort{}, os.NewSyscallError("accept", err)
		}
		info := u.info(fd)
		u.track(FD(s), fdInfo{family: info.family, stream: true})
		return FD(s), addrPortOf(sa), nil
	}
}

func (u *Unix) Send(fd FD, p []byte) (int, error) {
	if !u.info(fd).stream {
		for {
			n, err := unix.SendmsgN(int(fd), p, nil, nil, unix.MSG_NOSIGNAL)
			if err == unix.EINTR {
				continue
			}
			return n, os.NewSyscallError("sendmsg", err)
		}
	}

	var n int
	for n < len(p) {
		m, err := unix.SendmsgN(int(fd), p[n:], nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, os.NewSyscallError("sendmsg", err)
		}
		n += m
	}
	return n, nil
}

func (u *Unix) SendTo(fd FD, p []byte, to netip.AddrPort) (int, error) {
	sa, err := u.sockaddr(fd, to)
	if err != nil {
		return 0, os.NewSyscallError("sendto", err)
	}
	for {
		err := unix.Sendto(int(fd), p, unix.MSG_NOSIGNAL, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("sendto", err)
		}
		return len(p), nil
	}
}

func (u *Unix) Recv(fd FD, p []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := poll(fd, unix.POLLIN, timeout); err != nil {
			return 0, err
		}
	}
	for {
		n, err := unix.Read(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		return n, nil
	}
}

func (u *Unix) RecvFrom(fd FD, p []byte, peek bool, timeout time.Duration) (int, netip.AddrPort, error) {
	if timeout > 0 {
		if err := poll(fd, unix.POLLIN, timeout); err != nil {
			return 0, netip.AddrPort{}, err
		}
	}
	flags := 0
	if peek {
		flags = unix.MSG_PEEK
	}
	for {
		n, sa, err := unix.Recvfrom(int(fd), p, flags)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", err)
		}
		return n, addrPortOf(sa), nil
	}
}

func (u *Unix) Available(fd FD) (int, error) {
	n, err := unix.IoctlGetInt(int(fd), unix.SIOCINQ)
	if err != nil {
		return 0, os.NewSyscallError("ioctl", err)
	}
	return n, nil
}

func (u *Unix) Shutdown(fd FD, how ShutdownHow) error {
	var h int
	switch how {
	case ShutRead:
		h = unix.SHUT_RD
	case ShutWrite:
		h = unix.SHUT_WR
	default:
		h = unix.SHUT_RDWR
	}
	return os.NewSyscallError("shutdown", unix.Shutdown(int(fd), h))
}

func (u *Unix) LocalAddr(fd FD) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return addrPortOf(sa), nil
}

type optKey struct{ level, name int }

func (u *Unix) optKeys(fd FD, opt SockOpt) []optKey {
	v6 := u.info(fd).family == unix.AF_INET6
	switch opt {
	case SockOptReuseAddr:
		return []optKey{{unix.SOL_SOCKET, unix.SO_REUSEADDR}}
	case SockOptReusePort:
		return []optKey{{unix.SOL_SOCKET, unix.SO_REUSEPORT}}
	case SockOptKeepAlive:
		return []optKey{{unix.SOL_SOCKET, unix.SO_KEEPALIVE}}
	case SockOptOOBInline:
		return []optKey{{unix.SOL_SOCKET, unix.SO_OOBINLINE}}
	case SockOptBroadcast:
		return []optKey{{unix.SOL_SOCKET, unix.SO_BROADCAST}}
	case SockOptTCPNoDelay:
		return []optKey{{unix.IPPROTO_TCP, unix.TCP_NODELAY}}
	case SockOptSendBuffer:
		return []optKey{{unix.SOL_SOCKET, unix.SO_SNDBUF}}
	case SockOptReceiveBuffer:
		return []optKey{{unix.SOL_SOCKET, unix.SO_RCVBUF}}
	case SockOptTOS:
		if v6 {
			// The first key is the one read back; IPv4 traffic on a
			// dual-stack socket still honors IP_TOS.
			return []optKey{{unix.IPPROTO_IPV6, unix.IPV6_TCLASS}, {unix.IPPROTO_IP, unix.IP_TOS}}
		}
		return []optKey{{unix.IPPROTO_IP, unix.IP_TOS}}
	case SockOptTTL:
		if v6 {
			return []optKey{{unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS}, {unix.IPPROTO_IP, unix.IP_TTL}}
		}
		return []optKey{{unix.IPPROTO_IP, unix.IP_TTL}}
	}
	return nil
}

func (u *Unix) SetOption(fd FD, opt SockOpt, value int) error {
	if opt == SockOptLinger {
		l := &unix.Linger{}
		if value >= 0 {
			l.Onoff = 1
			l.Linger = int32(value)
		}
		return os.NewSyscallError("setsockopt", unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, l))
	}

	keys := u.optKeys(fd, opt)
	if len(keys) == 0 {
		return os.NewSyscallError("setsockopt", unix.ENOPROTOOPT)
	}
	var err error
	for i, k := range keys {
		serr := unix.SetsockoptInt(int(fd), k.level, k.name, value)
		if i == 0 {
			err = serr
		}
	}
	return os.NewSyscallError("setsockopt", err)
}

func (u *Unix) GetOption(fd FD, opt SockOpt) (int, error) {
	if opt == SockOptLinger {
		l, err := unix.GetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER)
		if err != nil {
			return 0, os.NewSyscallError("getsockopt", err)
		}
		if l.Onoff == 0 {
			return -1, nil
		}
		return int(l.Linger), nil
	}

	keys := u.optKeys(fd, opt)
	if len(keys) == 0 {
		return 0, os.NewSyscallError("getsockopt", unix.ENOPROTOOPT)
	}
	v, err := unix.GetsockoptInt(int(fd), keys[0].level, keys[0].name)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return v, nil
}

// markerFD returns a socket whose peer is gone: reads report EOF and writes
// fail. Duplicating it over a live descriptor detaches that descriptor from
// every blocking call without freeing its number.
func (u *Unix) markerFD() (int, error) {
	u.markerOnce.Do(func() {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			u.markerErr = os.NewSyscallError("socketpair", err)
			return
		}
		_ = unix.Shutdown(fds[0], unix.SHUT_RDWR)
		_ = unix.Close(fds[1])
		u.marker = fds[0]
	})
	return u.marker, u.markerErr
}

func (u *Unix) PreClose(fd FD) error {
	// shutdown wakes threads parked in accept/recv/poll on the old file; the
	// dup makes anything that reaches the descriptor afterwards fail fast.
	err := unix.Shutdown(int(fd), unix.SHUT_RDWR)
	if err == unix.ENOTCONN {
		err = nil
	}
	err = os.NewSyscallError("shutdown", err)

	marker, merr := u.markerFD()
	if merr != nil {
		return multierr.Append(err, merr)
	}
	return multierr.Append(err, os.NewSyscallError("dup3", unix.Dup3(marker, int(fd), unix.O_CLOEXEC)))
}

func (u *Unix) Close(fd FD) error {
	u.mu.Lock()
	delete(u.files, fd)
	u.mu.Unlock()
	return os.NewSyscallError("close", unix.Close(int(fd)))
}

var _ Sockets = (*Unix)(nil)
