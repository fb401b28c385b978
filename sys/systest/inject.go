package systest

import (
	"net/netip"
	"time"

	"github.com/wippyai/netsock/sys"
)

// FailAvailable queues errors returned by the next Available calls on fd.
func (f *Fake) FailAvailable(fd sys.FD, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		s.availErrs = append(s.availErrs, errs...)
	}
}

// FailRecv queues errors returned by the next Recv or RecvFrom calls on fd.
func (f *Fake) FailRecv(fd sys.FD, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		s.recvErrs = append(s.recvErrs, errs...)
	}
}

// FailOption makes every get and set of opt on fd return err.
func (f *Fake) FailOption(fd sys.FD, opt sys.SockOpt, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		if s.optErrs == nil {
			s.optErrs = make(map[sys.SockOpt]error)
		}
		s.optErrs[opt] = err
	}
}

// FailConnect makes every Connect on fd return err.
func (f *Fake) FailConnect(fd sys.FD, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		s.connectErr = err
	}
}

// AfterAccept registers fn to run after a successful Accept has taken a
// connection from the backlog and before Accept returns. The fake's lock is
// not held while fn runs.
func (f *Fake) AfterAccept(fn func(listener, accepted sys.FD)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterAccept = fn
}

// AfterConnect registers fn to run after a successful Connect and before it
// returns. The fake's lock is not held while fn runs.
func (f *Fake) AfterConnect(fn func(fd sys.FD)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterConnect = fn
}

// Deliver appends a datagram to fd's receive queue regardless of the kernel
// peer filter. It models packets that arrived before connect.
func (f *Fake) Deliver(fd sys.FD, from netip.AddrPort, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		s.queue = append(s.queue, Datagram{From: from, Data: append([]byte(nil), data...)})
		f.cond.Broadcast()
	}
}

// Queue returns a copy of fd's pending datagrams.
func (f *Fake) Queue(fd sys.FD) []Datagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.socks[fd]
	if !ok {
		return nil
	}
	return append([]Datagram(nil), s.queue...)
}

// Open reports how many descriptors have not been closed.
func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.socks {
		if !s.closed {
			n++
		}
	}
	return n
}

// IsClosed reports whether fd has been released to the fake.
func (f *Fake) IsClosed(fd sys.FD) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.socks[fd]
	return !ok || s.closed
}

// Option returns the stored value of opt on fd.
func (f *Fake) Option(fd sys.FD, opt sys.SockOpt) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.socks[fd]; ok {
		return s.opts[opt]
	}
	return 0
}

// WaitAccepting blocks until a goroutine is parked in Accept on fd or the
// timeout expires.
func (f *Fake) WaitAccepting(fd sys.FD, timeout time.Duration) bool {
	return f.waitFor(timeout, func() bool {
		s, ok := f.socks[fd]
		return ok && s.inAccept > 0
	})
}

// WaitReceiving blocks until a goroutine is parked in Recv or RecvFrom on fd
// or the timeout expires.
func (f *Fake) WaitReceiving(fd sys.FD, timeout time.Duration) bool {
	return f.waitFor(timeout, func() bool {
		s, ok := f.socks[fd]
		return ok && s.inReceiving > 0
	})
}

func (f *Fake) waitFor(timeout time.Duration, cond func() bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer t.Stop()
	for !cond() {
		if !time.Now().Before(deadline) {
			return false
		}
		f.cond.Wait()
	}
	return true
}
