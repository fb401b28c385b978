package socket

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// FdLifecycle reference-counts the users of a Handle and runs the two-phase
// close. All state lives under the fd lock.
//
// useCount counts in-flight operations. Close on a busy socket pre-closes the
// descriptor, which wakes every blocked call, and decrements useCount once on
// behalf of the closer; the Release that then drives the count to -1
// performs the OS close. The descriptor number therefore stays reserved until
// no goroutine can still pass it to the kernel.
type FdLifecycle struct {
	os  sys.Sockets
	log *zap.Logger
	rec Recorder

	mu           sync.Mutex
	h            Handle
	useCount     int
	closePending bool
}

// NewFdLifecycle takes ownership of h.
func NewFdLifecycle(os sys.Sockets, h Handle, cfg Config) *FdLifecycle {
	cfg = cfg.normalize()
	return &FdLifecycle{
		os:  os,
		log: cfg.Logger,
		rec: cfg.Recorder,
		h:   h,
	}
}

// Acquire registers an in-flight operation and returns the descriptor. It
// fails with errors.ErrClosed once a close has been requested. Every
// successful Acquire must be paired with exactly one Release.
func (l *FdLifecycle) Acquire() (sys.FD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closePending {
		return sys.InvalidFD, errors.ErrClosed
	}
	l.useCount++
	return l.h.fd, nil
}

// Release ends an operation started by Acquire.
func (l *FdLifecycle) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.useCount--
	if l.useCount == -1 {
		if err := l.closeLocked(true); err != nil {
			l.log.Debug("deferred close failed", zap.Error(err))
		}
	}
}

// Close requests the close of the socket. It is idempotent and never fails:
// OS errors are logged and swallowed since the handle ends up invalid either
// way.
func (l *FdLifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closePending {
		return
	}
	l.closePending = true

	if !l.h.IsValid() {
		return
	}

	if l.useCount == 0 {
		l.useCount = -1
		fd := l.h.fd
		err := multierr.Append(l.os.PreClose(fd), l.closeLocked(false))
		if err != nil {
			l.log.Debug("close failed", zap.Int("fd", int(fd)), zap.Error(err))
		}
		return
	}

	l.useCount--
	if err := l.os.PreClose(l.h.fd); err != nil {
		l.log.Debug("pre-close failed", zap.Int("fd", int(l.h.fd)), zap.Error(err))
	}
	l.log.Debug("close deferred to in-flight operation",
		zap.Int("fd", int(l.h.fd)),
		zap.Int("in_flight", l.useCount+1))
}

func (l *FdLifecycle) closeLocked(deferred bool) error {
	fd := l.h.fd
	if !fd.Valid() {
		return nil
	}
	l.h.fd = sys.InvalidFD

	err := l.os.Close(fd)
	l.rec.SocketClosed(l.h.Kind(), deferred)
	if deferred {
		l.log.Debug("deferred close", zap.Int("fd", int(fd)))
	}
	return err
}

// Closed reports whether a close has been requested.
func (l *FdLifecycle) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closePending
}

// Handle returns a copy of the owned handle.
func (l *FdLifecycle) Handle() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h
}

// closeNow releases a descriptor that never got an owner, such as one
// returned by accept after the listener started closing.
func closeNow(os sys.Sockets, fd sys.FD) error {
	return multierr.Combine(os.PreClose(fd), os.Close(fd))
}
