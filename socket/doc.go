// Package socket implements the lifecycle and concurrency layer of stream
// and datagram sockets on top of a sys.Sockets capability.
//
// # Ownership
//
// Every controller owns exactly one Handle through an FdLifecycle. Blocking
// operations bracket their system calls with Acquire and Release. Close
// marks the socket closed, pre-closes the descriptor so blocked calls
// return, and leaves the final OS close to whichever goroutine is last out:
//
//	fd, err := lc.Acquire()   // ErrClosed once Close has been called
//	if err != nil {
//	    return err
//	}
//	n, err := os.Recv(fd, p, timeout)
//	lc.Release()              // may perform the deferred close
//
// # Locks
//
// Three lock domains are used and never nested: the fd lock inside
// FdLifecycle, the reset lock inside ResetDetector, and the connection lock
// guarding bind, connect and shutdown state. No lock is held across a
// blocking system call.
//
// # Datagram filtering
//
// A connected Datagram may hold datagrams from other senders that were
// queued before the kernel applied the association, or the kernel may not
// support the association at all. Receive discards such datagrams by
// peeking each sender first. See Datagram.Connect and Datagram.Receive.
//
// # Errors
//
// All errors are *errors.Error values from the netsock errors package.
// Operations on a closed socket return errors.ErrClosed without touching the
// OS.
package socket
