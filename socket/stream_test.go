package socket

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
	"github.com/wippyai/netsock/sys/systest"
)

var listenAddr = netip.MustParseAddrPort("127.0.0.1:7000")

// streamPair returns a connected client and its accepted server end.
func streamPair(t *testing.T, f *systest.Fake, cfg Config) (client, server, listener *Stream) {
	t.Helper()

	l, err := NewStream(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Bind(listenAddr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := l.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	c, err := NewStream(f, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(listenAddr, time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return c, s, l
}

func TestStream_Echo(t *testing.T) {
	f := systest.New()
	c, s, l := streamPair(t, f, Config{})
	defer l.Close()
	defer c.Close()
	defer s.Close()

	if !c.IsConnected() || !s.IsConnected() || !l.IsListening() {
		t.Fatal("pair not connected")
	}
	if s.RemoteAddr() != c.LocalAddr() {
		t.Errorf("server sees %v, client is %v", s.RemoteAddr(), c.LocalAddr())
	}
	if c.RemoteAddr() != listenAddr {
		t.Errorf("client remote = %v", c.RemoteAddr())
	}

	if n, err := c.Send([]byte("ping")); n != 4 || err != nil {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if n, err := s.Available(); n != 4 || err != nil {
		t.Errorf("Available = %d, %v", n, err)
	}

	buf := make([]byte, 16)
	n, err := s.Receive(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Receive = %q, %v", buf[:n], err)
	}

	c.Close()
	if _, err := s.Receive(buf); err != io.EOF {
		t.Errorf("Receive after peer close = %v, want EOF", err)
	}
	if _, err := s.Receive(buf); err != io.EOF {
		t.Errorf("second Receive after EOF = %v, want EOF", err)
	}
}

func TestStream_ConnectFailureCloses(t *testing.T) {
	f := systest.New()
	rec := &countingRecorder{}
	c, _ := NewStream(f, Config{Recorder: rec})
	fd := c.Handle().FD()

	err := c.Connect(netip.MustParseAddrPort("127.0.0.1:7999"), time.Second)
	if errors.KindOf(err) != errors.KindConnectFailed {
		t.Fatalf("Connect = %v, want connect_failed", err)
	}
	if !c.IsClosed() || !f.IsClosed(fd) {
		t.Error("failed connect left the socket open")
	}
	if rec.snapshot().closed != 1 {
		t.Error("close not recorded")
	}
	if _, err := c.Send([]byte("x")); err != errors.ErrClosed {
		t.Errorf("Send after failed connect = %v", err)
	}
}

func TestStream_ConnectInjectedError(t *testing.T) {
	f := systest.New()
	c, _ := NewStream(f, Config{})
	f.FailConnect(c.Handle().FD(), unix.ETIMEDOUT)

	err := c.Connect(listenAddr, 10*time.Millisecond)
	if errors.KindOf(err) != errors.KindConnectFailed {
		t.Fatalf("Connect = %v", err)
	}
	if !c.IsClosed() {
		t.Error("socket left open")
	}
}

func TestStream_ConnectValidation(t *testing.T) {
	f := systest.New()
	c, _ := NewStream(f, Config{})
	defer c.Close()

	if err := c.Connect(listenAddr, -time.Second); errors.KindOf(err) != errors.KindInvalidArgument {
		t.Errorf("negative timeout = %v", err)
	}
	if err := c.Connect(netip.AddrPort{}, 0); errors.KindOf(err) != errors.KindInvalidArgument {
		t.Errorf("zero address = %v", err)
	}
	if c.IsClosed() {
		t.Error("validation failure closed the socket")
	}
	if f.Stats().Connect != 0 {
		t.Error("invalid connect reached the OS")
	}
}

func TestStream_BindListenOrdering(t *testing.T) {
	f := systest.New()
	s, _ := NewStream(f, Config{})
	defer s.Close()

	if err := s.Listen(10); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("Listen unbound = %v", err)
	}
	if _, err := s.Accept(); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("Accept before listen = %v", err)
	}
	if err := s.Bind(listenAddr); err != nil {
		t.Fatal(err)
	}
	if !s.IsBound() || s.LocalAddr() != listenAddr {
		t.Errorf("bound=%v local=%v", s.IsBound(), s.LocalAddr())
	}
	if err := s.Bind(listenAddr); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("rebind = %v", err)
	}
	if err := s.Listen(-1); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(listenAddr, 0); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("connect on listener = %v", err)
	}
}

func TestStream_BindInUse(t *testing.T) {
	f := systest.New()
	a, _ := NewStream(f, Config{})
	b, _ := NewStream(f, Config{})
	defer a.Close()
	defer b.Close()

	if err := a.Bind(listenAddr); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind(listenAddr); errors.KindOf(err) != errors.KindBindFailed {
		t.Errorf("second bind = %v, want bind_failed", err)
	}
	if b.IsBound() {
		t.Error("failed bind marked socket bound")
	}
}

func TestStream_AcceptTimeout(t *testing.T) {
	f := systest.New()
	l, _ := NewStream(f, Config{})
	defer l.Close()
	_ = l.Bind(listenAddr)
	_ = l.Listen(0)
	if err := l.SetOption(Timeout, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	_, err := l.Accept()
	if errors.KindOf(err) != errors.KindTimeout {
		t.Fatalf("Accept = %v, want timeout", err)
	}
	if l.IsClosed() {
		t.Fatal("timeout closed the listener")
	}

	c, _ := NewStream(f, Config{})
	defer c.Close()
	if err := c.Connect(listenAddr, 0); err != nil {
		t.Fatal(err)
	}
	s, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept after timeout = %v", err)
	}
	s.Close()
}

func TestStream_ReceiveTimeout(t *testing.T) {
	f := systest.New()
	c, s, l := streamPair(t, f, Config{DefaultTimeout: 15 * time.Millisecond})
	defer l.Close()
	defer c.Close()
	defer s.Close()

	_, err := s.Receive(make([]byte, 8))
	if errors.KindOf(err) != errors.KindTimeout {
		t.Fatalf("Receive = %v, want timeout", err)
	}
	if _, err := c.Send([]byte("late")); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Receive(make([]byte, 8)); n != 4 || err != nil {
		t.Errorf("Receive after timeout = %d, %v", n, err)
	}
}

func TestStream_ResetDrainsBufferedBytes(t *testing.T) {
	f := systest.New()
	rec := &countingRecorder{}
	c, s, l := streamPair(t, f, Config{Recorder: rec})
	defer l.Close()
	defer s.Close()

	_, _ = c.Send([]byte("tail"))
	f.FailRecv(s.Handle().FD(), unix.ECONNRESET)

	buf := make([]byte, 16)
	n, err := s.Receive(buf)
	if err != nil || string(buf[:n]) != "tail" {
		t.Fatalf("Receive = %q, %v, want buffered bytes", buf[:n], err)
	}
	if s.ResetState() != ResetPending {
		t.Fatalf("state = %v, want reset-pending", s.ResetState())
	}

	c.Close()
	_, err = s.Receive(buf)
	if errors.KindOf(err) != errors.KindConnectionReset {
		t.Fatalf("Receive at end = %v, want connection_reset", err)
	}
	if s.ResetState() != Reset {
		t.Fatalf("state = %v, want reset", s.ResetState())
	}

	before := f.Stats()
	if _, err := s.Receive(buf); errors.KindOf(err) != errors.KindConnectionReset {
		t.Errorf("Receive after reset = %v", err)
	}
	if n, err := s.Available(); n != 0 || err != nil {
		t.Errorf("Available after reset = %d, %v", n, err)
	}
	if after := f.Stats(); after.Recv != before.Recv || after.Available != before.Available {
		t.Error("reset socket queried the OS")
	}
	if rec.snapshot().resets != 1 {
		t.Errorf("resets = %d", rec.snapshot().resets)
	}
}

func TestStream_AvailableReset(t *testing.T) {
	f := systest.New()
	c, s, l := streamPair(t, f, Config{})
	defer l.Close()
	defer c.Close()
	defer s.Close()

	f.FailAvailable(s.Handle().FD(), unix.ECONNRESET)
	n, err := s.Available()
	if n != 0 || err != nil {
		t.Fatalf("Available = %d, %v", n, err)
	}
	if s.ResetState() != Reset {
		t.Errorf("state = %v, want reset", s.ResetState())
	}
}

func TestStream_Shutdown(t *testing.T) {
	f := systest.New()
	c, s, l := streamPair(t, f, Config{})
	defer l.Close()
	defer c.Close()
	defer s.Close()

	if err := c.ShutdownOutput(); err != nil {
		t.Fatal(err)
	}
	if err := c.ShutdownOutput(); err != nil {
		t.Errorf("second ShutdownOutput = %v", err)
	}
	if _, err := c.Send([]byte("x")); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("Send after shutdown = %v", err)
	}
	if _, err := s.Receive(make([]byte, 4)); err != io.EOF {
		t.Errorf("peer Receive = %v, want EOF", err)
	}

	if err := s.ShutdownInput(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Receive(make([]byte, 4)); err != io.EOF {
		t.Errorf("Receive after ShutdownInput = %v", err)
	}
	if n, err := s.Available(); n != 0 || err != nil {
		t.Errorf("Available after ShutdownInput = %d, %v", n, err)
	}
	if !s.IsInputShutdown() || !c.IsOutputShutdown() {
		t.Error("latches not set")
	}
	if f.Stats().Shutdown != 2 {
		t.Errorf("shutdown calls = %d, want 2", f.Stats().Shutdown)
	}

	u, _ := NewStream(f, Config{})
	defer u.Close()
	if err := u.ShutdownInput(); errors.KindOf(err) != errors.KindInvalidState {
		t.Errorf("ShutdownInput unconnected = %v", err)
	}
}

func TestStream_CloseUnblocksReceive(t *testing.T) {
	f := systest.New()
	c, s, l := streamPair(t, f, Config{})
	defer l.Close()
	defer c.Close()
	fd := s.Handle().FD()

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(make([]byte, 8))
		done <- err
	}()
	if !f.WaitReceiving(fd, time.Second) {
		t.Fatal("receive never blocked")
	}

	s.Close()
	select {
	case err := <-done:
		if err != errors.ErrClosed {
			t.Errorf("Receive = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock receive")
	}
	if !f.IsClosed(fd) {
		t.Error("descriptor not reclaimed")
	}
}

func TestStream_NeverCreatedClose(t *testing.T) {
	var s Stream
	s.Close()
}

func TestStream_AcceptCompletesAfterClose(t *testing.T) {
	f := systest.New()
	rec := &countingRecorder{}
	l, _ := NewStream(f, Config{Recorder: rec})
	lfd := l.Handle().FD()
	if err := l.Bind(listenAddr); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(0); err != nil {
		t.Fatal(err)
	}

	c, _ := NewStream(f, Config{})
	defer c.Close()
	if err := c.Connect(listenAddr, time.Second); err != nil {
		t.Fatal(err)
	}

	accepted := sys.InvalidFD
	f.AfterAccept(func(_, afd sys.FD) {
		accepted = afd
		l.Close()
	})

	s, err := l.Accept()
	if err != errors.ErrClosed {
		t.Fatalf("Accept = %v, %v, want ErrClosed", s, err)
	}
	if !accepted.Valid() {
		t.Fatal("accept hook never ran")
	}
	if !f.IsClosed(accepted) {
		t.Error("accepted descriptor leaked")
	}
	if !f.IsClosed(lfd) {
		t.Error("listener descriptor not reclaimed")
	}

	st := f.Stats()
	if st.Close != 2 {
		t.Errorf("OS closes = %d, want 2 (listener and accepted)", st.Close)
	}
	if got := rec.snapshot(); got.closed != 1 || got.deferred != 1 {
		t.Errorf("recorded closed=%d deferred=%d, want 1/1", got.closed, got.deferred)
	}
}

func TestStream_ConnectCompletesAfterClose(t *testing.T) {
	f := systest.New()
	l, _ := NewStream(f, Config{})
	defer l.Close()
	_ = l.Bind(listenAddr)
	_ = l.Listen(0)

	c, _ := NewStream(f, Config{})
	fd := c.Handle().FD()
	f.AfterConnect(func(sys.FD) { c.Close() })

	err := c.Connect(listenAddr, time.Second)
	if err != errors.ErrClosed {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}
	if c.IsConnected() {
		t.Error("closed socket reports connected")
	}
	if !f.IsClosed(fd) {
		t.Error("descriptor not reclaimed")
	}
	if st := f.Stats(); st.PreClose != 1 || st.Close != 1 {
		t.Errorf("preclose=%d close=%d, want 1/1", st.PreClose, st.Close)
	}
}
