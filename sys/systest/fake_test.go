package systest

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/netsock/sys"
)

func TestFake_DatagramRouting(t *testing.T) {
	f := New()
	a, _ := f.Socket(false)
	b, _ := f.Socket(false)
	if err := f.Bind(a, netip.MustParseAddrPort("0.0.0.0:9001")); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := f.Bind(b, netip.MustParseAddrPort("127.0.0.1:9002")); err != nil {
		t.Fatalf("bind b: %v", err)
	}

	if _, err := f.SendTo(a, []byte("hi"), netip.MustParseAddrPort("127.0.0.1:9002")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 16)
	n, from, err := f.RecvFrom(b, buf, false, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "hi" || from.Port() != 9001 {
		t.Errorf("got %q from %v", buf[:n], from)
	}
}

func TestFake_ConnectedDropsOthers(t *testing.T) {
	f := New()
	a, _ := f.Socket(false)
	b, _ := f.Socket(false)
	c, _ := f.Socket(false)
	_ = f.Bind(a, netip.MustParseAddrPort("127.0.0.1:9001"))
	_ = f.Bind(b, netip.MustParseAddrPort("127.0.0.1:9002"))
	_ = f.Bind(c, netip.MustParseAddrPort("127.0.0.1:9003"))
	_ = f.Connect(b, netip.MustParseAddrPort("127.0.0.1:9001"), 0)

	_, _ = f.SendTo(c, []byte("x"), netip.MustParseAddrPort("127.0.0.1:9002"))
	_, _ = f.SendTo(a, []byte("y"), netip.MustParseAddrPort("127.0.0.1:9002"))
	q := f.Queue(b)
	if len(q) != 1 || string(q[0].Data) != "y" {
		t.Errorf("queue = %+v", q)
	}
}

func TestFake_RecvTimeout(t *testing.T) {
	f := New()
	a, _ := f.Socket(false)
	_ = f.Bind(a, netip.AddrPort{})
	_, _, err := f.RecvFrom(a, make([]byte, 4), false, 10*time.Millisecond)
	if !errors.Is(err, sys.ErrTimedOut) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestFake_PreCloseWakesAccept(t *testing.T) {
	f := New()
	l, _ := f.Socket(true)
	_ = f.Bind(l, netip.AddrPort{})
	_ = f.Listen(l, 1)

	done := make(chan error, 1)
	go func() {
		_, _, err := f.Accept(l, 0)
		done <- err
	}()
	if !f.WaitAccepting(l, time.Second) {
		t.Fatal("accept never parked")
	}
	_ = f.PreClose(l)
	select {
	case err := <-done:
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("err = %v, want EINVAL", err)
		}
	case <-time.After(time.Second):
		t.Fatal("accept not released")
	}
}

func TestFake_StreamPair(t *testing.T) {
	f := New()
	l, _ := f.Socket(true)
	_ = f.Bind(l, netip.MustParseAddrPort("127.0.0.1:7000"))
	_ = f.Listen(l, 1)

	c, _ := f.Socket(true)
	if err := f.Connect(c, netip.MustParseAddrPort("127.0.0.1:7000"), 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, _, err := f.Accept(l, time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, _ = f.Send(c, []byte("ping"))
	buf := make([]byte, 8)
	n, err := f.Recv(s, buf, time.Second)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("recv = %q, %v", buf[:n], err)
	}

	_ = f.Close(c)
	n, err = f.Recv(s, buf, time.Second)
	if n != 0 || err != nil {
		t.Errorf("after peer close: n=%d err=%v", n, err)
	}
}

func TestFake_ClosedFD(t *testing.T) {
	f := New()
	a, _ := f.Socket(false)
	_ = f.Close(a)
	if err := f.Close(a); !errors.Is(err, unix.EBADF) {
		t.Errorf("double close = %v", err)
	}
	if f.Open() != 0 {
		t.Errorf("open = %d", f.Open())
	}
}
