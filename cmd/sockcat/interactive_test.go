package main

import (
	"net/netip"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/netsock"
	"github.com/wippyai/netsock/socket"
	"github.com/wippyai/netsock/sys/systest"
)

func TestConsoleModel_SendReceive(t *testing.T) {
	nw := netsock.NewNetwork(systest.New(), netsock.Options{})
	defer nw.Close()

	a := netip.MustParseAddrPort("127.0.0.1:9201")
	b := netip.MustParseAddrPort("127.0.0.1:9202")
	da, _ := nw.ListenDatagram(a)
	db, _ := nw.ListenDatagram(b)
	defer db.Close()
	if err := da.Connect(b); err != nil {
		t.Fatal(err)
	}

	m := newConsoleModel(da, b)
	m.input.SetValue("hello")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter produced no command")
	}
	m.Update(cmd())

	buf := make([]byte, 16)
	n, from, err := db.ReceiveFrom(buf)
	if err != nil || from != a || string(buf[:n]) != "hello" {
		t.Fatalf("peer got %q from %v, %v", buf[:n], from, err)
	}

	if err := db.SendTo([]byte("back"), a); err != nil {
		t.Fatal(err)
	}
	_, next := m.Update(m.receive())
	if next == nil {
		t.Error("receive not reissued")
	}
	if !strings.Contains(m.View(), "back") {
		t.Errorf("view missing received datagram:\n%s", m.View())
	}

	m.input.SetValue("/disconnect")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if da.State() != socket.NotConnected {
		t.Errorf("state = %v after /disconnect", da.State())
	}

	_, quit := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if quit == nil {
		t.Fatal("esc did not quit")
	}
	if _, _, err := da.ReceiveFrom(buf); err == nil {
		t.Error("socket open after quit")
	}
}

func TestConsoleModel_Scrollback(t *testing.T) {
	m := &consoleModel{}
	for i := 0; i < maxLines+10; i++ {
		m.appendLine("x")
	}
	if len(m.lines) != maxLines {
		t.Errorf("lines = %d, want %d", len(m.lines), maxLines)
	}
}
