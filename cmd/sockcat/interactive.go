package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/netsock"
	"github.com/wippyai/netsock/errors"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	addrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	sentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	recvStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxLines bounds the scrollback of the console.
const maxLines = 200

type consoleModel struct {
	err    error
	ds     *netsock.DatagramSocket
	remote netip.AddrPort
	lines  []string
	input  textinput.Model
	height int
}

type receivedMsg struct {
	err  error
	from netip.AddrPort
	data []byte
}

type sentMsg struct {
	err  error
	data string
}

func newConsoleModel(ds *netsock.DatagramSocket, remote netip.AddrPort) *consoleModel {
	ti := textinput.New()
	ti.Placeholder = "message"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()

	return &consoleModel{
		ds:     ds,
		remote: remote,
		input:  ti,
		height: 20,
	}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.receive)
}

// receive blocks until the next datagram. It is reissued after every
// delivery; closing the socket ends it.
func (m *consoleModel) receive() tea.Msg {
	buf := make([]byte, 64*1024)
	n, from, err := m.ds.ReceiveFrom(buf)
	if err != nil {
		return receivedMsg{err: err}
	}
	return receivedMsg{from: from, data: buf[:n]}
}

func (m *consoleModel) send(text string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{data: text, err: m.ds.SendTo([]byte(text), m.remote)}
	}
}

func (m *consoleModel) appendLine(s string) {
	m.lines = append(m.lines, s)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			_ = m.ds.Close()
			return m, tea.Quit

		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			switch text {
			case "":
				return m, nil
			case "/disconnect":
				if err := m.ds.Disconnect(); err != nil {
					m.appendLine(errorStyle.Render(err.Error()))
				} else {
					m.appendLine(helpStyle.Render("disconnected"))
				}
				return m, nil
			case "/connect":
				if err := m.ds.Connect(m.remote); err != nil {
					m.appendLine(errorStyle.Render(err.Error()))
				} else {
					m.appendLine(helpStyle.Render(fmt.Sprintf("connected to %s (%s)", m.remote, m.ds.State())))
				}
				return m, nil
			}
			return m, m.send(text)
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height - 6

	case receivedMsg:
		if msg.err != nil {
			if msg.err == errors.ErrClosed {
				return m, nil
			}
			m.appendLine(errorStyle.Render(fmt.Sprintf("receive: %v", msg.err)))
			if errors.KindOf(msg.err) == errors.KindTimeout {
				return m, m.receive
			}
			m.err = msg.err
			return m, nil
		}
		m.appendLine(addrStyle.Render(msg.from.String()) + " " + recvStyle.Render(fmt.Sprintf("%q", msg.data)))
		return m, m.receive

	case sentMsg:
		if msg.err != nil {
			m.appendLine(errorStyle.Render(fmt.Sprintf("send: %v", msg.err)))
		} else {
			m.appendLine(sentStyle.Render("-> " + msg.data))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *consoleModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("sockcat"))
	b.WriteString(" ")
	b.WriteString(addrStyle.Render(m.ds.LocalAddr().String()))
	b.WriteString(" -> ")
	b.WriteString(addrStyle.Render(m.remote.String()))
	b.WriteString(" ")
	b.WriteString(helpStyle.Render(m.ds.State().String()))
	b.WriteString("\n\n")

	lines := m.lines
	if m.height > 0 && len(lines) > m.height {
		lines = lines[len(lines)-m.height:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send • /connect • /disconnect • esc quit"))
	return b.String()
}

func runInteractive(ctx context.Context, nw *netsock.Network, opts options) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}

	local, err := resolve(ctx, nw, "local", opts.local)
	if err != nil {
		return err
	}
	remote, err := resolve(ctx, nw, "remote", opts.remote)
	if err != nil {
		return err
	}
	if err := required("remote", remote); err != nil {
		return err
	}

	ds, err := nw.ListenDatagram(local)
	if err != nil {
		return err
	}
	defer ds.Close()

	if opts.connect {
		if err := ds.Connect(remote); err != nil {
			return err
		}
	}

	p := tea.NewProgram(newConsoleModel(ds, remote), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if stderrors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
