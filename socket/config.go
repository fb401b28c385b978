package socket

import (
	"time"

	"go.uber.org/zap"
)

// DefaultBacklog is used by Listen when the caller passes a backlog below one.
const DefaultBacklog = 50

// Config is threaded through every controller. The zero value is usable.
type Config struct {
	// Logger receives debug events from the close and filter paths.
	// Nil means zap.NewNop().
	Logger *zap.Logger

	// Recorder receives lifecycle counters. Nil means no recording.
	Recorder Recorder

	// DefaultTimeout seeds SO_TIMEOUT on new sockets. Zero waits forever.
	DefaultTimeout time.Duration

	// ListenBacklog replaces a backlog below one. Zero means DefaultBacklog.
	ListenBacklog int

	// NativeConnectDisabled keeps datagram connect out of the kernel, so
	// every connected datagram socket filters peers in this layer.
	NativeConnectDisabled bool
}

func (c Config) normalize() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.ListenBacklog < 1 {
		c.ListenBacklog = DefaultBacklog
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// Recorder observes socket lifecycle events. Implementations must be safe
// for concurrent use and must not block.
type Recorder interface {
	SocketOpened(kind Kind)
	// SocketClosed is called once per descriptor. Deferred is true when
	// the OS close was performed by the last in-flight operation rather
	// than by Close itself.
	SocketClosed(kind Kind, deferred bool)
	ConnectionReset()
	// ConnectFallback is called when a datagram connect is emulated.
	ConnectFallback()
	DatagramFiltered(bytes int)
}

type nopRecorder struct{}

func (nopRecorder) SocketOpened(Kind)       {}
func (nopRecorder) SocketClosed(Kind, bool) {}
func (nopRecorder) ConnectionReset()        {}
func (nopRecorder) ConnectFallback()        {}
func (nopRecorder) DatagramFiltered(int)    {}
