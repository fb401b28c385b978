package socket

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/wippyai/netsock/errors"
	"github.com/wippyai/netsock/sys"
)

// Option identifies a socket option at the API level.
type Option uint8

const (
	TCPNoDelay Option = iota + 1
	ReuseAddr
	ReusePort
	KeepAlive
	OOBInline
	Broadcast
	Linger
	SendBuffer
	ReceiveBuffer
	TOS
	TTL
	// Timeout is SO_TIMEOUT: the bound on blocking receive and accept.
	// It is kept in this layer and never reaches the OS.
	Timeout
	// BindAddr is SO_BINDADDR, the local address. Get-only.
	BindAddr
)

var optionNames = [...]string{
	TCPNoDelay:    "TCP_NODELAY",
	ReuseAddr:     "SO_REUSEADDR",
	ReusePort:     "SO_REUSEPORT",
	KeepAlive:     "SO_KEEPALIVE",
	OOBInline:     "SO_OOBINLINE",
	Broadcast:     "SO_BROADCAST",
	Linger:        "SO_LINGER",
	SendBuffer:    "SO_SNDBUF",
	ReceiveBuffer: "SO_RCVBUF",
	TOS:           "IP_TOS",
	TTL:           "IP_TTL",
	Timeout:       "SO_TIMEOUT",
	BindAddr:      "SO_BINDADDR",
}

func (o Option) String() string {
	if int(o) < len(optionNames) && optionNames[o] != "" {
		return optionNames[o]
	}
	return "Option(?)"
}

type optionClass uint8

const (
	classBool optionClass = iota
	classPositive
	classByte
	classLinger
	classTimeout
	classReadOnly
)

type optionSpec struct {
	sys      sys.SockOpt
	class    optionClass
	stream   bool
	datagram bool
}

var optionSpecs = map[Option]optionSpec{
	TCPNoDelay:    {sys.SockOptTCPNoDelay, classBool, true, false},
	ReuseAddr:     {sys.SockOptReuseAddr, classBool, true, true},
	ReusePort:     {sys.SockOptReusePort, classBool, true, true},
	KeepAlive:     {sys.SockOptKeepAlive, classBool, true, false},
	OOBInline:     {sys.SockOptOOBInline, classBool, true, false},
	Broadcast:     {sys.SockOptBroadcast, classBool, false, true},
	Linger:        {sys.SockOptLinger, classLinger, true, false},
	SendBuffer:    {sys.SockOptSendBuffer, classPositive, true, true},
	ReceiveBuffer: {sys.SockOptReceiveBuffer, classPositive, true, true},
	TOS:           {sys.SockOptTOS, classByte, true, true},
	TTL:           {sys.SockOptTTL, classPositive, true, true},
	Timeout:       {0, classTimeout, true, true},
	BindAddr:      {0, classReadOnly, true, true},
}

const maxLinger = 65535

// Options validates option requests and dispatches them to the OS.
type Options struct {
	os     sys.Sockets
	lc     *FdLifecycle
	stream bool

	timeout atomic.Int64
	tos     atomic.Int32
}

func newOptions(os sys.Sockets, lc *FdLifecycle, stream bool, timeout time.Duration) *Options {
	o := &Options{os: os, lc: lc, stream: stream}
	o.timeout.Store(int64(timeout))
	return o
}

// Timeout returns the cached SO_TIMEOUT.
func (o *Options) Timeout() time.Duration {
	return time.Duration(o.timeout.Load())
}

func (o *Options) lookup(opt Option) (optionSpec, error) {
	if o.lc.Closed() {
		return optionSpec{}, errors.ErrClosed
	}
	spec, ok := optionSpecs[opt]
	if !ok {
		return optionSpec{}, errors.InvalidArgument(errors.OpOption, opt, "unknown option %d", int(opt))
	}
	if (o.stream && !spec.stream) || (!o.stream && !spec.datagram) {
		kind := KindDatagram
		if o.stream {
			kind = KindStream
		}
		return optionSpec{}, errors.Unsupported(errors.OpOption, opt.String()+" on "+string(kind)+" socket")
	}
	return spec, nil
}

// Set validates value and applies it. Validation always happens before any
// OS call.
//
// Booleans take bool. Buffer sizes and TTL take a positive int, TTL at most
// 255. TOS takes 0..255. Linger takes seconds as an int >= 0, or false to
// disable it. Timeout takes a non-negative time.Duration, or an int in
// milliseconds; zero waits forever.
func (o *Options) Set(opt Option, value any) error {
	spec, err := o.lookup(opt)
	if err != nil {
		return err
	}

	switch spec.class {
	case classTimeout:
		d, err := timeoutValue(value)
		if err != nil {
			return err
		}
		o.timeout.Store(int64(d))
		return nil
	case classReadOnly:
		return errors.InvalidArgument(errors.OpOption, value, "%s is read-only", opt)
	}

	v, err := encodeOption(opt, spec.class, value)
	if err != nil {
		return err
	}

	fd, err := o.lc.Acquire()
	if err != nil {
		return err
	}
	err = o.os.SetOption(fd, spec.sys, v)
	o.lc.Release()
	if err != nil {
		return o.fail(err)
	}

	if opt == TOS {
		o.tos.Store(int32(v))
	}
	return nil
}

// Get returns the current value of opt in the same shape Set accepts.
// Linger reports false when disabled.
func (o *Options) Get(opt Option) (any, error) {
	spec, err := o.lookup(opt)
	if err != nil {
		return nil, err
	}

	if spec.class == classTimeout {
		return o.Timeout(), nil
	}

	fd, err := o.lc.Acquire()
	if err != nil {
		return nil, err
	}
	defer o.lc.Release()

	if spec.class == classReadOnly {
		local, err := o.os.LocalAddr(fd)
		if err != nil {
			return nil, o.fail(err)
		}
		return local.Addr().Unmap(), nil
	}

	v, err := o.os.GetOption(fd, spec.sys)
	if err != nil {
		if opt == TOS && errors.KindOf(errors.FromOS(errors.OpOption, err)) == errors.KindUnsupported {
			return int(o.tos.Load()), nil
		}
		return nil, o.fail(err)
	}

	switch spec.class {
	case classBool:
		return v != 0, nil
	case classLinger:
		if v < 0 {
			return false, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func (o *Options) fail(err error) error {
	if o.lc.Closed() {
		return errors.ErrClosed
	}
	return errors.FromOS(errors.OpOption, err)
}

func encodeOption(opt Option, class optionClass, value any) (int, error) {
	switch class {
	case classBool:
		b, ok := value.(bool)
		if !ok {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s requires a bool", opt)
		}
		if b {
			return 1, nil
		}
		return 0, nil

	case classPositive:
		n, ok := value.(int)
		if !ok {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s requires an int", opt)
		}
		if n <= 0 {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s must be positive", opt)
		}
		if opt == TTL && n > 255 {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s must be at most 255", opt)
		}
		return n, nil

	case classByte:
		n, ok := value.(int)
		if !ok {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s requires an int", opt)
		}
		if n < 0 || n > 255 {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s must be in 0..255", opt)
		}
		return n, nil

	case classLinger:
		switch v := value.(type) {
		case bool:
			if v {
				return 0, errors.InvalidArgument(errors.OpOption, value, "%s takes seconds to enable", opt)
			}
			return -1, nil
		case int:
			if v < 0 {
				return 0, errors.InvalidArgument(errors.OpOption, value, "%s must not be negative", opt)
			}
			return min(v, maxLinger), nil
		}
		return 0, errors.InvalidArgument(errors.OpOption, value, "%s requires an int or false", opt)
	}
	return 0, errors.InvalidArgument(errors.OpOption, value, "%s cannot be set", opt)
}

func timeoutValue(value any) (time.Duration, error) {
	var d time.Duration
	switch v := value.(type) {
	case time.Duration:
		d = v
	case int:
		if int64(v) > math.MaxInt64/int64(time.Millisecond) {
			return 0, errors.InvalidArgument(errors.OpOption, value, "%s of %d ms overflows", Timeout, v)
		}
		d = time.Duration(v) * time.Millisecond
	default:
		return 0, errors.InvalidArgument(errors.OpOption, value, "%s requires a duration", Timeout)
	}
	if d < 0 {
		return 0, errors.InvalidArgument(errors.OpOption, value, "%s must not be negative", Timeout)
	}
	return d, nil
}
