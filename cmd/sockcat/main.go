package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wippyai/netsock"
	"github.com/wippyai/netsock/config"
	"github.com/wippyai/netsock/metrics"
	"github.com/wippyai/netsock/sys"
)

const usage = `Usage: sockcat -mode <mode> [flags]

Modes:
  udp-send     send -msg to -remote, optionally connecting first (-connect)
  udp-recv     bind -local and print datagrams, restricted to -remote when set
  tcp-connect  connect to -remote, send -msg, print the reply until EOF
  tcp-listen   bind -local, accept one connection and echo it to stdout

  sockcat -i -local <addr> -remote <addr>   interactive datagram console
`

type options struct {
	mode    string
	local   string
	remote  string
	msg     string
	count   int
	connect bool
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		mode        = flag.String("mode", "", "udp-send, udp-recv, tcp-connect or tcp-listen")
		local       = flag.String("local", "", "Local address (host:port)")
		remote      = flag.String("remote", "", "Remote address (host:port)")
		msg         = flag.String("msg", "", "Message to send")
		count       = flag.Int("count", 1, "Datagrams to receive in udp-recv mode (0 = forever)")
		connect     = flag.Bool("connect", true, "Connect datagram sockets to -remote")
		timeout     = flag.Duration("timeout", -1, "Receive timeout (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level (overrides config)")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *mode == "" && !*interactive {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *timeout >= 0 {
		cfg.Sockets.TimeoutMs = int(timeout.Milliseconds())
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	opts := options{
		mode:    *mode,
		local:   *local,
		remote:  *remote,
		msg:     *msg,
		count:   *count,
		connect: *connect,
	}

	if err := run(cfg, opts, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, interactive bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	prom := metrics.New(reg)
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.ListenAddr, reg, log)
		defer srv.Close()
	}

	nw := netsock.NewNetwork(sys.NewUnix(), netsock.Options{
		Config:        cfg.SocketConfig(log, prom),
		Observer:      prom,
		LeakDetection: cfg.Sockets.LeakDetection,
	})
	defer func() {
		if err := nw.Close(); err != nil {
			log.Warn("closed with open sockets", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if interactive {
		return runInteractive(ctx, nw, opts)
	}

	switch opts.mode {
	case "udp-send":
		return udpSend(ctx, nw, opts)
	case "udp-recv":
		return udpRecv(ctx, nw, opts)
	case "tcp-connect":
		return tcpConnect(ctx, nw, opts)
	case "tcp-listen":
		return tcpListen(ctx, nw, opts)
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return server
}

// resolve parses an optional host:port flag. An empty string yields the
// zero address.
func resolve(ctx context.Context, nw *netsock.Network, name, value string) (netip.AddrPort, error) {
	if value == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := nw.ResolveAddrPort(ctx, value)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("-%s: %w", name, err)
	}
	return ap, nil
}

func required(name string, ap netip.AddrPort) error {
	if !ap.IsValid() {
		return fmt.Errorf("-%s is required", name)
	}
	return nil
}

func udpSend(ctx context.Context, nw *netsock.Network, opts options) error {
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
		_, err = ds.Write([]byte(opts.msg))
	} else {
		err = ds.SendTo([]byte(opts.msg), remote)
	}
	if err != nil {
		return err
	}
	fmt.Printf("sent %d bytes %s -> %s (%s)\n", len(opts.msg), ds.LocalAddr(), remote, ds.State())
	return nil
}

func udpRecv(ctx context.Context, nw *netsock.Network, opts options) error {
	local, err := resolve(ctx, nw, "local", opts.local)
	if err != nil {
		return err
	}
	if err := required("local", local); err != nil {
		return err
	}
	remote, err := resolve(ctx, nw, "remote", opts.remote)
	if err != nil {
		return err
	}

	ds, err := nw.ListenDatagram(local)
	if err != nil {
		return err
	}
	defer ds.Close()

	if remote.IsValid() && opts.connect {
		if err := ds.Connect(remote); err != nil {
			return err
		}
	}

	buf := make([]byte, 64*1024)
	for i := 0; opts.count == 0 || i < opts.count; i++ {
		n, from, err := ds.ReceiveContext(ctx, buf)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %q\n", from, buf[:n])
	}
	return nil
}

func tcpConnect(ctx context.Context, nw *netsock.Network, opts options) error {
	remote, err := resolve(ctx, nw, "remote", opts.remote)
	if err != nil {
		return err
	}
	if err := required("remote", remote); err != nil {
		return err
	}

	s, err := nw.DialContext(ctx, remote)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.msg != "" {
		if _, err := io.Copy(s, strings.NewReader(opts.msg)); err != nil {
			return err
		}
		if err := s.CloseWrite(); err != nil {
			return err
		}
	}
	return copyContext(ctx, os.Stdout, s)
}

func tcpListen(ctx context.Context, nw *netsock.Network, opts options) error {
	local, err := resolve(ctx, nw, "local", opts.local)
	if err != nil {
		return err
	}
	if err := required("local", local); err != nil {
		return err
	}

	srv, err := nw.Listen(local, 0)
	if err != nil {
		return err
	}
	defer srv.Close()
	fmt.Fprintf(os.Stderr, "listening on %s\n", srv.Addr())

	s, err := srv.AcceptContext(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Fprintf(os.Stderr, "accepted %s\n", s.RemoteAddr())

	return copyContext(ctx, os.Stdout, s)
}

func copyContext(ctx context.Context, w io.Writer, s *netsock.Socket) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
