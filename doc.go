// Package netsock provides stream and datagram sockets with a strict
// close protocol, asynchronous reset detection and a datagram connect that
// never delivers packets from the wrong peer.
//
// The library is organized into several packages with distinct responsibilities:
//
//	netsock/          Network and the Socket, ServerSocket, DatagramSocket facades
//	├── socket/       Controllers: fd lifecycle, options, reset detection, filtering
//	├── sys/          Capability interface to the OS and its linux implementation
//	│   └── systest/  Instrumented in-memory fake of sys.Sockets
//	├── errors/       Structured error types
//	├── resource/     Handle table with lifecycle observers
//	├── metrics/      Prometheus recorder
//	└── config/       YAML configuration
//
// # Quick Start
//
//	nw := netsock.NewNetwork(sys.NewUnix(), netsock.Options{})
//	defer nw.Close()
//
//	ds, err := nw.ListenDatagram(netip.MustParseAddrPort("127.0.0.1:9001"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ds.Close()
//
//	if err := ds.Connect(peer); err != nil {
//	    log.Fatal(err)
//	}
//	n, from, err := ds.ReceiveFrom(buf) // only ever from peer
//
// # Thread Safety
//
// All facades are safe for concurrent use. Close may be called from any
// goroutine at any time and unblocks pending Accept, Read and ReceiveFrom
// calls, which then return errors.ErrClosed. Context cancellation is
// implemented the same way: the context-aware helpers close the socket.
//
// # Leak Detection
//
// Every socket is registered in its Network. Network.Close closes whatever
// is still open and reports it as leaked.
package netsock
