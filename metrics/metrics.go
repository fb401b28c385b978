// Package metrics exports socket lifecycle counters to Prometheus.
//
// A Prometheus value is both a socket.Recorder, fed by the controllers, and a
// resource.Observer, fed by the live-socket table of a netsock.Network.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wippyai/netsock/resource"
	"github.com/wippyai/netsock/socket"
)

const namespace = "netsock"

// Prometheus records socket events on a registry.
type Prometheus struct {
	opened         *prometheus.CounterVec
	closed         *prometheus.CounterVec
	deferredCloses prometheus.Counter
	resets         prometheus.Counter
	fallbacks      prometheus.Counter
	filtered       prometheus.Counter
	filteredBytes  prometheus.Counter
	live           *prometheus.GaugeVec
	leaked         *prometheus.CounterVec
}

// New registers the collectors on reg. Use a fresh registry per instance;
// registering twice on the same one panics.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		opened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_opened_total",
			Help:      "Sockets created, by kind",
		}, []string{"kind"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_closed_total",
			Help:      "Descriptors released to the OS, by kind",
		}, []string{"kind"}),
		deferredCloses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_closes_total",
			Help:      "OS closes performed by the last in-flight operation",
		}),
		resets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_resets_total",
			Help:      "Stream connections confirmed reset by the peer",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagram_connect_emulated_total",
			Help:      "Datagram connects emulated without kernel support",
		}),
		filtered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_filtered_total",
			Help:      "Datagrams from foreign senders discarded on receive",
		}),
		filteredBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_filtered_bytes_total",
			Help:      "Bytes of discarded foreign datagrams",
		}),
		live: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_live",
			Help:      "Sockets registered with a network, by kind",
		}, []string{"kind"}),
		leaked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sockets_leaked_total",
			Help:      "Sockets still open when their network was closed",
		}, []string{"kind"}),
	}
}

// SocketOpened counts a new descriptor. Every method of a nil *Prometheus
// records nothing.
func (p *Prometheus) SocketOpened(kind socket.Kind) {
	if p == nil {
		return
	}
	p.opened.WithLabelValues(string(kind)).Inc()
}

func (p *Prometheus) SocketClosed(kind socket.Kind, deferred bool) {
	if p == nil {
		return
	}
	p.closed.WithLabelValues(string(kind)).Inc()
	if deferred {
		p.deferredCloses.Inc()
	}
}

func (p *Prometheus) ConnectionReset() {
	if p != nil {
		p.resets.Inc()
	}
}

func (p *Prometheus) ConnectFallback() {
	if p != nil {
		p.fallbacks.Inc()
	}
}

func (p *Prometheus) DatagramFiltered(bytes int) {
	if p == nil {
		return
	}
	p.filtered.Inc()
	p.filteredBytes.Add(float64(bytes))
}

// OnResourceEvent tracks the live gauge and leak counter.
func (p *Prometheus) OnResourceEvent(e resource.Event) {
	if p == nil {
		return
	}
	switch e.Type {
	case resource.EventRegistered:
		p.live.WithLabelValues(e.Kind).Inc()
	case resource.EventReleased:
		p.live.WithLabelValues(e.Kind).Dec()
	case resource.EventLeaked:
		p.live.WithLabelValues(e.Kind).Dec()
		p.leaked.WithLabelValues(e.Kind).Inc()
	}
}

var (
	_ socket.Recorder   = (*Prometheus)(nil)
	_ resource.Observer = (*Prometheus)(nil)
)
