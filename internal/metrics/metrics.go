// Package metrics exposes voice mesh counters in Prometheus format.
// Every method is safe on a nil *Metrics, so callers never need to check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicemesh"

// Metrics owns its own registry so several controllers in one test binary
// never collide on global registration.
type Metrics struct {
	reg *prometheus.Registry

	peersActive        prometheus.Gauge
	peersCreated       *prometheus.CounterVec
	peersEvicted       *prometheus.CounterVec
	iceRestarts        prometheus.Counter
	signalingDropped   *prometheus.CounterVec
	candidatesBuffered prometheus.Counter
	eventsDropped      prometheus.Counter
	busMessages        *prometheus.CounterVec
}

// New creates the collectors. withRuntime also registers the Go and
// process collectors, which the CLI wants and tests do not.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_active",
			Help: "Peer connections currently registered.",
		}),
		peersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "peers_created_total",
			Help: "Peer connections created, by role.",
		}, []string{"role"}),
		peersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "peers_evicted_total",
			Help: "Peer connections removed, by reason.",
		}, []string{"reason"}),
		iceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ice_restarts_total",
			Help: "ICE restarts attempted after a failed connection.",
		}),
		signalingDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_dropped_total",
			Help: "Inbound signaling messages dropped, by reason.",
		}, []string{"reason"}),
		candidatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "candidates_buffered_total",
			Help: "ICE candidates held until a remote description was set.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events not delivered to a slow subscriber.",
		}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_messages_total",
			Help: "Signaling messages moved by the bus, by direction.",
		}, []string{"direction"}),
	}
	m.reg.MustRegister(
		m.peersActive, m.peersCreated, m.peersEvicted, m.iceRestarts,
		m.signalingDropped, m.candidatesBuffered, m.eventsDropped, m.busMessages,
	)
	if withRuntime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetActivePeers(n int) {
	if m != nil {
		m.peersActive.Set(float64(n))
	}
}

func (m *Metrics) PeerCreated(role string) {
	if m != nil {
		m.peersCreated.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) PeerEvicted(reason string) {
	if m != nil {
		m.peersEvicted.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ICERestart() {
	if m != nil {
		m.iceRestarts.Inc()
	}
}

func (m *Metrics) SignalingDropped(reason string) {
	if m != nil {
		m.signalingDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) CandidateBuffered() {
	if m != nil {
		m.candidatesBuffered.Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

// BusMessage counts a message published ("out") or received ("in").
func (m *Metrics) BusMessage(direction string) {
	if m != nil {
		m.busMessages.WithLabelValues(direction).Inc()
	}
}
