package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rendezvous"

// Signal outcomes.
const (
	SignalDelivered   = "delivered"
	SignalUnknownPeer = "unknown_peer"
	SignalRateLimited = "rate_limited"
	SignalKeepAlive   = "keepalive"
)

// Metrics owns a private registry so tests and multiple instances
// in one process do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	joins           prometheus.Counter
	polls           prometheus.Counter
	signals         *prometheus.CounterVec
	removed         prometheus.Counter
	eventsDelivered prometheus.Counter
	storeConflicts  prometheus.Counter
	peers           prometheus.Gauge
	rooms           prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Peers that joined a room.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Polls by known peers.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signal requests by outcome.",
		}, []string{"result"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_removed_total",
			Help:      "Peers removed from their room.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events drained by joins and polls.",
		}),
		storeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Snapshot commits replayed after a conflict.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peers in the last committed snapshot.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Non-empty rooms in the last committed snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.joins,
		m.polls,
		m.signals,
		m.removed,
		m.eventsDelivered,
		m.storeConflicts,
		m.peers,
		m.rooms,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Joined(delivered int) {
	m.joins.Inc()
	m.eventsDelivered.Add(float64(delivered))
}

func (m *Metrics) Polled(delivered int) {
	m.polls.Inc()
	m.eventsDelivered.Add(float64(delivered))
}

func (m *Metrics) Signal(result string) {
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) PeerRemoved() {
	m.removed.Inc()
}

func (m *Metrics) StoreConflict() {
	m.storeConflicts.Inc()
}

func (m *Metrics) ObserveState(peers, rooms int) {
	m.peers.Set(float64(peers))
	m.rooms.Set(float64(rooms))
}
