package meshnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the overlay's Prometheus metrics. It uses an isolated
// prometheus.Registry so the overlay's metrics don't collide with the
// global default registry; each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Gossip validation verdicts, labeled by result
	// (accept/reject/ignore).
	MessagesValidated *prometheus.CounterVec

	// Peer-exchange advertisements processed.
	PexReceivedTotal prometheus.Counter

	// Forceful disconnects, labeled by reason.
	DisconnectsTotal *prometheus.CounterVec

	// Dial attempts, labeled by result (ok/error).
	DialsTotal *prometheus.CounterVec

	// Current live connections.
	ConnectedPeers prometheus.Gauge

	// Peer directory occupancy.
	DirectoryPeers      prometheus.Gauge
	DirectoryCandidates prometheus.Gauge

	// Validator call-history cache occupancy.
	HistoryEntries prometheus.Gauge

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered
// on an isolated registry. The node stamps BuildInfo once it knows its
// instance id.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		MessagesValidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onionmesh_messages_validated_total",
				Help: "Gossip messages validated, by verdict.",
			},
			[]string{"result"},
		),
		PexReceivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onionmesh_pex_received_total",
				Help: "Peer-exchange advertisements processed.",
			},
		),
		DisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onionmesh_disconnects_total",
				Help: "Forceful disconnects of misbehaving peers, by reason.",
			},
			[]string{"reason"},
		),
		DialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onionmesh_dials_total",
				Help: "Dial attempts issued by the dial controller, by result.",
			},
			[]string{"result"},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onionmesh_connected_peers",
				Help: "Number of live connections.",
			},
		),
		DirectoryPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onionmesh_directory_peers",
				Help: "Advertising peers tracked in the directory.",
			},
		),
		DirectoryCandidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onionmesh_directory_candidates",
				Help: "Dial candidates tracked in the directory.",
			},
		),
		HistoryEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onionmesh_validator_cache_entries",
				Help: "Commitments tracked in the validator call-history cache.",
			},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "onionmesh_info",
				Help: "Build information.",
			},
			[]string{"version", "go_version", "instance"},
		),
	}

	reg.MustRegister(
		m.MessagesValidated,
		m.PexReceivedTotal,
		m.DisconnectsTotal,
		m.DialsTotal,
		m.ConnectedPeers,
		m.DirectoryPeers,
		m.DirectoryCandidates,
		m.HistoryEntries,
		m.BuildInfo,
	)
	return m
}

// Handler returns an http.Handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
