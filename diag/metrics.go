package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vpntunnel/tunnel"
)

// Metrics holds the Prometheus collectors the diagnostic surface exposes.
// Grounded on Sentinel-Gate-Sentinelgate's http.Metrics — a private
// registry built with promauto.With(reg), served over its own
// promhttp.HandlerFor rather than the global default registry, so multiple
// Server instances in one process (or in tests) never collide.
type Metrics struct {
	reg *prometheus.Registry

	BytesTotal       *prometheus.GaugeVec
	QueueDrops       *prometheus.GaugeVec
	ReplayRejections prometheus.Gauge
	MACFailures      prometheus.Gauge
	LCPState         prometheus.Gauge
	IPCPState        prometheus.Gauge
	DatagramActive   prometheus.Gauge
}

// NewMetrics builds and registers the collector set against a private
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		reg: reg,
		BytesTotal: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "bytes_total",
				Help:      "Cumulative bytes moved per transport and direction",
			},
			[]string{"transport", "direction"}, // transport=stream|datagram, direction=in|out
		),
		QueueDrops: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "queue_drops_total",
				Help:      "Cumulative packets dropped because a queue was full",
			},
			[]string{"queue"}, // queue=inbound|outbound
		),
		ReplayRejections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "replay_rejections_total",
				Help:      "Cumulative inbound datagrams rejected by the replay window",
			},
		),
		MACFailures: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "mac_failures_total",
				Help:      "Cumulative inbound datagrams rejected for MAC verification failure",
			},
		),
		LCPState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "lcp_state",
				Help:      "Current LCP sub-state, as ppp.SubState's ordinal",
			},
		),
		IPCPState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "ipcp_state",
				Help:      "Current IPCP sub-state, as ppp.SubState's ordinal",
			},
		),
		DatagramActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vpntunnel",
				Name:      "datagram_active",
				Help:      "1 if the datagram transport is the active transport, else 0",
			},
		),
	}
}

// Handler serves this Metrics' private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe updates every gauge from a point-in-time Stats snapshot. Even
// the cumulative counts (bytes, queue drops, replay rejections, MAC
// failures) are modeled as gauges set to tunnel.Manager's running total,
// since Stats only ever hands over a snapshot, never a discrete delta.
func (m *Metrics) Observe(s tunnel.Stats) {
	m.LCPState.Set(float64(s.LCPState))
	m.IPCPState.Set(float64(s.IPCPState))
	if s.DatagramActive {
		m.DatagramActive.Set(1)
	} else {
		m.DatagramActive.Set(0)
	}
	m.BytesTotal.WithLabelValues("stream", "in").Set(float64(s.StreamBytesIn))
	m.BytesTotal.WithLabelValues("stream", "out").Set(float64(s.StreamBytesOut))
	m.BytesTotal.WithLabelValues("datagram", "in").Set(float64(s.DgramBytesIn))
	m.BytesTotal.WithLabelValues("datagram", "out").Set(float64(s.DgramBytesOut))
	m.QueueDrops.WithLabelValues("outbound").Set(float64(s.OutQueueDrops))
	m.QueueDrops.WithLabelValues("inbound").Set(float64(s.InQueueDrops))
	m.ReplayRejections.Set(float64(s.ReplayRejections))
	m.MACFailures.Set(float64(s.MACFailures))
}
