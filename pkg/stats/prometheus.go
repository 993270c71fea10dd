package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes an Aggregator as prometheus metrics. Values are read
// on scrape from the same atomic counters the sessions write, no extra
// bookkeeping on the hot path.
type Collector struct {
	agg *Aggregator

	activeSessions *prometheus.Desc
	sessionsTotal  *prometheus.Desc
	bytesSent      *prometheus.Desc
	bytesReceived  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a prometheus collector backed by agg
func NewCollector(agg *Aggregator) *Collector {
	return &Collector{
		agg: agg,
		activeSessions: prometheus.NewDesc(
			"udsrelay_active_sessions", "Currently active relay sessions", nil, nil),
		sessionsTotal: prometheus.NewDesc(
			"udsrelay_sessions_total", "Relay sessions completed", nil, nil),
		bytesSent: prometheus.NewDesc(
			"udsrelay_bytes_sent_total", "Bytes relayed client to backend", nil, nil),
		bytesReceived: prometheus.NewDesc(
			"udsrelay_bytes_received_total", "Bytes relayed backend to client", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.sessionsTotal
	ch <- c.bytesSent
	ch <- c.bytesReceived
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(snap.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(snap.SessionsTotal))
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(snap.BytesSentTotal))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(snap.BytesReceivedTotal))
}
