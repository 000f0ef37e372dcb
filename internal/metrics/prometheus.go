package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "branchnet"

type counterDesc struct {
	desc *prometheus.Desc
	load func(Snapshot) float64
}

// Collector exposes a Metrics instance to a prometheus registry. Values are
// read from a fresh Snapshot on every scrape.
type Collector struct {
	m         *Metrics
	counters  []counterDesc
	connected *prometheus.Desc
	failures  *prometheus.Desc
}

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		counters: []counterDesc{
			{newDesc("adv", "sent_total", "Advertising packets sent."),
				func(s Snapshot) float64 { return float64(s.Advertising.Sent) }},
			{newDesc("adv", "received_total", "Advertising packets received."),
				func(s Snapshot) float64 { return float64(s.Advertising.Received) }},
			{newDesc("adv", "invalid_total", "Invalid advertising packets."),
				func(s Snapshot) float64 { return float64(s.Advertising.Invalid) }},
			{newDesc("branch", "discovered_total", "Remote branches discovered."),
				func(s Snapshot) float64 { return float64(s.Connections.Discovered) }},
			{newDesc("branch", "queries_ok_total", "Successful info queries."),
				func(s Snapshot) float64 { return float64(s.Connections.QueriesOK) }},
			{newDesc("branch", "queries_failed_total", "Failed info queries."),
				func(s Snapshot) float64 { return float64(s.Connections.QueriesFailed) }},
			{newDesc("branch", "connects_ok_total", "Established sessions."),
				func(s Snapshot) float64 { return float64(s.Connections.ConnectsOK) }},
			{newDesc("branch", "lost_total", "Sessions lost."),
				func(s Snapshot) float64 { return float64(s.Connections.Lost) }},
			{newDesc("branch", "heartbeats_total", "Heartbeats sent."),
				func(s Snapshot) float64 { return float64(s.Connections.Heartbeats) }},
			{newDesc("broadcast", "sent_total", "Broadcasts sent."),
				func(s Snapshot) float64 { return float64(s.Broadcasts.Sent) }},
			{newDesc("broadcast", "received_total", "Broadcasts received."),
				func(s Snapshot) float64 { return float64(s.Broadcasts.Received) }},
			{newDesc("broadcast", "drop_tx_full_total", "Broadcasts skipped on full send queues."),
				func(s Snapshot) float64 { return float64(s.Broadcasts.DropTxFull) }},
			{newDesc("broadcast", "drop_rx_full_total", "Broadcasts dropped on full receive queues."),
				func(s Snapshot) float64 { return float64(s.Broadcasts.DropRxFull) }},
			{newDesc("broadcast", "drop_buffer_small_total", "Broadcasts dropped for small receive buffers."),
				func(s Snapshot) float64 { return float64(s.Broadcasts.DropSmall) }},
		},
		connected: newDesc("branch", "connected", "Currently connected remote branches."),
		failures:  newDesc("branch", "connect_failures_total", "Failed connections by reason.", "reason"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.connected
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, cd.load(s))
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, float64(s.Connected))
	for _, reason := range sortedKeys(s.ConnectFailures) {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue,
			float64(s.ConnectFailures[reason]), reason)
	}
}
