package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	UplinksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scgw_uplinks_received_total",
			Help: "Frames taken off the air",
		},
	)
	UplinksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_uplinks_dropped_total",
			Help: "Uplinks dropped before forwarding by reason",
		},
		[]string{"reason"},
	)
	UplinksForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scgw_uplinks_forwarded_total",
			Help: "Uplinks handed to the backend clients",
		},
	)
	PacketsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_packets_sent_total",
			Help: "Datagrams sent to backend servers",
		},
		[]string{"server", "type"},
	)
	AcksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_acks_received_total",
			Help: "Acknowledgements matched to a pending request",
		},
		[]string{"server", "type"},
	)
	AckTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_ack_timeouts_total",
			Help: "Requests that were never acknowledged",
		},
		[]string{"server", "type"},
	)
	QueueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_send_queue_drops_total",
			Help: "Datagrams dropped because the send queue was full",
		},
		[]string{"server"},
	)
	Downlinks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scgw_downlinks_total",
			Help: "Downlink instructions by outcome",
		},
		[]string{"result"},
	)
	RadioState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scgw_radio_state",
			Help: "Radio arbiter state (0 scan, 1 receive, 2 downlink pending, 3 transmit)",
		},
	)
	RadioResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scgw_radio_resets_total",
			Help: "Radio re-initialisations by the watchdog",
		},
	)
	TrustedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scgw_trusted_nodes",
			Help: "Entries in the trusted-node table",
		},
	)
	LogPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scgw_log_pruned_total",
			Help: "Statistics log records pruned at the high-water mark",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UplinksReceived,
		UplinksDropped,
		UplinksForwarded,
		PacketsSent,
		AcksReceived,
		AckTimeouts,
		QueueDrops,
		Downlinks,
		RadioState,
		RadioResets,
		TrustedNodes,
		LogPruned,
	)
}
