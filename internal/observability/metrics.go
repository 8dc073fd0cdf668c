package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netplay"

// Drop reasons used as the "reason" label of DatagramsDropped.
const (
	DropInboundFull  = "inbound_full"
	DropOutboundFull = "outbound_full"
	DropWriteError   = "write_error"
	DropClosed       = "closed"
	DropUnauthorized = "unauthorized"
	DropSpoofed      = "spoofed"
	DropMalformed    = "malformed"
	DropStale        = "stale"
	DropNoRecipient  = "no_recipient"
	DropLocalFull    = "local_full"
)

// Metrics holds the session layer's prometheus instruments. One instance is
// shared by every session a process activates.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	ReadErrors        prometheus.Counter
	Rejections        prometheus.Counter
	Joins             prometheus.Counter
	Leaves            prometheus.Counter
	Deaths            prometheus.Counter
	ClientsConnected  prometheus.Gauge
	Heartbeats        prometheus.Counter
	Sessions          *prometheus.CounterVec
}

// NewMetrics creates and registers every instrument on reg.
//
// Precondition: reg must be non-nil and not already hold netplay instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_received_total",
			Help: "Datagrams read from the socket.",
		}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_sent_total",
			Help: "Datagrams written to the socket.",
		}),
		DatagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_dropped_total",
			Help: "Datagrams or events discarded, by reason.",
		}, []string{"reason"}),
		ReadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_errors_total",
			Help: "Socket receive errors other than poll timeouts.",
		}),
		Rejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "join_rejections_total",
			Help: "Joined{none} replies sent to strangers.",
		}),
		Joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "joins_total",
			Help: "Identities assigned by the host.",
		}),
		Leaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leaves_total",
			Help: "Explicit client disconnects.",
		}),
		Deaths: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_deaths_total",
			Help: "Clients removed after the liveness timeout.",
		}),
		ClientsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clients_connected",
			Help: "Remote clients currently in the registry.",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Idle heartbeats received by the host.",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Session activations, by role.",
		}, []string{"role"}),
	}
}

// NopMetrics returns instruments registered on a private registry, for
// callers and tests that do not export metrics.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Dropped counts one discarded datagram for reason.
func (m *Metrics) Dropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}
