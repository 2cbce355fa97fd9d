// Package metrics exposes the transport core's observable counters and
// gauges as Prometheus collectors. The transport packages never touch
// prometheus directly; they depend only on the small Recorder interface so
// unit tests can substitute a no-op without pulling in a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Recorder is the subset of peer-runtime observability SPEC_FULL.md's
// "Peer statistics snapshot" feature needs. Connection, channel and
// fragment code call through this interface; Peer owns the concrete
// *Collectors backing it.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	BytesSent(n int)
	BytesReceived(n int)
	PacketSent()
	PacketReceived()
	PacketDropped(reason string)
	Resend()
	RTTObserved(seconds float64)
	FragmentGroupOpened()
	FragmentGroupClosed()
}

// Collectors bundles every Prometheus metric the transport core reports. A
// single instance is registered once per Peer.
type Collectors struct {
	ConnectionsActive prometheus.Gauge
	BytesSentTotal     prometheus.Counter
	BytesReceivedTotal prometheus.Counter
	PacketsSentTotal   prometheus.Counter
	PacketsRecvTotal   prometheus.Counter
	PacketsDropped     *prometheus.CounterVec
	ResendsTotal       prometheus.Counter
	RTTSeconds         prometheus.Histogram
	FragmentGroupsOpen prometheus.Gauge
}

// NewCollectors builds and registers a Collectors set against reg. Passing
// a fresh prometheus.NewRegistry() per Peer (rather than the global
// DefaultRegisterer) avoids collisions when a process runs multiple peers.
func NewCollectors(reg prometheus.Registerer, namespace string) *Collectors {
	c := &Collectors{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Number of connections currently in a non-disconnected state.",
		}),
		BytesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total bytes written to the UDP socket.",
		}),
		BytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Total bytes read from the UDP socket.",
		}),
		PacketsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
			Help: "Total datagrams written to the UDP socket.",
		}),
		PacketsRecvTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Total datagrams read from the UDP socket.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Datagrams dropped, labeled by reason.",
		}, []string{"reason"}),
		ResendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resends_total",
			Help: "Total reliable-message retransmissions.",
		}),
		RTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rtt_seconds",
			Help:    "Observed round-trip time samples.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		FragmentGroupsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fragment_groups_open",
			Help: "Reassembly records currently in flight.",
		}),
	}
	reg.MustRegister(
		c.ConnectionsActive, c.BytesSentTotal, c.BytesReceivedTotal,
		c.PacketsSentTotal, c.PacketsRecvTotal, c.PacketsDropped,
		c.ResendsTotal, c.RTTSeconds, c.FragmentGroupsOpen,
	)
	return c
}

func (c *Collectors) ConnectionOpened()       { c.ConnectionsActive.Inc() }
func (c *Collectors) ConnectionClosed()       { c.ConnectionsActive.Dec() }
func (c *Collectors) BytesSent(n int)         { c.BytesSentTotal.Add(float64(n)) }
func (c *Collectors) BytesReceived(n int)     { c.BytesReceivedTotal.Add(float64(n)) }
func (c *Collectors) PacketSent()             { c.PacketsSentTotal.Inc() }
func (c *Collectors) PacketReceived()         { c.PacketsRecvTotal.Inc() }
func (c *Collectors) PacketDropped(reason string) { c.PacketsDropped.WithLabelValues(reason).Inc() }
func (c *Collectors) Resend()                 { c.ResendsTotal.Inc() }
func (c *Collectors) RTTObserved(seconds float64) { c.RTTSeconds.Observe(seconds) }
func (c *Collectors) FragmentGroupOpened()    { c.FragmentGroupsOpen.Inc() }
func (c *Collectors) FragmentGroupClosed()    { c.FragmentGroupsOpen.Dec() }

// Snapshot is a point-in-time read of the counters Peer.Stats() reports,
// letting callers ask "how is this peer doing" without depending on the
// Prometheus client directly.
type Snapshot struct {
	ConnectionsActive int
	BytesSent         uint64
	BytesReceived     uint64
	PacketsSent       uint64
	PacketsReceived   uint64
	Resends           uint64
}

// Snapshot reads the current value of every counter back out via
// testutil.ToFloat64, the same helper the pack's test suites use to assert
// on metric values.
func (c *Collectors) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsActive: int(testutil.ToFloat64(c.ConnectionsActive)),
		BytesSent:         uint64(testutil.ToFloat64(c.BytesSentTotal)),
		BytesReceived:     uint64(testutil.ToFloat64(c.BytesReceivedTotal)),
		PacketsSent:       uint64(testutil.ToFloat64(c.PacketsSentTotal)),
		PacketsReceived:   uint64(testutil.ToFloat64(c.PacketsRecvTotal)),
		Resends:           uint64(testutil.ToFloat64(c.ResendsTotal)),
	}
}

// Noop is a Recorder that discards every observation, used by tests and by
// peers that don't want Prometheus wiring.
type Noop struct{}

func (Noop) ConnectionOpened()           {}
func (Noop) ConnectionClosed()           {}
func (Noop) BytesSent(int)               {}
func (Noop) BytesReceived(int)           {}
func (Noop) PacketSent()                 {}
func (Noop) PacketReceived()             {}
func (Noop) PacketDropped(string)        {}
func (Noop) Resend()                     {}
func (Noop) RTTObserved(float64)         {}
func (Noop) FragmentGroupOpened()        {}
func (Noop) FragmentGroupClosed()        {}
